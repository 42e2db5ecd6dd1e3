package trackdb

import (
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/fusion/pkg/nn"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// A track that has been evicted from a tracker's store.
// SYNC-TRACKDB-TRACK
type Track struct {
	BaseModel
	RandomID     string                            `json:"randomID"`   // Used to ensure uniqueness when merging track databases
	InstanceID   string                            `json:"instanceID"` // The server process that wrote this record
	Camera       int64                             `json:"camera"`
	TrackID      string                            `json:"trackID"` // Authoritative track ID, or a synthesized local ID
	Kind         string                            `json:"kind"`    // eg "person", "car"
	FirstSeen    dbh.IntTime                       `json:"firstSeen"`
	LastSeen     dbh.IntTime                       `json:"lastSeen"`
	TotalSamples int64                             `json:"totalSamples"` // Total samples over the track's lifetime. Positions holds only the most recent.
	Positions    *dbh.JSONField[TrackPositionsJSON] `json:"positions"`
}

// Duration between first and last sighting
func (t *Track) Duration() time.Duration {
	return t.LastSeen.Get().Sub(t.FirstSeen.Get())
}

// SYNC-TRACKDB-POSITIONS
type TrackPositionsJSON struct {
	Positions []PositionJSON `json:"positions"`
}

// Position of an object in one sample.
// SYNC-TRACKDB-POSITION
type PositionJSON struct {
	Box        [4]float32 `json:"box"`        // [X1,Y1,X2,Y2]
	Time       int32      `json:"time"`       // Milliseconds relative to FirstSeen
	Confidence float32    `json:"confidence"` // 0..1
	Source     nn.Source  `json:"source"`
}
