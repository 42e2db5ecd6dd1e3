package trackdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/fusion/pkg/gen"
	"github.com/cyclopcam/fusion/server/tracker"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TrackDB is a journal of tracks that have left the scene.
// Trackers hand us evicted tracks via TrackEvicted, and a background thread batches them into the DB.
type TrackDB struct {
	InstanceID string // Random ID of this process, written into every record

	log               logs.Log
	db                *gorm.DB
	flushInterval     time.Duration
	shutdown          chan bool // Closed when it's time to shutdown
	writeThreadClosed chan bool // Closed by the write thread when it exits

	queueLock sync.Mutex
	queue     []*Track
}

// Open or create a track DB in the directory 'root'
func Open(log logs.Log, root string, flushInterval time.Duration) (*TrackDB, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0770); err != nil {
		return nil, fmt.Errorf("Failed to create Track DB storage path '%v': %w", root, err)
	}
	return OpenFile(log, filepath.Join(root, "tracks.sqlite"), flushInterval)
}

// Open or create a track DB at the given sqlite filename
func OpenFile(log logs.Log, dbPath string, flushInterval time.Duration) (*TrackDB, error) {
	log.Infof("Opening Track DB at '%v'", dbPath)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbPath), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open track database %v: %w", dbPath, err)
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	self := &TrackDB{
		InstanceID:        uuid.NewString(),
		log:               log,
		db:                db,
		flushInterval:     flushInterval,
		shutdown:          make(chan bool),
		writeThreadClosed: make(chan bool),
	}
	go self.writeThread()
	return self, nil
}

// Flush pending tracks, and close the DB
func (d *TrackDB) Close() {
	close(d.shutdown)
	d.log.Infof("Waiting for track write thread to exit")
	<-d.writeThreadClosed
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// TrackEvicted is called by a tracker.Engine when a track goes stale
func (d *TrackDB) TrackEvicted(cameraID int64, track *tracker.Track) {
	rec := makeTrackRecord(d.InstanceID, cameraID, track)
	d.queueLock.Lock()
	d.queue = append(d.queue, rec)
	d.queueLock.Unlock()
}

func makeTrackRecord(instanceID string, cameraID int64, track *tracker.Track) *Track {
	var positions dbh.JSONField[TrackPositionsJSON]
	for _, s := range track.History() {
		positions.Data.Positions = append(positions.Data.Positions, PositionJSON{
			Box:        [4]float32{s.Box.X1, s.Box.Y1, s.Box.X2, s.Box.Y2},
			Time:       int32(s.CapturedAt.Sub(track.FirstSeenAt).Milliseconds()),
			Confidence: s.Confidence,
			Source:     s.Source,
		})
	}
	return &Track{
		RandomID:     uuid.NewString(),
		InstanceID:   instanceID,
		Camera:       cameraID,
		TrackID:      track.ID,
		Kind:         track.Kind,
		FirstSeen:    dbh.MakeIntTime(track.FirstSeenAt),
		LastSeen:     dbh.MakeIntTime(track.LastUpdatedAt),
		TotalSamples: int64(track.TotalSamples),
		Positions:    &positions,
	}
}

func (d *TrackDB) writeThread() {
	d.log.Infof("Track write thread starting")
	keepRunning := true
	for keepRunning {
		select {
		case <-d.shutdown:
			keepRunning = false
		case <-time.After(d.flushInterval):
			d.Flush()
		}
	}
	d.log.Infof("Flushing tracks")
	d.Flush()
	d.log.Infof("Track write thread exiting")
	close(d.writeThreadClosed)
}

// Flush writes all queued tracks to the DB
func (d *TrackDB) Flush() error {
	d.queueLock.Lock()
	queue := d.queue
	d.queue = nil
	d.queueLock.Unlock()

	if len(queue) == 0 {
		return nil
	}
	if err := d.db.CreateInBatches(queue, 100).Error; err != nil {
		d.log.Errorf("Failed to write %v tracks to DB: %v", len(queue), err)
		return err
	}
	return nil
}

// Fetch up to 'limit' (max 1000) tracks of 'camera' that were last seen at or after 'since', newest first
func (d *TrackDB) ReadTracks(camera int64, since time.Time, limit int) ([]*Track, error) {
	if limit <= 0 {
		limit = 100
	}
	limit = gen.Clamp(limit, 1, 1000)
	tracks := []*Track{}
	q := d.db.Where("camera = ?", camera)
	if !since.IsZero() {
		q = q.Where("last_seen >= ?", dbh.MakeIntTime(since))
	}
	if err := q.Order("last_seen DESC, id DESC").Limit(limit).Find(&tracks).Error; err != nil {
		return nil, err
	}
	return tracks, nil
}

// Delete tracks that were last seen before 'before'. Returns the number of tracks deleted.
func (d *TrackDB) DeleteOldTracks(before time.Time) (int64, error) {
	res := d.db.Where("last_seen < ?", dbh.MakeIntTime(before)).Delete(&Track{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected != 0 {
		d.log.Infof("Deleted %v old tracks", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
