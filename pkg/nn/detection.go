package nn

import (
	"errors"
	"fmt"
	"time"

	"github.com/chewxy/math32"
)

// ErrMalformedDetection is returned when a detection has a non-finite or degenerate box,
// or an out of range confidence.
var ErrMalformedDetection = errors.New("malformed detection")

// Source identifies where a Detection came from
type Source int

const (
	SourceLocal         Source = iota // Fast, low-latency on-device detector
	SourceAuthoritative               // Slower remote detector, which owns track identity
	SourcePredicted                   // Dead-reckoned from a track's recent history
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceAuthoritative:
		return "authoritative"
	case SourcePredicted:
		return "predicted"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "local":
		*s = SourceLocal
	case "authoritative":
		*s = SourceAuthoritative
	case "predicted":
		*s = SourcePredicted
	default:
		return fmt.Errorf("Unknown detection source '%v'", string(b))
	}
	return nil
}

// RawDetection is the output of the on-device detector. It has no identity.
type RawDetection struct {
	Kind       string  `json:"kind"` // eg "person"
	Box        Box     `json:"box"`
	Confidence float32 `json:"confidence"`
}

// AuthoritativeDetection is delivered by the remote detector, and carries the canonical track ID.
type AuthoritativeDetection struct {
	Kind       string  `json:"kind"`
	Box        Box     `json:"box"`
	Confidence float32 `json:"confidence"`
	TrackID    string  `json:"trackID"`
}

// Detection is a single observation of an object in one frame, after fusion.
// SYNC-FUSED-DETECTION
type Detection struct {
	Kind       string    `json:"kind"`
	Box        Box       `json:"box"`
	Confidence float32   `json:"confidence"`
	Source     Source    `json:"source"`
	TrackID    string    `json:"trackID"`
	CapturedAt time.Time `json:"capturedAt"`
	Matched    bool      `json:"matched"`              // True if a local detection was paired with an authoritative one
	MatchScore float32   `json:"matchScore,omitempty"` // IOU that produced the match. Only meaningful when Matched is true.
}

func validConfidence(c float32) bool {
	return !math32.IsNaN(c) && c >= 0 && c <= 1
}

func (d *RawDetection) Validate() error {
	if !d.Box.IsValid() {
		return fmt.Errorf("%w: invalid box %v", ErrMalformedDetection, d.Box)
	}
	if !validConfidence(d.Confidence) {
		return fmt.Errorf("%w: confidence %v out of range", ErrMalformedDetection, d.Confidence)
	}
	return nil
}

func (d *AuthoritativeDetection) Validate() error {
	if d.TrackID == "" {
		return fmt.Errorf("%w: missing track ID", ErrMalformedDetection)
	}
	if !d.Box.IsValid() {
		return fmt.Errorf("%w: invalid box %v for track %v", ErrMalformedDetection, d.Box, d.TrackID)
	}
	if !validConfidence(d.Confidence) {
		return fmt.Errorf("%w: confidence %v out of range for track %v", ErrMalformedDetection, d.Confidence, d.TrackID)
	}
	return nil
}

// ToDetection stamps an authoritative detection with its source and capture time
func (d *AuthoritativeDetection) ToDetection(capturedAt time.Time) Detection {
	return Detection{
		Kind:       d.Kind,
		Box:        d.Box,
		Confidence: d.Confidence,
		Source:     SourceAuthoritative,
		TrackID:    d.TrackID,
		CapturedAt: capturedAt,
	}
}
