package nn

import (
	"context"
	"time"
)

// Package nn is the interface layer between object detectors and the tracker.
// Inference itself happens elsewhere. We only see boxes.

// A video frame that is handed to a local detector.
// Pixels may be nil if the detector obtains its imagery some other way (eg a replay file).
type Frame struct {
	CameraID int64
	Seq      int64 // Monotonically increasing frame number, per camera
	Width    int
	Height   int
	NChan    int
	Pixels   []byte
	PTS      time.Time
}

// Fused output of one frame, as sent to watchers
// SYNC-DETECTION-RESULT
type DetectionResult struct {
	CameraID    int64       `json:"cameraID"`
	FrameSeq    int64       `json:"frameSeq"`
	ImageWidth  int         `json:"imageWidth"`
	ImageHeight int         `json:"imageHeight"`
	Objects     []Detection `json:"objects"`
	FramePTS    time.Time   `json:"framePTS"`
}

// ObjectDetector is given a frame, and returns zero or more detected objects.
// This is the fast on-device detector. It may be slow relative to the frame rate,
// and it may fail. Implementations must honor ctx cancellation where they can.
type ObjectDetector interface {
	// Close releases any resources held by the detector
	Close()

	// DetectObjects returns a list of objects detected in the frame
	DetectObjects(ctx context.Context, frame *Frame) ([]RawDetection, error)
}

// FrameSource produces the next frame to analyze, or nil if there is no new frame yet
type FrameSource interface {
	NextFrame() *Frame
}
