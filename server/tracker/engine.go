package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/fusion/pkg/idgen"
	"github.com/cyclopcam/fusion/pkg/nn"
	"github.com/cyclopcam/fusion/pkg/perfstats"
	"github.com/cyclopcam/logs"
)

// TrackJournal receives tracks after they have been evicted from an Engine's store.
// TrackEvicted is called outside of any Engine locks, and the Track is no longer
// mutated by the Engine, so the journal may keep it.
type TrackJournal interface {
	TrackEvicted(cameraID int64, track *Track)
}

// Engine fuses a fast local detector with a slower authoritative detector, for one camera.
//
// Each frame runs the following sequence to completion:
// request local detections -> match -> predict -> merge -> update store -> emit.
//
// There are two independent triggers: frames (ProcessFrame, or the Run loop), and
// authoritative batches (UpdateAuthoritativeBatch), which can arrive at any time.
type Engine struct {
	Log      logs.Log
	CameraID int64

	detector nn.ObjectDetector
	journal  TrackJournal
	config   atomic.Pointer[Config]

	// Holds a token while a frame is between RequestingLocal and Emitted.
	// A frame that can't place a token is skipped.
	inFlight chan struct{}

	// Latest authoritative batch. Replaced atomically. Frames take a snapshot of this
	// pointer when they start matching.
	latestAuth atomic.Pointer[authoritativeBatch]

	storeLock sync.Mutex // Guards store and matcher. Never held while waiting on the detector.
	store     *TrackStore
	matcher   matcher
	evicted   []*Track // Scratch list filled by store.OnEvict

	stopped     atomic.Bool   // True once Stop() has been called
	loopStop    chan struct{} // Closed to stop the Run loop
	loopStopped chan struct{} // Closed by the Run loop when it exits
	lastErrAt   atomic.Int64  // Unix nanos of the last detector error we logged
	closeOnce   sync.Once

	watchersLock sync.RWMutex
	watchers     []chan *nn.DetectionResult

	stats engineStats
}

type engineStats struct {
	framesProcessed      atomic.Int64
	framesRejected       atomic.Int64
	detectorFailures     atomic.Int64
	malformedDropped     atomic.Int64
	authoritativeBatches atomic.Int64
	predictionsEmitted   atomic.Int64
	trackedObjects       atomic.Int64
	lastProcessingNS     atomic.Int64
	avgProcessingNS      atomic.Int64
}

// Stats is an observability snapshot of an Engine
// SYNC-TRACKER-STATS
type Stats struct {
	TrackedObjectCount       int     `json:"trackedObjectCount"`
	LastProcessingDurationMs float64 `json:"lastProcessingDurationMs"`
	AvgProcessingDurationMs  float64 `json:"avgProcessingDurationMs"`
	FramesProcessed          int64   `json:"framesProcessed"`
	FramesRejected           int64   `json:"framesRejected"` // Frames skipped because the previous frame was still in flight
	DetectorFailures         int64   `json:"detectorFailures"`
	MalformedDropped         int64   `json:"malformedDropped"`
	AuthoritativeBatches     int64   `json:"authoritativeBatches"`
	PredictionsEmitted       int64   `json:"predictionsEmitted"`
}

// NewEngine creates an engine for a single camera.
// journal may be nil.
func NewEngine(logger logs.Log, cameraID int64, detector nn.ObjectDetector, config Config, journal TrackJournal) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		Log:      logger,
		CameraID: cameraID,
		detector: detector,
		journal:  journal,
		inFlight: make(chan struct{}, 1),
		store:    NewTrackStore(config.HistoryCapacity, config.ExpirationWindow),
		matcher: matcher{
			trackIDs: idgen.NewTrackIDs(fmt.Sprintf("cam%v-local-", cameraID)),
		},
	}
	e.store.OnEvict = func(t *Track) {
		e.evicted = append(e.evicted, t)
	}
	cfg := config
	e.config.Store(&cfg)
	return e, nil
}

// Config returns the current configuration
func (e *Engine) Config() Config {
	return *e.config.Load()
}

// SetConfig applies a partial update to the configuration.
// Frames that are already in flight continue with the configuration they started with.
func (e *Engine) SetConfig(update PartialConfig) error {
	cfg := update.Apply(*e.config.Load())
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.setStoreConfig(&cfg)
	e.Log.Infof("Tracker (cam %v): Config updated", e.CameraID)
	return nil
}

func (e *Engine) setStoreConfig(cfg *Config) {
	e.storeLock.Lock()
	defer e.storeLock.Unlock()
	e.store.SetLimits(cfg.HistoryCapacity, cfg.ExpirationWindow)
	e.config.Store(cfg)
}

// GetStats returns a snapshot of the engine's counters
func (e *Engine) GetStats() Stats {
	return Stats{
		TrackedObjectCount:       int(e.stats.trackedObjects.Load()),
		LastProcessingDurationMs: float64(e.stats.lastProcessingNS.Load()) / 1e6,
		AvgProcessingDurationMs:  float64(e.stats.avgProcessingNS.Load()) / 1e6,
		FramesProcessed:          e.stats.framesProcessed.Load(),
		FramesRejected:           e.stats.framesRejected.Load(),
		DetectorFailures:         e.stats.detectorFailures.Load(),
		MalformedDropped:         e.stats.malformedDropped.Load(),
		AuthoritativeBatches:     e.stats.authoritativeBatches.Load(),
		PredictionsEmitted:       e.stats.predictionsEmitted.Load(),
	}
}

// UpdateAuthoritativeBatch is called by the transport whenever a new authoritative batch arrives.
// The batch replaces the previous one, and every valid detection is added to the track store
// immediately, so that predictions have fresh history even before the next frame runs.
// A frame that is already matching keeps using the batch it started with.
// Returns the number of detections that were accepted.
func (e *Engine) UpdateAuthoritativeBatch(batch []nn.AuthoritativeDetection, now time.Time) int {
	valid := make([]nn.AuthoritativeDetection, 0, len(batch))
	seen := map[string]bool{}
	for _, det := range batch {
		if err := det.Validate(); err != nil {
			e.stats.malformedDropped.Add(1)
			if e.config.Load().Verbose {
				e.Log.Warnf("Tracker (cam %v): Dropping authoritative detection: %v", e.CameraID, err)
			}
			continue
		}
		if seen[det.TrackID] {
			e.Log.Warnf("Tracker (cam %v): Duplicate track ID '%v' in authoritative batch", e.CameraID, det.TrackID)
			continue
		}
		seen[det.TrackID] = true
		valid = append(valid, det)
	}

	e.latestAuth.Store(newAuthoritativeBatch(valid, now))
	e.stats.authoritativeBatches.Add(1)

	e.storeAuthoritative(valid, now)

	return len(valid)
}

func (e *Engine) storeAuthoritative(valid []nn.AuthoritativeDetection, now time.Time) {
	e.storeLock.Lock()
	defer e.storeLock.Unlock()

	cfg := e.config.Load()
	for i := range valid {
		if e.store.Upsert(valid[i].TrackID, valid[i].ToDetection(now), now) && cfg.Verbose {
			c := valid[i].Box.Center()
			e.Log.Infof("Tracker (cam %v): New authoritative '%v' (%v) at %.0f,%.0f", e.CameraID, valid[i].Kind, valid[i].TrackID, c.X, c.Y)
		}
	}
	e.stats.trackedObjects.Store(int64(e.store.Len()))
}

// ProcessFrame runs one frame through the pipeline and returns the fused detections.
// If a previous frame is still in flight, this frame is skipped, and nil is returned.
// If the engine is stopped while the detector is running, the results are discarded and nil is returned.
// Errors never escape this function. They are logged, and counted in Stats.
func (e *Engine) ProcessFrame(ctx context.Context, frame *nn.Frame, now time.Time) []nn.Detection {
	if e.stopped.Load() {
		return nil
	}
	select {
	case e.inFlight <- struct{}{}:
	default:
		e.stats.framesRejected.Add(1)
		return nil
	}
	defer func() { <-e.inFlight }()

	start := time.Now()
	cfg := e.config.Load()

	local := e.detectLocal(ctx, frame)
	if e.stopped.Load() {
		return nil
	}

	// Snapshot. An authoritative batch arriving after this point affects the store,
	// but not this frame's matches.
	auth := e.latestAuth.Load()

	merged, match, predicted, evicted := e.fuse(cfg, local, auth, now)
	e.handleEvicted(cfg, evicted)

	elapsed := time.Since(start).Nanoseconds()
	e.stats.lastProcessingNS.Store(elapsed)
	perfstats.UpdateMovingAverage(&e.stats.avgProcessingNS, elapsed)
	e.stats.framesProcessed.Add(1)
	e.stats.malformedDropped.Add(int64(match.numDropped))
	e.stats.predictionsEmitted.Add(int64(len(predicted)))

	result := &nn.DetectionResult{
		CameraID: e.CameraID,
		Objects:  merged,
	}
	if frame != nil {
		result.FrameSeq = frame.Seq
		result.ImageWidth = frame.Width
		result.ImageHeight = frame.Height
		result.FramePTS = frame.PTS
	}
	e.sendToWatchers(result)

	return merged
}

// fuse runs the part of the pipeline that reads and writes the track store
func (e *Engine) fuse(cfg *Config, local []nn.RawDetection, auth *authoritativeBatch, now time.Time) (merged []nn.Detection, match matchResult, predicted []nn.Detection, evicted []*Track) {
	e.storeLock.Lock()
	defer e.storeLock.Unlock()

	match = e.matcher.match(cfg, local, auth, now)
	predicted = predict(cfg, e.store, auth, match.consumed, now)

	merged = make([]nn.Detection, 0, len(match.matched)+len(match.unmatched)+len(predicted))
	merged = append(merged, match.matched...)
	merged = append(merged, match.unmatched...)
	merged = append(merged, predicted...)

	for _, det := range merged {
		if e.store.Upsert(det.TrackID, det, now) && cfg.Verbose {
			c := det.Box.Center()
			e.Log.Infof("Tracker (cam %v): New '%v' (%v) at %.0f,%.0f", e.CameraID, det.Kind, det.TrackID, c.X, c.Y)
		}
	}
	e.store.EvictStale(now)
	evicted = e.evicted
	e.evicted = nil
	e.stats.trackedObjects.Store(int64(e.store.Len()))
	return
}

// Run the local detector. On failure (error or panic), we log and return an empty batch.
func (e *Engine) detectLocal(ctx context.Context, frame *nn.Frame) (objects []nn.RawDetection) {
	if e.detector == nil || frame == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.onDetectorFailure(fmt.Errorf("detector panic: %v", rec))
			objects = nil
		}
	}()
	objects, err := e.detector.DetectObjects(ctx, frame)
	if err != nil {
		e.onDetectorFailure(err)
		return nil
	}
	return objects
}

func (e *Engine) onDetectorFailure(err error) {
	e.stats.detectorFailures.Add(1)
	now := time.Now().UnixNano()
	if now-e.lastErrAt.Load() > int64(15*time.Second) {
		e.Log.Errorf("Tracker (cam %v): Error detecting objects: %v", e.CameraID, err)
		e.lastErrAt.Store(now)
	}
}

func (e *Engine) handleEvicted(cfg *Config, evicted []*Track) {
	for _, t := range evicted {
		if cfg.Verbose {
			c := t.Last().Box.Center()
			e.Log.Infof("Tracker (cam %v): '%v' (%v) at %.0f,%.0f disappeared, after %v samples", e.CameraID, t.Kind, t.ID, c.X, c.Y, t.TotalSamples)
		}
		if e.journal != nil {
			e.journal.TrackEvicted(e.CameraID, t)
		}
	}
}

// Start the frame loop. On every tick, we pull a frame from 'source', and run it through
// the pipeline on a new goroutine. Ticks that arrive while a frame is still in flight
// are skipped by ProcessFrame.
func (e *Engine) Run(source nn.FrameSource, interval time.Duration) {
	e.stopped.Store(false)
	e.loopStop = make(chan struct{})
	e.loopStopped = make(chan struct{})
	go e.loop(source, interval, e.loopStop, e.loopStopped)
}

func (e *Engine) loop(source nn.FrameSource, interval time.Duration, stop, stopped chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(stopped)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame := source.NextFrame()
			if frame == nil {
				continue
			}
			// Detector calls that are in flight when we're stopped are allowed to finish,
			// so we don't hand them a context that Stop() cancels.
			go e.processFrameProtected(frame)
		}
	}
}

// Frames launched by the Run loop have no caller to return a panic to, so we log it here
func (e *Engine) processFrameProtected(frame *nn.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			e.Log.Errorf("Tracker (cam %v): Panic while processing frame %v: %v", e.CameraID, frame.Seq, rec)
		}
	}()
	e.ProcessFrame(context.Background(), frame, time.Now())
}

// Stop the frame loop (if running). Frames that are in flight will have their results discarded.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	if e.loopStop != nil {
		close(e.loopStop)
		<-e.loopStopped
		e.loopStop = nil
		e.loopStopped = nil
	}
}

// Close stops the engine, waits for any in-flight frame to finish, and closes the detector
// Calling Close more than once is harmless.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.Stop()
		// Take the in-flight slot and keep it, so that no new frame can start
		e.inFlight <- struct{}{}
		if e.detector != nil {
			e.detector.Close()
		}
		e.Log.Infof("Tracker (cam %v): Closed", e.CameraID)
	})
}
