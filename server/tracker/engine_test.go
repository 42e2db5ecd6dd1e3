package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/fusion/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type dummyDetector struct {
	objects []nn.RawDetection
	err     error
	panics  bool
	entered chan struct{} // If not nil, signalled when DetectObjects is entered
	release chan struct{} // If not nil, DetectObjects blocks until this is closed
	calls   atomic.Int32
	closed  atomic.Bool
}

func (d *dummyDetector) Close() {
	d.closed.Store(true)
}

func (d *dummyDetector) DetectObjects(ctx context.Context, frame *nn.Frame) ([]nn.RawDetection, error) {
	d.calls.Add(1)
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.release != nil {
		<-d.release
	}
	if d.panics {
		panic("inference exploded")
	}
	return d.objects, d.err
}

type memJournal struct {
	lock   sync.Mutex
	tracks []*Track
}

func (j *memJournal) TrackEvicted(cameraID int64, track *Track) {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.tracks = append(j.tracks, track)
}

func testFrame(seq int64) *nn.Frame {
	return &nn.Frame{CameraID: 1, Seq: seq, Width: 320, Height: 256, NChan: 3}
}

func newTestEngine(t *testing.T, detector nn.ObjectDetector, journal TrackJournal) *Engine {
	cfg := DefaultConfig()
	cfg.PredictionHorizon = ms(250)
	cfg.Verbose = true
	e, err := NewEngine(logs.NewTestingLog(t), 1, detector, cfg, journal)
	require.NoError(t, err)
	return e
}

// One local detection and no authoritative batch
func TestEngineLocalOnly(t *testing.T) {
	det := &dummyDetector{objects: []nn.RawDetection{raw("person", 0.7, 10, 10, 50, 90)}}
	e := newTestEngine(t, det, nil)

	out := e.ProcessFrame(context.Background(), testFrame(1), baseTime)
	require.Equal(t, 1, len(out))
	require.Equal(t, nn.SourceLocal, out[0].Source)
	require.False(t, out[0].Matched)
	require.NotEqual(t, "", out[0].TrackID)
	require.Equal(t, float32(0.7), out[0].Confidence)

	stats := e.GetStats()
	require.EqualValues(t, 1, stats.FramesProcessed)
	require.Equal(t, 1, stats.TrackedObjectCount)
	require.EqualValues(t, 0, stats.PredictionsEmitted)

	// The next frame sees the same object, but it's unmatched again, so it gets a new identity
	out2 := e.ProcessFrame(context.Background(), testFrame(2), baseTime.Add(ms(33)))
	require.NotEqual(t, out[0].TrackID, out2[0].TrackID)
}

func TestEngineMatch(t *testing.T) {
	det := &dummyDetector{objects: []nn.RawDetection{raw("person", 0.4, 0, 0, 10, 6)}}
	e := newTestEngine(t, det, nil)

	require.Equal(t, 1, e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "person", 0.95, 0, 0, 10, 10)}, baseTime))
	out := e.ProcessFrame(context.Background(), testFrame(1), baseTime.Add(ms(20)))
	require.Equal(t, 1, len(out))
	require.Equal(t, "A", out[0].TrackID)
	require.True(t, out[0].Matched)
	require.InDelta(t, 0.6, out[0].MatchScore, 1e-6)
	require.Equal(t, nn.Box{X1: 0, Y1: 0, X2: 10, Y2: 6}, out[0].Box)

	// Track A now has the authoritative sample and the local sample
	e.storeLock.Lock()
	require.Equal(t, 2, e.store.Get("A").Len())
	e.storeLock.Unlock()
}

func TestEnginePredictsUnmatched(t *testing.T) {
	det := &dummyDetector{}
	e := newTestEngine(t, det, nil)

	e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "person", 0.8, 0, 0, 10, 10)}, baseTime)
	e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "person", 0.8, 4, 0, 14, 10)}, baseTime.Add(ms(500)))

	out := e.ProcessFrame(context.Background(), testFrame(1), baseTime.Add(ms(600)))
	require.Equal(t, 1, len(out))
	p := out[0]
	require.Equal(t, nn.SourcePredicted, p.Source)
	require.Equal(t, "A", p.TrackID)
	require.InDelta(t, 0.8*0.9, p.Confidence, 1e-6)
	require.Equal(t, nn.Box{X1: 6, Y1: 0, X2: 16, Y2: 10}, p.Box)
	require.EqualValues(t, 1, e.GetStats().PredictionsEmitted)

	// A track with only one sample produces no prediction
	e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("B", "car", 0.8, 100, 100, 120, 120)}, baseTime.Add(ms(700)))
	out = e.ProcessFrame(context.Background(), testFrame(2), baseTime.Add(ms(710)))
	require.Equal(t, 0, len(out))
}

func TestEngineEviction(t *testing.T) {
	journal := &memJournal{}
	e := newTestEngine(t, &dummyDetector{}, journal)
	e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "person", 0.8, 0, 0, 10, 10)}, baseTime)
	require.Equal(t, 1, e.GetStats().TrackedObjectCount)

	// Replace with an empty batch, so A is not predicted, and let it go stale
	e.UpdateAuthoritativeBatch(nil, baseTime.Add(ms(10)))
	e.ProcessFrame(context.Background(), testFrame(1), baseTime.Add(ms(2100)))
	require.Equal(t, 0, e.GetStats().TrackedObjectCount)
	require.Equal(t, 1, len(journal.tracks))
	require.Equal(t, "A", journal.tracks[0].ID)
}

func TestEngineDetectorFailure(t *testing.T) {
	det := &dummyDetector{err: errors.New("out of memory")}
	e := newTestEngine(t, det, nil)
	out := e.ProcessFrame(context.Background(), testFrame(1), baseTime)
	require.Equal(t, 0, len(out))
	require.EqualValues(t, 1, e.GetStats().DetectorFailures)

	det.err = nil
	det.panics = true
	out = e.ProcessFrame(context.Background(), testFrame(2), baseTime)
	require.Equal(t, 0, len(out))
	require.EqualValues(t, 2, e.GetStats().DetectorFailures)
	require.EqualValues(t, 2, e.GetStats().FramesProcessed)

	// Predictions still flow when the detector is down
	det.panics = false
	det.err = errors.New("still down")
	e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "person", 0.8, 0, 0, 10, 10)}, baseTime)
	e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "person", 0.8, 4, 0, 14, 10)}, baseTime.Add(ms(500)))
	out = e.ProcessFrame(context.Background(), testFrame(3), baseTime.Add(ms(600)))
	require.Equal(t, 1, len(out))
	require.Equal(t, nn.SourcePredicted, out[0].Source)
}

func TestEngineMalformedInput(t *testing.T) {
	det := &dummyDetector{objects: []nn.RawDetection{
		raw("person", 0.9, 10, 10, 10, 20), // zero width
		raw("person", 0.9, 10, 10, 20, 20),
	}}
	e := newTestEngine(t, det, nil)
	accepted := e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{
		auth("", "person", 0.9, 0, 0, 10, 10),
		auth("A", "person", 0.9, 50, 50, 40, 60),
		auth("B", "person", 0.9, 100, 100, 110, 110),
		auth("B", "person", 0.9, 200, 200, 210, 210),
	}, baseTime)
	require.Equal(t, 1, accepted)

	out := e.ProcessFrame(context.Background(), testFrame(1), baseTime)
	require.Equal(t, 1, len(out))
	require.EqualValues(t, 3, e.GetStats().MalformedDropped)
}

func TestEngineRejectsConcurrentFrame(t *testing.T) {
	det := &dummyDetector{
		objects: []nn.RawDetection{raw("person", 0.7, 10, 10, 50, 90)},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := newTestEngine(t, det, nil)

	first := make(chan []nn.Detection)
	go func() {
		first <- e.ProcessFrame(context.Background(), testFrame(1), baseTime)
	}()
	<-det.entered

	// While frame 1 is waiting on the detector, frame 2 is skipped
	require.Nil(t, e.ProcessFrame(context.Background(), testFrame(2), baseTime))
	require.EqualValues(t, 1, e.GetStats().FramesRejected)

	// Authoritative batches are not blocked by the in-flight frame
	e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "car", 0.9, 200, 200, 220, 220)}, baseTime)
	require.Equal(t, 1, e.GetStats().TrackedObjectCount)

	close(det.release)
	out := <-first
	require.Equal(t, 1, len(out))
	require.EqualValues(t, 1, det.calls.Load())
	require.EqualValues(t, 1, e.GetStats().FramesProcessed)

	// And now the slot is free again
	det.entered = nil
	require.Equal(t, 1, len(e.ProcessFrame(context.Background(), testFrame(3), baseTime)))
}

func TestEngineStopDiscardsInFlight(t *testing.T) {
	det := &dummyDetector{
		objects: []nn.RawDetection{raw("person", 0.7, 10, 10, 50, 90)},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := newTestEngine(t, det, nil)
	watcher := e.AddWatcher()

	result := make(chan []nn.Detection)
	go func() {
		result <- e.ProcessFrame(context.Background(), testFrame(1), baseTime)
	}()
	<-det.entered
	e.Stop()
	close(det.release)
	require.Nil(t, <-result)
	require.Equal(t, 0, len(watcher))
	require.Equal(t, 0, e.GetStats().TrackedObjectCount)

	e.Close()
	require.True(t, det.closed.Load())
}

func TestEngineWatchers(t *testing.T) {
	det := &dummyDetector{objects: []nn.RawDetection{raw("person", 0.7, 10, 10, 50, 90)}}
	e := newTestEngine(t, det, nil)
	w1 := e.AddWatcher()
	w2 := e.AddWatcher()

	e.ProcessFrame(context.Background(), testFrame(7), baseTime)
	r1 := <-w1
	r2 := <-w2
	require.Equal(t, int64(7), r1.FrameSeq)
	require.Equal(t, 320, r1.ImageWidth)
	require.Equal(t, 1, len(r1.Objects))
	require.Same(t, r1, r2)

	e.RemoveWatcher(w1)
	e.ProcessFrame(context.Background(), testFrame(8), baseTime)
	require.Equal(t, 0, len(w1))
	require.Equal(t, int64(8), (<-w2).FrameSeq)

	// A watcher that never reads doesn't stall the pipeline
	for i := 0; i < WatcherChannelSize*2; i++ {
		e.ProcessFrame(context.Background(), testFrame(int64(100+i)), baseTime)
	}
	require.Less(t, len(w2), WatcherChannelSize)
}

func TestEngineSetConfig(t *testing.T) {
	e := newTestEngine(t, &dummyDetector{}, nil)

	bad := float32(1.5)
	require.ErrorIs(t, e.SetConfig(PartialConfig{IOUThreshold: &bad}), ErrInvalidConfig)
	require.Equal(t, float32(0.5), e.Config().IOUThreshold)

	iou := float32(0.3)
	capacity := 3
	require.NoError(t, e.SetConfig(PartialConfig{IOUThreshold: &iou, HistoryCapacity: &capacity}))
	require.Equal(t, float32(0.3), e.Config().IOUThreshold)
	require.Equal(t, 3, e.Config().HistoryCapacity)
	// Untouched fields keep their values
	require.Equal(t, 50, e.Config().MaxDetectionsPerFrame)

	for i := 0; i < 5; i++ {
		e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "person", 0.9, float32(i), 0, float32(i)+10, 10)}, baseTime.Add(ms(i*10)))
	}
	e.storeLock.Lock()
	require.Equal(t, 3, e.store.Get("A").Len())
	e.storeLock.Unlock()
}

type sliceFrameSource struct {
	seq atomic.Int64
}

func (s *sliceFrameSource) NextFrame() *nn.Frame {
	return testFrame(s.seq.Add(1))
}

func TestEngineRun(t *testing.T) {
	det := &dummyDetector{objects: []nn.RawDetection{raw("person", 0.7, 10, 10, 50, 90)}}
	e := newTestEngine(t, det, nil)
	w := e.AddWatcher()

	e.Run(&sliceFrameSource{}, 5*time.Millisecond)
	select {
	case r := <-w:
		require.Equal(t, 1, len(r.Objects))
	case <-time.After(5 * time.Second):
		require.Fail(t, "Timed out waiting for a frame")
	}
	e.Stop()
	e.Close()
	require.GreaterOrEqual(t, e.GetStats().FramesProcessed, int64(1))
}

func TestEngineSmallHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PredictionHorizon = ms(250)
	cfg.HistoryCapacity = 2
	e, err := NewEngine(logs.NewTestingLog(t), 1, &dummyDetector{}, cfg, nil)
	require.NoError(t, err)

	// Two samples are enough to dead-reckon, with a history of 2
	e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "person", 0.8, 0, 0, 10, 10)}, baseTime)
	e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "person", 0.8, 4, 0, 14, 10)}, baseTime.Add(ms(500)))
	out := e.ProcessFrame(context.Background(), testFrame(1), baseTime.Add(ms(600)))
	require.Equal(t, 1, len(out))
	require.Equal(t, nn.SourcePredicted, out[0].Source)
	require.Equal(t, nn.Box{X1: 6, Y1: 0, X2: 16, Y2: 10}, out[0].Box)

	// A history of 1 is legal. It just can't produce predictions.
	one := 1
	require.NoError(t, e.SetConfig(PartialConfig{HistoryCapacity: &one}))
	require.Equal(t, 1, e.UpdateAuthoritativeBatch([]nn.AuthoritativeDetection{auth("A", "person", 0.8, 8, 0, 18, 10)}, baseTime.Add(ms(700))))

	done := make(chan []nn.Detection)
	go func() {
		done <- e.ProcessFrame(context.Background(), testFrame(2), baseTime.Add(ms(710)))
	}()
	select {
	case out = <-done:
		require.Equal(t, 0, len(out))
	case <-time.After(5 * time.Second):
		require.Fail(t, "ProcessFrame did not return")
	}
	e.storeLock.Lock()
	require.Equal(t, 1, e.store.Get("A").Len())
	require.Equal(t, float32(8), e.store.Get("A").Last().Box.X1)
	e.storeLock.Unlock()
	require.EqualValues(t, 2, e.GetStats().FramesProcessed)
}

func TestEngineCloseTwice(t *testing.T) {
	det := &dummyDetector{}
	e := newTestEngine(t, det, nil)
	e.Run(&sliceFrameSource{}, 5*time.Millisecond)

	done := make(chan bool)
	go func() {
		e.Close()
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.Fail(t, "Second Close blocked")
	}
	require.True(t, det.closed.Load())
	require.Nil(t, e.ProcessFrame(context.Background(), testFrame(1), baseTime))
}
