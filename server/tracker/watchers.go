package tracker

import (
	"github.com/cyclopcam/fusion/pkg/gen"
	"github.com/cyclopcam/fusion/pkg/nn"
)

// SYNC-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 100

// Register to receive the fused output of every frame
func (e *Engine) AddWatcher() chan *nn.DetectionResult {
	e.watchersLock.Lock()
	defer e.watchersLock.Unlock()
	ch := make(chan *nn.DetectionResult, WatcherChannelSize)
	e.watchers = append(e.watchers, ch)
	return ch
}

// Unregister a watcher
func (e *Engine) RemoveWatcher(ch chan *nn.DetectionResult) {
	e.watchersLock.Lock()
	defer e.watchersLock.Unlock()
	for i, w := range e.watchers {
		if w == ch {
			e.watchers = gen.DeleteFromSliceUnordered(e.watchers, i)
			return
		}
	}
	e.Log.Warnf("Tracker (cam %v): RemoveWatcher failed to find channel", e.CameraID)
}

func (e *Engine) sendToWatchers(result *nn.DetectionResult) {
	e.watchersLock.RLock()
	defer e.watchersLock.RUnlock()
	// A watcher that falls behind loses frames, instead of stalling the pipeline and every other watcher.
	for _, ch := range e.watchers {
		if !gen.TrySend(ch, result) {
			e.Log.Warnf("Tracker (cam %v): Watcher is falling behind. Dropping frames.", e.CameraID)
		}
	}
}
