package tracker

import (
	"time"

	"github.com/cyclopcam/fusion/pkg/nn"
)

// predictTrack dead-reckons the track forward by cfg.PredictionHorizon, using the
// velocity and size rate of change between its two most recent samples.
// Returns false if no prediction can be made (not enough history, or zero dt).
func predictTrack(cfg *Config, track *Track, now time.Time) (nn.Detection, bool) {
	if !cfg.PredictionEnabled || track == nil || track.Len() < 2 {
		return nn.Detection{}, false
	}
	// Don't extrapolate forever from nothing but our own predictions
	if now.Sub(track.LastObservedAt) > cfg.ExpirationWindow {
		return nn.Detection{}, false
	}

	prev := track.At(track.Len() - 2)
	last := track.At(track.Len() - 1)
	dt := float32(last.CapturedAt.Sub(prev.CapturedAt).Seconds())
	if dt <= 0 {
		return nn.Detection{}, false
	}
	horizon := float32(cfg.PredictionHorizon.Seconds())

	velocity := nn.Velocity(prev.Box, last.Box, dt)
	sizeRate := nn.SizeRate(prev.Box, last.Box, dt)

	center := last.Box.Center()
	center.X += velocity.X * horizon
	center.Y += velocity.Y * horizon

	size := last.Box.Size()
	size.X = max(cfg.MinPredictedSize, size.X+sizeRate.X*horizon)
	size.Y = max(cfg.MinPredictedSize, size.Y+sizeRate.Y*horizon)

	return nn.Detection{
		Kind:       last.Kind,
		Box:        nn.BoxFromCenterSize(center, size),
		Confidence: last.Confidence * cfg.ConfidenceDecayOnPredict,
		Source:     nn.SourcePredicted,
		TrackID:    track.ID,
		CapturedAt: last.CapturedAt.Add(cfg.PredictionHorizon),
	}, true
}

// predict produces a dead-reckoned detection for every authoritative object that was
// not consumed by the matcher this frame.
func predict(cfg *Config, store *TrackStore, auth *authoritativeBatch, consumed []bool, now time.Time) []nn.Detection {
	if auth == nil || !cfg.PredictionEnabled {
		return nil
	}
	var predicted []nn.Detection
	for i, obj := range auth.objects {
		if consumed[i] {
			continue
		}
		if det, ok := predictTrack(cfg, store.Get(obj.TrackID), now); ok {
			predicted = append(predicted, det)
		}
	}
	return predicted
}
