package tracker

import (
	"testing"

	"github.com/cyclopcam/fusion/pkg/nn"
	"github.com/stretchr/testify/require"
)

func predictorConfig() Config {
	cfg := DefaultConfig()
	cfg.PredictionHorizon = ms(250)
	cfg.ConfidenceDecayOnPredict = 0.5
	return cfg
}

func TestPredictConstantVelocity(t *testing.T) {
	cfg := predictorConfig()
	s := NewTrackStore(cfg.HistoryCapacity, cfg.ExpirationWindow)
	s.Upsert("A", sample(0, baseTime), baseTime)
	s.Upsert("A", sample(4, baseTime.Add(ms(500))), baseTime.Add(ms(500)))

	// 4 pixels in 0.5 seconds is 8 px/s, and 0.25 seconds ahead is 2 more pixels
	det, ok := predictTrack(&cfg, s.Get("A"), baseTime.Add(ms(600)))
	require.True(t, ok)
	require.Equal(t, nn.Box{X1: 6, Y1: 0, X2: 16, Y2: 10}, det.Box)
	require.Equal(t, float32(0.4), det.Confidence)
	require.Equal(t, nn.SourcePredicted, det.Source)
	require.Equal(t, "A", det.TrackID)
	require.Equal(t, "person", det.Kind)
	require.Equal(t, baseTime.Add(ms(750)), det.CapturedAt)
}

func TestPredictSizeChange(t *testing.T) {
	cfg := predictorConfig()
	cfg.MinPredictedSize = 1
	s := NewTrackStore(cfg.HistoryCapacity, cfg.ExpirationWindow)

	// Growing at 4 px/s in each dimension, around a fixed center
	s.Upsert("A", nn.Detection{Box: nn.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}, Confidence: 1, CapturedAt: baseTime}, baseTime)
	s.Upsert("A", nn.Detection{Box: nn.Box{X1: -1, Y1: -1, X2: 11, Y2: 11}, Confidence: 1, CapturedAt: baseTime.Add(ms(500))}, baseTime.Add(ms(500)))
	det, ok := predictTrack(&cfg, s.Get("A"), baseTime.Add(ms(500)))
	require.True(t, ok)
	require.Equal(t, nn.Box{X1: -1.5, Y1: -1.5, X2: 11.5, Y2: 11.5}, det.Box)

	// Shrinking so fast that the extrapolated size would be negative
	s.Upsert("B", nn.Detection{Box: nn.Box{X1: 0, Y1: 0, X2: 40, Y2: 40}, Confidence: 1, CapturedAt: baseTime}, baseTime)
	s.Upsert("B", nn.Detection{Box: nn.Box{X1: 18, Y1: 18, X2: 22, Y2: 22}, Confidence: 1, CapturedAt: baseTime.Add(ms(250))}, baseTime.Add(ms(250)))
	det, ok = predictTrack(&cfg, s.Get("B"), baseTime.Add(ms(250)))
	require.True(t, ok)
	require.Equal(t, float32(1), det.Box.Width())
	require.Equal(t, float32(1), det.Box.Height())
	require.Equal(t, nn.Point{X: 20, Y: 20}, det.Box.Center())
}

func TestPredictNotPossible(t *testing.T) {
	cfg := predictorConfig()
	s := NewTrackStore(cfg.HistoryCapacity, cfg.ExpirationWindow)

	// Only one sample
	s.Upsert("one", sample(0, baseTime), baseTime)
	_, ok := predictTrack(&cfg, s.Get("one"), baseTime)
	require.False(t, ok)

	// Zero dt
	s.Upsert("zero", sample(0, baseTime), baseTime)
	s.Upsert("zero", sample(5, baseTime), baseTime)
	_, ok = predictTrack(&cfg, s.Get("zero"), baseTime)
	require.False(t, ok)

	// Unknown track
	_, ok = predictTrack(&cfg, s.Get("nope"), baseTime)
	require.False(t, ok)

	// Disabled
	s.Upsert("two", sample(0, baseTime), baseTime)
	s.Upsert("two", sample(4, baseTime.Add(ms(500))), baseTime.Add(ms(500)))
	disabled := cfg
	disabled.PredictionEnabled = false
	_, ok = predictTrack(&disabled, s.Get("two"), baseTime.Add(ms(500)))
	require.False(t, ok)
	_, ok = predictTrack(&cfg, s.Get("two"), baseTime.Add(ms(500)))
	require.True(t, ok)

	// Not observed for longer than the expiration window
	_, ok = predictTrack(&cfg, s.Get("two"), baseTime.Add(ms(500)+cfg.ExpirationWindow+ms(1)))
	require.False(t, ok)
}

func TestPredictSkipsConsumed(t *testing.T) {
	cfg := predictorConfig()
	s := NewTrackStore(cfg.HistoryCapacity, cfg.ExpirationWindow)
	for _, id := range []string{"A", "B"} {
		s.Upsert(id, sample(0, baseTime), baseTime)
		s.Upsert(id, sample(4, baseTime.Add(ms(500))), baseTime.Add(ms(500)))
	}
	batch := newAuthoritativeBatch([]nn.AuthoritativeDetection{
		auth("A", "person", 0.8, 4, 0, 14, 10),
		auth("B", "person", 0.8, 4, 0, 14, 10),
	}, baseTime.Add(ms(500)))

	out := predict(&cfg, s, batch, []bool{true, false}, baseTime.Add(ms(600)))
	require.Equal(t, 1, len(out))
	require.Equal(t, "B", out[0].TrackID)

	require.Nil(t, predict(&cfg, s, nil, nil, baseTime.Add(ms(600))))
}
