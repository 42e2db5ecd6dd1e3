package tracker

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidConfig = errors.New("invalid tracker config")

// Config holds the tuning parameters of an Engine.
// A Config is never mutated once an Engine has seen it. SetConfig swaps in a new copy.
type Config struct {
	MinScore                 float32       // Local detections with confidence below this are ignored
	MaxDetectionsPerFrame    int           // Keep only the N most confident local detections per frame
	IOUThreshold             float32       // A local/authoritative pair must have IOU strictly above this to match
	HistoryCapacity          int           // Number of samples retained per track
	PredictionEnabled        bool          // Dead-reckon authoritative tracks that were not re-confirmed this frame
	ExpirationWindow         time.Duration // Tracks not updated for this long are evicted
	PredictionHorizon        time.Duration // How far forward a prediction extrapolates (nominally one frame interval)
	ConfidenceDecayOnPredict float32       // Multiplied into the confidence of every prediction
	MinPredictedSize         float32       // Predicted boxes never shrink below this width/height (image units)
	Verbose                  bool          // Log every new and evicted track
}

func DefaultConfig() Config {
	return Config{
		MinScore:                 0.25,
		MaxDetectionsPerFrame:    50,
		IOUThreshold:             0.5,
		HistoryCapacity:          8,
		PredictionEnabled:        true,
		ExpirationWindow:         2 * time.Second,
		PredictionHorizon:        time.Second / 30,
		ConfidenceDecayOnPredict: 0.9,
		MinPredictedSize:         1,
	}
}

func (c *Config) Validate() error {
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("%w: minScore %v must be between 0 and 1", ErrInvalidConfig, c.MinScore)
	}
	if c.MaxDetectionsPerFrame < 1 {
		return fmt.Errorf("%w: maxDetectionsPerFrame %v must be at least 1", ErrInvalidConfig, c.MaxDetectionsPerFrame)
	}
	if c.IOUThreshold < 0 || c.IOUThreshold >= 1 {
		return fmt.Errorf("%w: iouThreshold %v must be in [0, 1)", ErrInvalidConfig, c.IOUThreshold)
	}
	if c.HistoryCapacity < 1 || c.HistoryCapacity > 1<<16 {
		return fmt.Errorf("%w: historyCapacity %v must be between 1 and 65536", ErrInvalidConfig, c.HistoryCapacity)
	}
	if c.ExpirationWindow <= 0 {
		return fmt.Errorf("%w: expirationWindow must be positive", ErrInvalidConfig)
	}
	if c.PredictionHorizon <= 0 {
		return fmt.Errorf("%w: predictionHorizon must be positive", ErrInvalidConfig)
	}
	if c.ConfidenceDecayOnPredict < 0 || c.ConfidenceDecayOnPredict > 1 {
		return fmt.Errorf("%w: confidenceDecayOnPredict %v must be between 0 and 1", ErrInvalidConfig, c.ConfidenceDecayOnPredict)
	}
	if c.MinPredictedSize <= 0 {
		return fmt.Errorf("%w: minPredictedSize must be positive", ErrInvalidConfig)
	}
	return nil
}

// PartialConfig is a runtime update to a Config. Nil fields are left unchanged.
// Durations are expressed in milliseconds, because this is what arrives over JSON.
// SYNC-TRACKER-PARTIAL-CONFIG
type PartialConfig struct {
	MinScore                 *float32 `json:"minScore,omitempty"`
	MaxDetectionsPerFrame    *int     `json:"maxDetectionsPerFrame,omitempty"`
	IOUThreshold             *float32 `json:"iouThreshold,omitempty"`
	HistoryCapacity          *int     `json:"historyCapacity,omitempty"`
	PredictionEnabled        *bool    `json:"predictionEnabled,omitempty"`
	ExpirationWindowMS       *float64 `json:"expirationWindowMS,omitempty"`
	PredictionHorizonMS      *float64 `json:"predictionHorizonMS,omitempty"`
	ConfidenceDecayOnPredict *float32 `json:"confidenceDecayOnPredict,omitempty"`
	MinPredictedSize         *float32 `json:"minPredictedSize,omitempty"`
	Verbose                  *bool    `json:"verbose,omitempty"`
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}

// Apply returns a copy of 'base' with all non-nil fields of p applied
func (p *PartialConfig) Apply(base Config) Config {
	c := base
	if p.MinScore != nil {
		c.MinScore = *p.MinScore
	}
	if p.MaxDetectionsPerFrame != nil {
		c.MaxDetectionsPerFrame = *p.MaxDetectionsPerFrame
	}
	if p.IOUThreshold != nil {
		c.IOUThreshold = *p.IOUThreshold
	}
	if p.HistoryCapacity != nil {
		c.HistoryCapacity = *p.HistoryCapacity
	}
	if p.PredictionEnabled != nil {
		c.PredictionEnabled = *p.PredictionEnabled
	}
	if p.ExpirationWindowMS != nil {
		c.ExpirationWindow = msToDuration(*p.ExpirationWindowMS)
	}
	if p.PredictionHorizonMS != nil {
		c.PredictionHorizon = msToDuration(*p.PredictionHorizonMS)
	}
	if p.ConfidenceDecayOnPredict != nil {
		c.ConfidenceDecayOnPredict = *p.ConfidenceDecayOnPredict
	}
	if p.MinPredictedSize != nil {
		c.MinPredictedSize = *p.MinPredictedSize
	}
	if p.Verbose != nil {
		c.Verbose = *p.Verbose
	}
	return c
}

// Partial returns c as a fully populated PartialConfig, which is the JSON form of a Config
func (c *Config) Partial() PartialConfig {
	expirationMS := float64(c.ExpirationWindow) / float64(time.Millisecond)
	horizonMS := float64(c.PredictionHorizon) / float64(time.Millisecond)
	return PartialConfig{
		MinScore:                 &c.MinScore,
		MaxDetectionsPerFrame:    &c.MaxDetectionsPerFrame,
		IOUThreshold:             &c.IOUThreshold,
		HistoryCapacity:          &c.HistoryCapacity,
		PredictionEnabled:        &c.PredictionEnabled,
		ExpirationWindowMS:       &expirationMS,
		PredictionHorizonMS:      &horizonMS,
		ConfidenceDecayOnPredict: &c.ConfidenceDecayOnPredict,
		MinPredictedSize:         &c.MinPredictedSize,
		Verbose:                  &c.Verbose,
	}
}
