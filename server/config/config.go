package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cyclopcam/fusion/server/tracker"
)

var ErrInvalidServiceConfig = errors.New("invalid service config")

type Camera struct {
	ID              int64                 `json:"id"`
	Name            string                `json:"name"`            // Friendly name
	ReplayFile      string                `json:"replayFile"`      // JSON-lines recording of local detections. If empty, the camera has no local detector, and only emits predictions.
	ReplayLoop      bool                  `json:"replayLoop"`      // Restart the recording when it reaches the end
	FrameIntervalMS float64               `json:"frameIntervalMS"` // Tick interval of the frame loop. Zero means 30 FPS.
	Tracker         tracker.PartialConfig `json:"tracker"`         // Overrides on top of tracker.DefaultConfig()
}

type Config struct {
	Cameras                []Camera `json:"cameras"`
	Listen                 string   `json:"listen"`                 // HTTP listen address, eg ":8090"
	TrackDBPath            string   `json:"trackDBPath"`            // Directory of the track journal. If empty, evicted tracks are not recorded.
	TrackRetentionHours    float64  `json:"trackRetentionHours"`    // Journal records older than this are deleted. Zero means keep forever.
	AuthoritativeRateLimit int      `json:"authoritativeRateLimit"` // Max authoritative POSTs per second, per client IP
}

func (c *Camera) FrameInterval() time.Duration {
	if c.FrameIntervalMS <= 0 {
		return time.Second / 30
	}
	return time.Duration(c.FrameIntervalMS * float64(time.Millisecond))
}

// TrackerConfig returns the default tracker config, with this camera's overrides applied
func (c *Camera) TrackerConfig() (tracker.Config, error) {
	cfg := c.Tracker.Apply(tracker.DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("Camera %v: %w", c.ID, err)
	}
	return cfg, nil
}

func (c *Config) TrackRetention() time.Duration {
	return time.Duration(c.TrackRetentionHours * float64(time.Hour))
}

// Fill in defaults, and validate
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.AuthoritativeRateLimit <= 0 {
		c.AuthoritativeRateLimit = 100
	}
	seen := map[int64]bool{}
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if seen[cam.ID] {
			return fmt.Errorf("%w: duplicate camera ID %v", ErrInvalidServiceConfig, cam.ID)
		}
		seen[cam.ID] = true
		if _, err := cam.TrackerConfig(); err != nil {
			return err
		}
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = "fusion.json"
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Error in %v: %w", filename, err)
	}
	return cfg, nil
}
