package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/registry"
)

// Config controls the loop.
type Config struct {
	Dictionary detect.DictionaryID
	// Codebook replaces Dictionary when set.
	Codebook *detect.Dictionary
	// MarkerSize is the printed side length in metres.
	MarkerSize float64
	Detector   detect.DetectorParams

	HistoryCapacity int

	// AutoEvict removes markers not seen for MaxAgeTicks frames, checked
	// every EvictEveryFrames frames.
	AutoEvict        bool
	EvictEveryFrames int
	MaxAgeTicks      uint64

	// LocateTimeout bounds the per-frame frame-to-world lookup.
	LocateTimeout time.Duration

	// TimingWindow is the number of recent frames used for timing stats.
	TimingWindow int

	// MaxConsecutiveSourceErrors fails the loop after this many Next errors
	// in a row.
	MaxConsecutiveSourceErrors int
}

// DefaultConfig returns the settings the tracker ships with.
func DefaultConfig() Config {
	return Config{
		Dictionary:                 detect.Dict6X6_250,
		MarkerSize:                 0.08,
		Detector:                   detect.DefaultDetectorParams(),
		HistoryCapacity:            registry.DefaultHistoryCapacity,
		AutoEvict:                  false,
		EvictEveryFrames:           30,
		MaxAgeTicks:                90,
		LocateTimeout:              50 * time.Millisecond,
		TimingWindow:               120,
		MaxConsecutiveSourceErrors: 10,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Codebook == nil {
		if err := c.Dictionary.Validate(); err != nil {
			return err
		}
	}
	if !(c.MarkerSize > 0) {
		return fmt.Errorf("marker size must be positive, got %v", c.MarkerSize)
	}
	if c.AutoEvict && c.EvictEveryFrames <= 0 {
		return errors.New("evict_every_frames must be positive when auto eviction is enabled")
	}
	if c.LocateTimeout < 0 {
		return fmt.Errorf("locate timeout must not be negative, got %v", c.LocateTimeout)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EvictEveryFrames <= 0 {
		c.EvictEveryFrames = def.EvictEveryFrames
	}
	if c.TimingWindow <= 0 {
		c.TimingWindow = def.TimingWindow
	}
	if c.MaxConsecutiveSourceErrors <= 0 {
		c.MaxConsecutiveSourceErrors = def.MaxConsecutiveSourceErrors
	}
	if c.Detector == (detect.DetectorParams{}) {
		c.Detector = def.Detector
	}
	return c
}
