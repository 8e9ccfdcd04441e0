// Package config loads the tracker's JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/capture"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/pipeline"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/visualiser"
)

// DefaultConfigPath is the path to the canonical tracker defaults file.
const DefaultConfigPath = "config/tracker.defaults.json"

// TrackerConfig is the root configuration. Every field is optional; the
// Get* methods supply the default for anything left out.
type TrackerConfig struct {
	// Detection
	Dictionary   *string  `json:"dictionary,omitempty"`    // e.g. "DICT_6X6_250"
	CodebookPath *string  `json:"codebook_path,omitempty"` // JSON codebook, overrides dictionary
	MarkerSize   *float64 `json:"marker_size_m,omitempty"`

	// Capture
	Camera         *string `json:"camera,omitempty"`          // left_front, right_front, photo_video
	CaptureProfile *string `json:"capture_profile,omitempty"` // e.g. "HL2_896x504"

	// Intrinsics. Intrinsics is keyed by camera name.
	UseCustomIntrinsics *bool                                  `json:"use_custom_intrinsics,omitempty"`
	Intrinsics          map[string]intrinsics.CameraIntrinsics `json:"intrinsics,omitempty"`
	FallbackIntrinsics  *intrinsics.CameraIntrinsics           `json:"fallback_intrinsics,omitempty"`

	// Detector tuning
	ThresholdWindow     *int     `json:"threshold_window,omitempty"`
	ThresholdOffset     *int     `json:"threshold_offset,omitempty"`
	MinPerimeterRate    *float64 `json:"min_perimeter_rate,omitempty"`
	ErrorCorrectionRate *float64 `json:"error_correction_rate,omitempty"`

	// Registry and loop
	HistoryCapacity  *int    `json:"history_capacity,omitempty"`
	AutoEvict        *bool   `json:"auto_evict,omitempty"`
	EvictEveryFrames *int    `json:"evict_every_frames,omitempty"`
	MaxAgeFrames     *int    `json:"max_age_frames,omitempty"`
	LocateTimeout    *string `json:"locate_timeout,omitempty"` // duration string like "50ms"
	TimingWindow     *int    `json:"timing_window,omitempty"`

	// Outputs
	SinkTarget     *string `json:"sink_target,omitempty"` // host:port or serial:///dev/tty...
	ForwardImages  *bool   `json:"forward_images,omitempty"`
	ImageEvery     *int    `json:"image_every,omitempty"`
	VisualiserAddr *string `json:"visualiser_addr,omitempty"`
	MonitorAddr    *string `json:"monitor_addr,omitempty"`
	DBPath         *string `json:"db_path,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTrackerConfig returns a TrackerConfig with all fields set to nil.
func EmptyTrackerConfig() *TrackerConfig {
	return &TrackerConfig{}
}

// LoadTrackerConfig loads a TrackerConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file fall back to their defaults.
func LoadTrackerConfig(path string) (*TrackerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrackerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *TrackerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/fiducial/*/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTrackerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TrackerConfig) Validate() error {
	if c.Dictionary != nil && *c.Dictionary != "" {
		if _, err := detect.ParseDictionary(*c.Dictionary); err != nil {
			return err
		}
	}
	if c.MarkerSize != nil && !(*c.MarkerSize > 0) {
		return fmt.Errorf("marker_size_m must be positive, got %v", *c.MarkerSize)
	}
	if c.Camera != nil {
		if _, err := intrinsics.ParseCamera(*c.Camera); err != nil {
			return err
		}
	}
	if c.CaptureProfile != nil {
		if _, err := capture.ParseProfile(*c.CaptureProfile); err != nil {
			return err
		}
	}
	for name, intr := range c.Intrinsics {
		if _, err := intrinsics.ParseCamera(name); err != nil {
			return fmt.Errorf("intrinsics: %w", err)
		}
		if err := intr.Validate(); err != nil {
			return fmt.Errorf("intrinsics for %s: %w", name, err)
		}
	}
	if c.FallbackIntrinsics != nil {
		if err := c.FallbackIntrinsics.Validate(); err != nil {
			return fmt.Errorf("fallback_intrinsics: %w", err)
		}
	}
	if c.ErrorCorrectionRate != nil && (*c.ErrorCorrectionRate < 0 || *c.ErrorCorrectionRate > 1) {
		return fmt.Errorf("error_correction_rate must be between 0 and 1, got %f", *c.ErrorCorrectionRate)
	}
	if c.HistoryCapacity != nil && *c.HistoryCapacity < 1 {
		return fmt.Errorf("history_capacity must be at least 1, got %d", *c.HistoryCapacity)
	}
	if c.EvictEveryFrames != nil && *c.EvictEveryFrames < 1 {
		return fmt.Errorf("evict_every_frames must be at least 1, got %d", *c.EvictEveryFrames)
	}
	if c.MaxAgeFrames != nil && *c.MaxAgeFrames < 0 {
		return fmt.Errorf("max_age_frames must be non-negative, got %d", *c.MaxAgeFrames)
	}
	if c.LocateTimeout != nil && *c.LocateTimeout != "" {
		if _, err := time.ParseDuration(*c.LocateTimeout); err != nil {
			return fmt.Errorf("invalid locate_timeout '%s': %w", *c.LocateTimeout, err)
		}
	}
	if c.ImageEvery != nil && *c.ImageEvery < 1 {
		return fmt.Errorf("image_every must be at least 1, got %d", *c.ImageEvery)
	}
	return nil
}

// GetDictionary returns the configured dictionary or DICT_6X6_250.
func (c *TrackerConfig) GetDictionary() detect.DictionaryID {
	if c.Dictionary == nil || *c.Dictionary == "" {
		return detect.Dict6X6_250
	}
	id, err := detect.ParseDictionary(*c.Dictionary)
	if err != nil {
		return detect.Dict6X6_250
	}
	return id
}

// GetMarkerSize returns the marker side length in metres.
func (c *TrackerConfig) GetMarkerSize() float64 {
	if c.MarkerSize == nil {
		return 0.08
	}
	return *c.MarkerSize
}

// GetCamera returns the camera frames are attributed to.
func (c *TrackerConfig) GetCamera() intrinsics.Camera {
	if c.Camera == nil {
		return intrinsics.CameraPhotoVideo
	}
	cam, err := intrinsics.ParseCamera(*c.Camera)
	if err != nil {
		return intrinsics.CameraPhotoVideo
	}
	return cam
}

// GetCaptureProfile returns the capture profile, HL2_896x504 by default.
func (c *TrackerConfig) GetCaptureProfile() capture.Profile {
	name := capture.DefaultProfile
	if c.CaptureProfile != nil {
		name = *c.CaptureProfile
	}
	p, err := capture.ParseProfile(name)
	if err != nil {
		p, _ = capture.ParseProfile(capture.DefaultProfile)
	}
	return p
}

// GetUseCustomIntrinsics returns the use_custom_intrinsics value or false.
func (c *TrackerConfig) GetUseCustomIntrinsics() bool {
	if c.UseCustomIntrinsics == nil {
		return false
	}
	return *c.UseCustomIntrinsics
}

// GetHistoryCapacity returns the history_capacity value or the default.
func (c *TrackerConfig) GetHistoryCapacity() int {
	if c.HistoryCapacity == nil {
		return 10
	}
	return *c.HistoryCapacity
}

// GetAutoEvict returns the auto_evict value or false.
func (c *TrackerConfig) GetAutoEvict() bool {
	if c.AutoEvict == nil {
		return false
	}
	return *c.AutoEvict
}

// GetEvictEveryFrames returns the evict_every_frames value or the default.
func (c *TrackerConfig) GetEvictEveryFrames() int {
	if c.EvictEveryFrames == nil {
		return 30
	}
	return *c.EvictEveryFrames
}

// GetMaxAgeFrames returns the max_age_frames value or the default.
func (c *TrackerConfig) GetMaxAgeFrames() int {
	if c.MaxAgeFrames == nil {
		return 90
	}
	return *c.MaxAgeFrames
}

// GetLocateTimeout parses and returns the LocateTimeout as a time.Duration.
func (c *TrackerConfig) GetLocateTimeout() time.Duration {
	if c.LocateTimeout == nil || *c.LocateTimeout == "" {
		return 50 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.LocateTimeout)
	if err != nil {
		return 50 * time.Millisecond
	}
	return d
}

// GetTimingWindow returns the timing_window value or the default.
func (c *TrackerConfig) GetTimingWindow() int {
	if c.TimingWindow == nil {
		return 120
	}
	return *c.TimingWindow
}

// GetSinkTarget returns the sink address, empty when forwarding is off.
func (c *TrackerConfig) GetSinkTarget() string {
	if c.SinkTarget == nil {
		return ""
	}
	return *c.SinkTarget
}

// GetForwardImages returns the forward_images value or false.
func (c *TrackerConfig) GetForwardImages() bool {
	if c.ForwardImages == nil {
		return false
	}
	return *c.ForwardImages
}

// GetImageEvery returns the image_every value or the default.
func (c *TrackerConfig) GetImageEvery() int {
	if c.ImageEvery == nil {
		return 30
	}
	return *c.ImageEvery
}

// GetVisualiserAddr returns the gRPC listen address, empty to disable.
func (c *TrackerConfig) GetVisualiserAddr() string {
	if c.VisualiserAddr == nil {
		return visualiser.DefaultConfig().ListenAddr
	}
	return *c.VisualiserAddr
}

// GetMonitorAddr returns the HTTP listen address, empty to disable.
func (c *TrackerConfig) GetMonitorAddr() string {
	if c.MonitorAddr == nil {
		return "localhost:8090"
	}
	return *c.MonitorAddr
}

// GetDBPath returns the SQLite path, empty to disable recording.
func (c *TrackerConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// DetectorParams overlays the detector tuning onto the defaults.
func (c *TrackerConfig) DetectorParams() detect.DetectorParams {
	p := detect.DefaultDetectorParams()
	if c.ThresholdWindow != nil {
		p.ThresholdWindow = *c.ThresholdWindow
	}
	if c.ThresholdOffset != nil {
		p.ThresholdOffset = *c.ThresholdOffset
	}
	if c.MinPerimeterRate != nil {
		p.MinPerimeterRate = *c.MinPerimeterRate
	}
	if c.ErrorCorrectionRate != nil {
		p.ErrorCorrectionRate = *c.ErrorCorrectionRate
	}
	return p
}

// PipelineConfig builds the frame loop settings, loading the custom
// codebook when one is configured.
func (c *TrackerConfig) PipelineConfig() (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	cfg.Dictionary = c.GetDictionary()
	cfg.MarkerSize = c.GetMarkerSize()
	cfg.Detector = c.DetectorParams()
	cfg.HistoryCapacity = c.GetHistoryCapacity()
	cfg.AutoEvict = c.GetAutoEvict()
	cfg.EvictEveryFrames = c.GetEvictEveryFrames()
	cfg.MaxAgeTicks = uint64(c.GetMaxAgeFrames())
	cfg.LocateTimeout = c.GetLocateTimeout()
	cfg.TimingWindow = c.GetTimingWindow()
	if c.CodebookPath != nil && *c.CodebookPath != "" {
		dict, err := detect.LoadCodebook(*c.CodebookPath)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("load codebook: %w", err)
		}
		cfg.Codebook = dict
	}
	if err := cfg.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return cfg, nil
}

// ApplyIntrinsics loads the configured calibrations into store.
func (c *TrackerConfig) ApplyIntrinsics(store *intrinsics.Store) error {
	store.SetUseCustom(c.GetUseCustomIntrinsics())
	if c.FallbackIntrinsics != nil {
		if err := store.SetFallback(*c.FallbackIntrinsics); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(c.Intrinsics))
	for name := range c.Intrinsics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cam, err := intrinsics.ParseCamera(name)
		if err != nil {
			return err
		}
		if err := store.Set(cam, c.Intrinsics[name]); err != nil {
			return err
		}
	}
	return nil
}
