// Package capture defines where frames come from. The tracker only sees the
// Source interface; device cameras, recorded directories and wire replays
// all implement it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
)

var (
	// ErrSourceClosed is returned by Next after Close.
	ErrSourceClosed = errors.New("capture: source closed")
	// ErrUnsupportedProfile is returned for an unknown capture profile name.
	ErrUnsupportedProfile = errors.New("capture: unsupported profile")
)

// Frame is one captured image with its metadata.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	// DeviceTimestamp is the capture device's own clock value, carried
	// verbatim on the wire.
	DeviceTimestamp int64
	Camera          intrinsics.Camera
	Image           detect.Image
	// Intrinsics are per-frame values reported by the device, if any.
	Intrinsics *intrinsics.CameraIntrinsics
	// Secondary is the right image of a stereo pair.
	Secondary                *detect.Image
	SecondaryDeviceTimestamp int64
}

// Source produces frames. Next returns io.EOF when a finite source is
// exhausted and ErrSourceClosed after Close.
type Source interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Profile is a supported capture resolution and rate.
type Profile struct {
	Name   string
	Width  int
	Height int
	FPS    int
}

// Interval returns the nominal time between frames.
func (p Profile) Interval() time.Duration {
	if p.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(p.FPS)
}

func (p Profile) String() string {
	return fmt.Sprintf("%s (%dx%d@%d)", p.Name, p.Width, p.Height, p.FPS)
}

var profiles = []Profile{
	{Name: "HL2_2272x1278", Width: 2272, Height: 1278, FPS: 30},
	{Name: "HL2_896x504", Width: 896, Height: 504, FPS: 30},
	{Name: "HL2_1280x720", Width: 1280, Height: 720, FPS: 30},
}

// StereoProfile is the fixed format of the front spatial cameras.
var StereoProfile = Profile{Name: "HL2_stereo_640x480", Width: 640, Height: 480, FPS: 30}

// DefaultProfile is the photo/video profile used when none is configured.
const DefaultProfile = "HL2_896x504"

// Profiles lists the supported photo/video profiles.
func Profiles() []Profile {
	return append([]Profile(nil), profiles...)
}

// ParseProfile looks up a profile by name, ignoring case.
func ParseProfile(name string) (Profile, error) {
	for _, p := range profiles {
		if strings.EqualFold(p.Name, strings.TrimSpace(name)) {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedProfile, name)
}
