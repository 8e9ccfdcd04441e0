package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
)

// ErrNoTransform is returned by locators that have no tracking data.
var ErrNoTransform = errors.New("no frame-to-world transform available")

// Locator reports the frame-to-world transform for a capture timestamp.
// Implementations should honour ctx cancellation.
type Locator interface {
	Locate(ctx context.Context, at time.Time) (FrameToWorld, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, at time.Time) (FrameToWorld, error)

func (f LocatorFunc) Locate(ctx context.Context, at time.Time) (FrameToWorld, error) {
	return f(ctx, at)
}

// IdentityLocator is used when no tracking subsystem is present. Every pose
// it produces is graded low confidence.
type IdentityLocator struct{}

func (IdentityLocator) Locate(context.Context, time.Time) (FrameToWorld, error) {
	return Unavailable(), ErrNoTransform
}

// StaticLocator reports a fixed transform, for a camera that does not move.
type StaticLocator struct {
	M mgl64.Mat4
}

func (l StaticLocator) Locate(context.Context, time.Time) (FrameToWorld, error) {
	return NewFrameToWorld(l.M), nil
}

// Resolve asks loc for the transform at `at`, waiting at most timeout. Any
// failure or timeout yields Unavailable together with the reason.
func Resolve(ctx context.Context, loc Locator, at time.Time, timeout time.Duration) (FrameToWorld, error) {
	if loc == nil {
		return Unavailable(), ErrNoTransform
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		f2w FrameToWorld
		err error
	}
	done := make(chan result, 1)
	go func() {
		f2w, err := loc.Locate(ctx, at)
		done <- result{f2w, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return Unavailable(), r.err
		}
		if !r.f2w.Valid {
			return Unavailable(), ErrNoTransform
		}
		return r.f2w, nil
	case <-ctx.Done():
		return Unavailable(), fmt.Errorf("locate frame at %s: %w", at.Format(time.RFC3339Nano), ctx.Err())
	}
}

// negateThirdRow switches a right-handed platform transform to the engine
// convention.
func negateThirdRow(m mgl64.Mat4) mgl64.Mat4 {
	for c := 0; c < 4; c++ {
		m.Set(2, c, -m.At(2, c))
	}
	return m
}

// FrameToWorldFromPlatform converts a platform transform written for row
// vectors (v' = v·M) and stored row-major: transpose it, then negate the
// third row.
func FrameToWorldFromPlatform(rowMajor [16]float64) FrameToWorld {
	return NewFrameToWorld(negateThirdRow(geom.FromRowMajor(rowMajor).Transpose()))
}

// RigPoseSource reports where the tracked rig was at a given time, in
// platform world coordinates.
type RigPoseSource interface {
	RigPose(ctx context.Context, at time.Time) (geom.Pose, error)
}

// RigLocator serves cameras mounted on a tracked rig: the camera's pose is
// the rig pose composed with the inverse of the rig-to-camera extrinsic.
type RigLocator struct {
	RigToCamera mgl64.Mat4
	Source      RigPoseSource
}

func (l RigLocator) Locate(ctx context.Context, at time.Time) (FrameToWorld, error) {
	if l.Source == nil {
		return Unavailable(), ErrNoTransform
	}
	if mgl64.Abs(l.RigToCamera.Det()) < 1e-12 {
		return Unavailable(), errors.New("rig-to-camera extrinsic is singular")
	}
	rig, err := l.Source.RigPose(ctx, at)
	if err != nil {
		return Unavailable(), fmt.Errorf("rig pose: %w", err)
	}
	if err := geom.RequireSpace(rig, geom.SpaceWorld); err != nil {
		return Unavailable(), fmt.Errorf("rig pose: %w", err)
	}
	cameraToWorld := rig.Mat4().Mul4(l.RigToCamera.Inv())
	return NewFrameToWorld(negateThirdRow(cameraToWorld)), nil
}
