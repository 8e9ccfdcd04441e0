package transform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
)

type rigSource struct {
	pose geom.Pose
	err  error
}

func (s rigSource) RigPose(context.Context, time.Time) (geom.Pose, error) {
	return s.pose, s.err
}

func TestResolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Unix(100, 0)

	t.Run("static", func(t *testing.T) {
		t.Parallel()
		m := mgl64.Translate3D(1, 2, 3)
		f2w, err := Resolve(ctx, StaticLocator{M: m}, at, 10*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, f2w.Valid)
		assert.Equal(t, m, f2w.M)
	})

	t.Run("identity locator is low confidence", func(t *testing.T) {
		t.Parallel()
		f2w, err := Resolve(ctx, IdentityLocator{}, at, 0)
		assert.ErrorIs(t, err, ErrNoTransform)
		assert.False(t, f2w.Valid)
		assert.Equal(t, mgl64.Ident4(), f2w.M)
	})

	t.Run("nil locator", func(t *testing.T) {
		t.Parallel()
		f2w, err := Resolve(ctx, nil, at, 0)
		assert.ErrorIs(t, err, ErrNoTransform)
		assert.False(t, f2w.Valid)
	})

	t.Run("error falls back", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("tracking lost")
		loc := LocatorFunc(func(context.Context, time.Time) (FrameToWorld, error) {
			return NewFrameToWorld(mgl64.Translate3D(9, 9, 9)), boom
		})
		f2w, err := Resolve(ctx, loc, at, time.Second)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, Unavailable(), f2w)
	})

	t.Run("invalid result falls back", func(t *testing.T) {
		t.Parallel()
		loc := LocatorFunc(func(context.Context, time.Time) (FrameToWorld, error) {
			return FrameToWorld{M: mgl64.Translate3D(1, 0, 0)}, nil
		})
		f2w, err := Resolve(ctx, loc, at, time.Second)
		assert.ErrorIs(t, err, ErrNoTransform)
		assert.Equal(t, Unavailable(), f2w)
	})

	t.Run("timeout bounds a stuck locator", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		defer close(release)
		loc := LocatorFunc(func(context.Context, time.Time) (FrameToWorld, error) {
			<-release
			return NewFrameToWorld(mgl64.Ident4()), nil
		})

		start := time.Now()
		f2w, err := Resolve(ctx, loc, at, 20*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, f2w.Valid)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestFrameToWorldFromPlatform(t *testing.T) {
	t.Parallel()

	// Row-vector translation by (1, 2, 3): the offset sits in the last row.
	rowVector := [16]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		1, 2, 3, 1,
	}
	f2w := FrameToWorldFromPlatform(rowVector)
	require.True(t, f2w.Valid)

	want := mgl64.Mat4FromRows(
		mgl64.Vec4{1, 0, 0, 1},
		mgl64.Vec4{0, 1, 0, 2},
		mgl64.Vec4{0, 0, -1, -3},
		mgl64.Vec4{0, 0, 0, 1},
	)
	assert.Equal(t, want, f2w.M)
}

func TestRigLocator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rig := geom.Pose{Position: mgl64.Vec3{0, 1, 0}, Rotation: mgl64.QuatIdent(), Space: geom.SpaceWorld}
	loc := RigLocator{RigToCamera: mgl64.Translate3D(0, 0, 0.1), Source: rigSource{pose: rig}}

	f2w, err := loc.Locate(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, f2w.Valid)
	assert.InDelta(t, 0, f2w.M.At(0, 3), 1e-12)
	assert.InDelta(t, 1, f2w.M.At(1, 3), 1e-12)
	assert.InDelta(t, 0.1, f2w.M.At(2, 3), 1e-12)
	assert.InDelta(t, -1, f2w.M.At(2, 2), 1e-12)

	_, err = RigLocator{RigToCamera: mgl64.Ident4(), Source: rigSource{err: errors.New("lost")}}.Locate(ctx, time.Now())
	assert.ErrorContains(t, err, "lost")

	_, err = RigLocator{RigToCamera: mgl64.Ident4(), Source: rigSource{pose: geom.IdentityPose(geom.SpaceCamera)}}.Locate(ctx, time.Now())
	assert.ErrorIs(t, err, geom.ErrWrongSpace)

	_, err = RigLocator{Source: rigSource{pose: rig}}.Locate(ctx, time.Now())
	assert.ErrorContains(t, err, "singular")

	_, err = RigLocator{RigToCamera: mgl64.Ident4()}.Locate(ctx, time.Now())
	assert.ErrorIs(t, err, ErrNoTransform)
}
