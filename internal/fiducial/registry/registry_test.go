package registry

import (
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
)

func worldPose(x, y, z float64, rot mgl64.Quat) geom.Pose {
	return geom.Pose{Position: mgl64.Vec3{x, y, z}, Rotation: rot, Space: geom.SpaceWorld}
}

func TestUpsert_RejectsNonWorldPose(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())

	for _, space := range []geom.Space{geom.SpaceCamera, geom.SpaceUnknown} {
		p := geom.IdentityPose(space)
		err := r.Upsert(3, p, 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, geom.ErrWrongSpace)
	}
	assert.Zero(t, r.Len())
}

func TestUpsert_FirstObservation(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())

	require.NoError(t, r.Upsert(7, worldPose(1, 2, 3, mgl64.QuatIdent()), 5))

	e, ok := r.Get(7)
	require.True(t, ok)
	assert.Equal(t, 7, e.ID)
	assert.Equal(t, uint64(5), e.FirstSeenTick)
	assert.Equal(t, uint64(5), e.LastUpdatedTick)
	assert.Equal(t, 1, e.Observations)
	assert.Len(t, e.Samples, 1)
	assert.True(t, e.WorldPose.Position.ApproxEqual(mgl64.Vec3{1, 2, 3}))
	assert.Equal(t, geom.SpaceWorld, e.WorldPose.Space)
}

func TestUpsert_OneEntryPerID(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())

	for tick := uint64(1); tick <= 4; tick++ {
		require.NoError(t, r.Upsert(1, worldPose(0, 0, 0, mgl64.QuatIdent()), tick))
		require.NoError(t, r.Upsert(2, worldPose(0, 0, 0, mgl64.QuatIdent()), tick))
	}
	assert.Equal(t, 2, r.Len())

	e, _ := r.Get(1)
	assert.Equal(t, 4, e.Observations)
	assert.Equal(t, uint64(1), e.FirstSeenTick)
	assert.Equal(t, uint64(4), e.LastUpdatedTick)
}

func TestUpsert_PositionIsMeanOfHistory(t *testing.T) {
	t.Parallel()
	r := New(Config{HistoryCapacity: 3})

	for i, x := range []float64{1, 2, 3, 10} {
		require.NoError(t, r.Upsert(1, worldPose(x, 0, -x, mgl64.QuatIdent()), uint64(i)))
	}

	e, _ := r.Get(1)
	require.Len(t, e.Samples, 3)
	// Oldest sample (x=1) has been dropped.
	assert.InDelta(t, 5.0, e.WorldPose.Position.X(), 1e-12)
	assert.InDelta(t, -5.0, e.WorldPose.Position.Z(), 1e-12)
	assert.InDelta(t, 2.0, e.Samples[0].Position.X(), 1e-12)
	assert.Equal(t, 4, e.Observations)
}

func TestUpsert_RotationAveraging(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())
	axis := mgl64.Vec3{0, 1, 0}

	require.NoError(t, r.Upsert(1, worldPose(0, 0, 0, mgl64.QuatRotate(0, axis)), 1))
	require.NoError(t, r.Upsert(1, worldPose(0, 0, 0, mgl64.QuatRotate(mgl64.DegToRad(40), axis)), 2))

	e, _ := r.Get(1)
	want := mgl64.QuatRotate(mgl64.DegToRad(20), axis)
	assert.True(t, geom.SameOrientation(want, e.WorldPose.Rotation, 1e-9),
		"got %v want %v", e.WorldPose.Rotation, want)

	// A third sample pulls a third of the way.
	require.NoError(t, r.Upsert(1, worldPose(0, 0, 0, mgl64.QuatRotate(mgl64.DegToRad(50), axis)), 3))
	e, _ = r.Get(1)
	want = mgl64.QuatRotate(mgl64.DegToRad(30), axis)
	assert.True(t, geom.SameOrientation(want, e.WorldPose.Rotation, 1e-9))
}

func TestUpsert_RepeatedIdenticalPoseIsStable(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())
	q := mgl64.QuatRotate(1.2, mgl64.Vec3{1, 1, 0}.Normalize())

	for tick := uint64(0); tick < 25; tick++ {
		require.NoError(t, r.Upsert(9, worldPose(0.5, -0.25, 2, q), tick))
	}
	e, _ := r.Get(9)
	assert.True(t, e.WorldPose.Position.ApproxEqualThreshold(mgl64.Vec3{0.5, -0.25, 2}, 1e-12))
	assert.True(t, geom.SameOrientation(q, e.WorldPose.Rotation, 1e-9))
	assert.Len(t, e.Samples, DefaultHistoryCapacity)
}

func TestUpsertObservation_TracksConfidence(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())

	require.NoError(t, r.UpsertObservation(1, worldPose(0, 0, 0, mgl64.QuatIdent()), 1, true))
	e, _ := r.Get(1)
	assert.True(t, e.LowConfidence)

	require.NoError(t, r.UpsertObservation(1, worldPose(0, 0, 0, mgl64.QuatIdent()), 2, false))
	e, _ = r.Get(1)
	assert.False(t, e.LowConfidence)
}

func TestEvictStale(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())
	require.NoError(t, r.Upsert(4, worldPose(0, 0, 0, mgl64.QuatIdent()), 10))
	require.NoError(t, r.Upsert(2, worldPose(0, 0, 0, mgl64.QuatIdent()), 12))
	require.NoError(t, r.Upsert(8, worldPose(0, 0, 0, mgl64.QuatIdent()), 40))
	require.NoError(t, r.Upsert(6, worldPose(0, 0, 0, mgl64.QuatIdent()), 20))

	// Cutoff is 20: ticks 10 and 12 go, 20 stays.
	evicted := r.EvictStale(50, 30)
	assert.Equal(t, []int{2, 4}, evicted)
	assert.Equal(t, 2, r.Len())
	_, ok := r.Get(6)
	assert.True(t, ok)

	assert.Empty(t, r.EvictStale(50, 30))
}

func TestEvictStale_NowBeforeMaxAge(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())
	require.NoError(t, r.Upsert(1, worldPose(0, 0, 0, mgl64.QuatIdent()), 0))

	assert.Empty(t, r.EvictStale(5, 100))
	assert.Equal(t, 1, r.Len())
}

func TestSnapshot_OrderedAndIsolated(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())
	for _, id := range []int{30, 1, 17} {
		require.NoError(t, r.Upsert(id, worldPose(float64(id), 0, 0, mgl64.QuatIdent()), 1))
	}

	snap := r.Snapshot()
	require.Equal(t, 3, snap.Len())

	var ids []int
	for e := range snap.All() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []int{1, 17, 30}, ids)

	// Restartable.
	count := 0
	for range snap.All() {
		count++
	}
	assert.Equal(t, 3, count)

	// Later updates and caller mutation do not leak into the snapshot.
	require.NoError(t, r.Upsert(17, worldPose(100, 0, 0, mgl64.QuatIdent()), 2))
	r.Reset()
	e, ok := snap.Get(17)
	require.True(t, ok)
	assert.InDelta(t, 17.0, e.WorldPose.Position.X(), 1e-12)
	e.Samples[0].Position = mgl64.Vec3{}
	again, _ := snap.Get(17)
	assert.InDelta(t, 17.0, again.Samples[0].Position.X(), 1e-12)

	_, ok = snap.Get(2)
	assert.False(t, ok)
}

func TestSnapshot_EarlyBreak(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())
	for id := range 5 {
		require.NoError(t, r.Upsert(id, worldPose(0, 0, 0, mgl64.QuatIdent()), 1))
	}
	seen := 0
	for range r.Snapshot().All() {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestSnapshot_VersionAdvances(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())
	v0 := r.Snapshot().Version
	require.NoError(t, r.Upsert(1, worldPose(0, 0, 0, mgl64.QuatIdent()), 1))
	v1 := r.Snapshot().Version
	assert.Greater(t, v1, v0)

	r.EvictStale(1, 5)
	assert.Equal(t, v1, r.Snapshot().Version, "no-op eviction keeps version")
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	t.Parallel()
	r := New(DefaultConfig())

	var wg sync.WaitGroup
	done := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for e := range r.Snapshot().All() {
					_ = e.WorldPose
				}
			}
		}()
	}
	for tick := uint64(0); tick < 200; tick++ {
		require.NoError(t, r.Upsert(int(tick%7), worldPose(float64(tick), 0, 0, mgl64.QuatIdent()), tick))
	}
	close(done)
	wg.Wait()
	assert.Equal(t, 7, r.Len())
}

func TestNew_DefaultCapacity(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultHistoryCapacity, New(Config{}).Capacity())
	assert.Equal(t, 4, New(Config{HistoryCapacity: 4}).Capacity())
}
