package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/capture"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect/detecttest"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/transform"
)

const (
	frameW = 640
	frameH = 480
)

func testStore(t *testing.T) *intrinsics.Store {
	t.Helper()
	s := intrinsics.NewStore()
	require.NoError(t, s.Set(intrinsics.CameraPhotoVideo, detecttest.Intrinsics()))
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Dictionary = detect.Dict4X4_50
	cfg.MarkerSize = 0.1
	return cfg
}

func markerFrame(t *testing.T, ids ...int) capture.Frame {
	t.Helper()
	dict, err := detect.Dict4X4_50.Dictionary()
	require.NoError(t, err)
	var placements []detecttest.Placement
	for i, id := range ids {
		placements = append(placements, detecttest.Placement{
			Dict:        dict,
			ID:          id,
			Size:        0.1,
			Rodrigues:   detecttest.Facing(0, 0, 0),
			Translation: mgl64.Vec3{-0.12 + 0.24*float64(i), 0, 0.6},
		})
	}
	img := detecttest.Render(frameW, frameH, detecttest.Intrinsics(), detect.PixelFormatBGRA8, placements...)
	return capture.Frame{Camera: intrinsics.CameraPhotoVideo, Image: img, Timestamp: time.Unix(100, 0)}
}

func TestNewLoop_Validation(t *testing.T) {
	t.Parallel()
	store := intrinsics.NewStore()
	src := capture.NewSliceSource()

	_, err := NewLoop(testConfig(), nil, store)
	assert.Error(t, err)
	_, err = NewLoop(testConfig(), src, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.MarkerSize = 0
	_, err = NewLoop(cfg, src, store)
	assert.ErrorContains(t, err, "marker size")

	cfg = testConfig()
	cfg.Dictionary = detect.DictionaryID(999)
	_, err = NewLoop(cfg, src, store)
	assert.ErrorIs(t, err, detect.ErrUnknownDictionary)

	cfg = testConfig()
	cfg.AutoEvict = true
	cfg.EvictEveryFrames = -1
	_, err = NewLoop(cfg, src, store)
	assert.Error(t, err)
}

func TestProcessFrame_DetectsAndRegisters(t *testing.T) {
	t.Parallel()
	l, err := NewLoop(testConfig(), capture.NewSliceSource(), testStore(t))
	require.NoError(t, err)

	res := l.ProcessFrame(context.Background(), markerFrame(t, 3, 8))
	require.NoError(t, res.Err)
	require.Len(t, res.Detections, 2)
	assert.Equal(t, []int{3, 8}, []int{res.Detections[0].ID, res.Detections[1].ID})
	assert.Equal(t, intrinsics.SourceConfigured, res.IntrinsicsSource)
	assert.Equal(t, uint64(1), res.Tick)

	require.Len(t, res.World, 2)
	for _, w := range res.World {
		assert.Equal(t, transform.QualityLowConfidence, w.Quality)
		assert.Equal(t, geom.SpaceWorld, w.Pose.Space)
	}
	// Identity frame-to-world: forward is -Z.
	assert.InDelta(t, -0.6, res.World[0].Pose.Position.Z(), 0.01)
	assert.InDelta(t, -0.12, res.World[0].Pose.Position.X(), 0.01)

	reg := l.Registry()
	assert.Equal(t, 2, reg.Len())
	e, ok := reg.Get(8)
	require.True(t, ok)
	assert.True(t, e.LowConfidence)
	assert.Equal(t, uint64(1), e.LastUpdatedTick)
}

func TestProcessFrame_UsesLocator(t *testing.T) {
	t.Parallel()
	f2w := mgl64.Translate3D(1, 2, 3)
	l, err := NewLoop(testConfig(), capture.NewSliceSource(), testStore(t),
		WithLocator(transform.StaticLocator{M: f2w}))
	require.NoError(t, err)

	res := l.ProcessFrame(context.Background(), markerFrame(t, 5))
	require.Len(t, res.World, 1)
	assert.Equal(t, transform.QualityTracked, res.World[0].Quality)
	assert.InDelta(t, 0.88, res.World[0].Pose.Position.X(), 0.01)
	assert.InDelta(t, 2, res.World[0].Pose.Position.Y(), 0.01)
	assert.InDelta(t, 2.4, res.World[0].Pose.Position.Z(), 0.01)

	e, _ := l.Registry().Get(5)
	assert.False(t, e.LowConfidence)
}

func TestProcessFrame_MissingIntrinsics(t *testing.T) {
	t.Parallel()
	l, err := NewLoop(testConfig(), capture.NewSliceSource(), intrinsics.NewStore())
	require.NoError(t, err)

	res := l.ProcessFrame(context.Background(), markerFrame(t, 1))
	assert.ErrorIs(t, res.Err, intrinsics.ErrInvalidCameraIndex)
	assert.Empty(t, res.Detections)
	assert.Zero(t, l.Registry().Len())

	st := l.Status()
	assert.Equal(t, uint64(1), st.Frames)
	assert.Contains(t, st.LastError, "invalid camera index")
}

func TestProcessFrame_LiveIntrinsics(t *testing.T) {
	t.Parallel()
	l, err := NewLoop(testConfig(), capture.NewSliceSource(), intrinsics.NewStore())
	require.NoError(t, err)

	f := markerFrame(t, 1)
	live := detecttest.Intrinsics()
	f.Intrinsics = &live
	res := l.ProcessFrame(context.Background(), f)
	require.NoError(t, res.Err)
	assert.Equal(t, intrinsics.SourceLive, res.IntrinsicsSource)
	assert.Len(t, res.Detections, 1)
}

func TestProcessFrame_AutoEvict(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.AutoEvict = true
	cfg.EvictEveryFrames = 2
	cfg.MaxAgeTicks = 1
	l, err := NewLoop(cfg, capture.NewSliceSource(), testStore(t))
	require.NoError(t, err)
	ctx := context.Background()

	l.ProcessFrame(ctx, markerFrame(t, 4))
	blank := markerFrame(t)
	res := l.ProcessFrame(ctx, blank)
	assert.Empty(t, res.Evicted, "cutoff at tick 2 keeps tick 1")
	l.ProcessFrame(ctx, blank)
	res = l.ProcessFrame(ctx, blank)
	assert.Equal(t, []int{4}, res.Evicted)
	assert.Zero(t, l.Registry().Len())
}

func TestProcessFrame_ObserverPanicIsContained(t *testing.T) {
	t.Parallel()
	var got []uint64
	l, err := NewLoop(testConfig(), capture.NewSliceSource(), testStore(t),
		WithObserver(ObserverFunc(func(context.Context, FrameResult) { panic("boom") })),
		WithObserver(ObserverFunc(func(_ context.Context, res FrameResult) { got = append(got, res.Tick) })),
	)
	require.NoError(t, err)

	frame := markerFrame(t)
	l.ProcessFrame(context.Background(), frame)
	l.ProcessFrame(context.Background(), frame)
	assert.Equal(t, []uint64{1, 2}, got)
}

func waitDone(t *testing.T, l *Loop) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not finish")
	}
}

func TestLoop_RunsFiniteSource(t *testing.T) {
	t.Parallel()
	frames := []capture.Frame{markerFrame(t, 2), markerFrame(t, 2), markerFrame(t, 2)}
	src := capture.NewSliceSource(frames...)

	var mu sync.Mutex
	var observed int
	l, err := NewLoop(testConfig(), src, testStore(t),
		WithObserver(ObserverFunc(func(context.Context, FrameResult) {
			mu.Lock()
			observed++
			mu.Unlock()
		})))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, l.State())

	require.NoError(t, l.Start(context.Background()))
	waitDone(t, l)

	st := l.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, uint64(len(frames)), st.Frames+st.Dropped, "every frame is processed or replaced")
	assert.GreaterOrEqual(t, st.Frames, uint64(1))
	mu.Lock()
	assert.Equal(t, int(st.Frames), observed)
	mu.Unlock()

	_, ok := l.Registry().Get(2)
	assert.True(t, ok)
	assert.Len(t, l.Timings(), int(st.Frames))
}

func TestLoop_StartTwiceAndRestart(t *testing.T) {
	t.Parallel()
	src := capture.NewSliceSource(markerFrame(t))
	src.Loop = true
	l, err := NewLoop(testConfig(), src, testStore(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	assert.ErrorIs(t, l.Start(ctx), ErrAlreadyRunning)
	require.Eventually(t, func() bool { return l.Status().Frames > 0 }, 10*time.Second, time.Millisecond)

	l.Stop()
	assert.Equal(t, StateStopped, l.State())
	l.Stop()

	require.NoError(t, l.Start(ctx))
	assert.True(t, l.State().Running())
	l.Stop()
	assert.Equal(t, StateStopped, l.State())
}

func TestLoop_NewestFrameWins(t *testing.T) {
	t.Parallel()
	const n = 10
	frames := make([]capture.Frame, n)
	for i := range frames {
		frames[i] = capture.Frame{Seq: uint64(i + 1), Camera: intrinsics.CameraPhotoVideo}
	}
	src := capture.NewSliceSource(frames...)

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []uint64
	l, err := NewLoop(testConfig(), src, testStore(t),
		WithObserver(ObserverFunc(func(_ context.Context, res FrameResult) {
			mu.Lock()
			first := len(seen) == 0
			seen = append(seen, res.Frame.Seq)
			mu.Unlock()
			if first {
				<-release
			}
		})))
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	// With the worker held on its first frame every other frame but the
	// newest is replaced in the hand-off slot.
	require.Eventually(t, func() bool { return l.Status().Dropped == n-2 }, 10*time.Second, time.Millisecond)
	close(release)
	waitDone(t, l)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, uint64(n), seen[1], "the newest frame is processed")
	st := l.Status()
	assert.Equal(t, uint64(n-2), st.Dropped)
	assert.Equal(t, uint64(2), st.Frames)
}

func TestLoop_StopBeforeStart(t *testing.T) {
	t.Parallel()
	src := capture.NewSliceSource(markerFrame(t))
	l, err := NewLoop(testConfig(), src, testStore(t))
	require.NoError(t, err)

	l.Stop()
	assert.Equal(t, StateStopped, l.State())

	require.NoError(t, l.Start(context.Background()))
	waitDone(t, l)
	assert.Equal(t, StateStopped, l.State())
}

type slowOpenSource struct {
	capture.SliceSource
	opening chan struct{}
	proceed chan struct{}
}

func (s *slowOpenSource) Open(ctx context.Context) error {
	close(s.opening)
	<-s.proceed
	return s.SliceSource.Open(ctx)
}

func TestLoop_StatusDuringSlowOpen(t *testing.T) {
	t.Parallel()
	src := &slowOpenSource{opening: make(chan struct{}), proceed: make(chan struct{})}
	l, err := NewLoop(testConfig(), src, testStore(t))
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- l.Start(context.Background()) }()
	<-src.opening

	read := make(chan State, 1)
	go func() {
		_ = l.Status()
		read <- l.State()
	}()
	select {
	case st := <-read:
		assert.Equal(t, StateIdle, st)
	case <-time.After(5 * time.Second):
		t.Fatal("status blocked while the source was opening")
	}

	close(src.proceed)
	require.NoError(t, <-started)
	waitDone(t, l)
}

func TestLoop_StopViaContext(t *testing.T) {
	t.Parallel()
	src := capture.NewSliceSource(markerFrame(t))
	src.Loop = true
	l, err := NewLoop(testConfig(), src, testStore(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	cancel()
	waitDone(t, l)
	assert.Equal(t, StateStopped, l.State())
}

func TestLoop_OpenFailure(t *testing.T) {
	t.Parallel()
	src := &capture.SliceSource{OpenError: errors.New("camera in use")}
	l, err := NewLoop(testConfig(), src, testStore(t))
	require.NoError(t, err)

	err = l.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, src.OpenError)
	assert.Equal(t, StateFailed, l.State())
	assert.Equal(t, "Failed to start camera: camera in use", l.Status().String())
	l.Stop()
}

type flakySource struct {
	capture.SliceSource
	err error
}

func (s *flakySource) Next(context.Context) (capture.Frame, error) { return capture.Frame{}, s.err }

func TestLoop_PersistentSourceErrorsFail(t *testing.T) {
	t.Parallel()
	src := &flakySource{err: errors.New("usb reset")}
	cfg := testConfig()
	cfg.MaxConsecutiveSourceErrors = 3
	l, err := NewLoop(cfg, src, testStore(t))
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	waitDone(t, l)
	st := l.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "usb reset", st.LastError)
}

func TestStatus_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Initializing ...", Status{}.String())

	s := Status{State: StateCapturing, Detected: 2, Frames: 1, LastFrameMS: 12.34}
	assert.Equal(t, "Detected 2 markers\nLast camera frame processed in 12.3 ms", s.String())

	s.Frames = 10
	s.MeanFrameMS, s.StdDevFrameMS = 11, 1.25
	assert.Contains(t, s.String(), "(mean 11.0 ± 1.2 ms)")

	s.State = StateStopped
	assert.Contains(t, s.String(), "\nStopped")
}

func TestStatus_TimingStats(t *testing.T) {
	t.Parallel()
	l, err := NewLoop(testConfig(), capture.NewSliceSource(), testStore(t))
	require.NoError(t, err)
	l.mu.Lock()
	for _, d := range []time.Duration{10, 20, 30} {
		l.stats.record(FrameResult{FrameTime: d * time.Millisecond}, time.Unix(0, 0))
	}
	l.mu.Unlock()

	st := l.Status()
	assert.InDelta(t, 20.0, st.MeanFrameMS, 1e-9)
	assert.InDelta(t, 10.0, st.StdDevFrameMS, 1e-9)
	assert.Equal(t, []float64{10, 20, 30}, l.Timings())
}

func TestFrameStats_WindowWraps(t *testing.T) {
	t.Parallel()
	s := newFrameStats(3)
	for i := 1; i <= 5; i++ {
		s.record(FrameResult{FrameTime: time.Duration(i) * time.Millisecond}, time.Time{})
	}
	assert.Equal(t, []float64{3, 4, 5}, s.samples())
	assert.Equal(t, uint64(5), s.frames)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "state(9)", State(9).String())
	b, err := StateFailed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(b))
}
