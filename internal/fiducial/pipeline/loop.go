package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/capture"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/registry"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/transform"
	"github.com/banshee-data/fiducial.tracker/internal/monitoring"
	"github.com/banshee-data/fiducial.tracker/internal/timeutil"
)

var logf = monitoring.Prefixed("Pipeline")

// ErrAlreadyRunning is returned by Start while the loop is running.
var ErrAlreadyRunning = errors.New("pipeline: already running")

// WorldMarker is one detection after the transform step.
type WorldMarker struct {
	ID      int
	Pose    geom.Pose
	Quality transform.Quality
}

// FrameResult describes one processed frame. Observers must not modify it.
type FrameResult struct {
	Tick             uint64
	Frame            capture.Frame
	Detections       []detect.DetectedMarker
	World            []WorldMarker
	Evicted          []int
	IntrinsicsSource intrinsics.Source
	DetectTime       time.Duration
	FrameTime        time.Duration
	Err              error
}

// FrameObserver receives every processed frame on the worker goroutine.
// Implementations must return quickly.
type FrameObserver interface {
	ObserveFrame(ctx context.Context, res FrameResult)
}

// ObserverFunc adapts a function to FrameObserver.
type ObserverFunc func(ctx context.Context, res FrameResult)

func (f ObserverFunc) ObserveFrame(ctx context.Context, res FrameResult) { f(ctx, res) }

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used for timing and timestamps.
func WithClock(c timeutil.Clock) Option { return func(l *Loop) { l.clock = c } }

// WithLocator sets the frame-to-world source. The default never has a
// transform, so every pose is graded low confidence.
func WithLocator(loc transform.Locator) Option { return func(l *Loop) { l.locator = loc } }

// WithRegistry shares an existing registry.
func WithRegistry(r *registry.Registry) Option { return func(l *Loop) { l.registry = r } }

// WithObserver adds a frame observer.
func WithObserver(o FrameObserver) Option {
	return func(l *Loop) { l.observers = append(l.observers, o) }
}

// Loop is the frame processing loop.
type Loop struct {
	cfg       Config
	source    capture.Source
	store     *intrinsics.Store
	detector  *detect.Detector
	engine    *transform.Engine
	locator   transform.Locator
	registry  *registry.Registry
	clock     timeutil.Clock
	observers []FrameObserver

	// tick is only touched by the goroutine running ProcessFrame.
	tick         uint64
	warnedLocate bool

	dropped atomic.Uint64

	// startMu serialises Start so the source can be opened without holding mu.
	startMu sync.Mutex
	mu      sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	stats  frameStats
}

// NewLoop validates cfg and builds a loop reading from src.
func NewLoop(cfg Config, src capture.Source, store *intrinsics.Store, opts ...Option) (*Loop, error) {
	if src == nil {
		return nil, errors.New("pipeline: nil frame source")
	}
	if store == nil {
		return nil, errors.New("pipeline: nil intrinsics store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	cfg = cfg.withDefaults()

	l := &Loop{
		cfg:     cfg,
		source:  src,
		store:   store,
		engine:  transform.NewEngine(),
		locator: transform.IdentityLocator{},
		clock:   timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.registry == nil {
		l.registry = registry.New(registry.Config{HistoryCapacity: cfg.HistoryCapacity})
	}
	l.detector = detect.NewDetector(cfg.Detector, detect.WithClock(l.clock))
	l.stats = newFrameStats(cfg.TimingWindow)
	return l, nil
}

// Registry returns the registry the loop writes to.
func (l *Loop) Registry() *registry.Registry { return l.registry }

// Config returns the effective configuration.
func (l *Loop) Config() Config { return l.cfg }

func (l *Loop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Failed and Stopped are terminal for a run.
	if l.state == StateFailed && s != StateIdle {
		return
	}
	l.state = s
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start opens the source and starts the worker. It returns
// ErrAlreadyRunning if the loop is running and a wrapped error if the source
// cannot be opened, in which case the loop is left in StateFailed. A stopped
// or failed loop may be started again.
func (l *Loop) Start(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if l.State().Running() {
		return ErrAlreadyRunning
	}
	if err := l.source.Open(ctx); err != nil {
		l.mu.Lock()
		l.state = StateFailed
		l.stats.lastErr = err.Error()
		l.mu.Unlock()
		return fmt.Errorf("open frame source: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = StateCapturing
	l.stats.lastErr = ""
	done := l.done
	l.mu.Unlock()

	frames := make(chan capture.Frame, 1)
	go func() {
		<-runCtx.Done()
		// Unblocks a Next stuck on I/O.
		_ = l.source.Close()
	}()
	go l.capture(runCtx, cancel, frames)
	go l.work(runCtx, cancel, frames, done)
	logf("started (dictionary %s, marker size %.3f m)", l.dictionaryName(), l.cfg.MarkerSize)
	return nil
}

func (l *Loop) dictionaryName() string {
	if l.cfg.Codebook != nil {
		return l.cfg.Codebook.Name
	}
	return l.cfg.Dictionary.String()
}

// capture pulls frames and offers them to the worker, replacing any frame
// the worker has not picked up yet.
func (l *Loop) capture(ctx context.Context, cancel context.CancelFunc, frames chan capture.Frame) {
	defer close(frames)
	consecutive := 0
	for {
		f, err := l.source.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, capture.ErrSourceClosed):
				return
			case errors.Is(err, io.EOF):
				logf("frame source exhausted")
				return
			}
			consecutive++
			l.recordError(err)
			logf("frame source error (%d in a row): %v", consecutive, err)
			if consecutive >= l.cfg.MaxConsecutiveSourceErrors {
				l.setState(StateFailed)
				cancel()
				return
			}
			continue
		}
		consecutive = 0

		select {
		case frames <- f:
			continue
		default:
		}
		select {
		case <-frames:
			l.dropped.Add(1)
		default:
		}
		// Only this goroutine sends, so the slot is free now.
		frames <- f
	}
}

func (l *Loop) work(ctx context.Context, cancel context.CancelFunc, frames <-chan capture.Frame, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer l.detector.Close()
	for f := range frames {
		if ctx.Err() != nil {
			continue
		}
		l.setState(StateProcessing)
		l.ProcessFrame(ctx, f)
		if ctx.Err() == nil {
			l.setState(StateCapturing)
		}
	}
	l.setState(StateStopped)
	logf("stopped after %d frames (%d dropped)", l.tick, l.dropped.Load())
}

// Stop cancels the run and waits for the frame in flight. It is safe to call
// at any time and more than once. A loop that was never started moves
// straight to StateStopped.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	if cancel == nil && l.state == StateIdle {
		l.state = StateStopped
	}
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the current run ends. It is nil before Start.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *Loop) recordError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.lastErr = err.Error()
}

// ProcessFrame runs one frame through detection, the world transform and the
// registry. Failures are logged and reported in the result; they never stop
// the loop. It must not be called concurrently with a running loop.
func (l *Loop) ProcessFrame(ctx context.Context, f capture.Frame) (res FrameResult) {
	start := l.clock.Now()
	l.tick++
	res = FrameResult{Tick: l.tick, Frame: f}

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic processing frame %d: %v", f.Seq, r)
			logf("%v\n%s", res.Err, debug.Stack())
		}
		res.FrameTime = l.clock.Since(start)
		l.finish(ctx, res)
	}()

	intr, src, err := l.store.Resolve(f.Camera, f.Intrinsics)
	if err != nil {
		res.Err = fmt.Errorf("intrinsics for %s: %w", f.Camera, err)
		logf("frame %d: %v", f.Seq, res.Err)
		return res
	}
	res.IntrinsicsSource = src

	if l.cfg.Codebook != nil {
		res.Detections, res.DetectTime = l.detector.DetectWith(f.Image, intr, l.cfg.Codebook, l.cfg.MarkerSize)
	} else {
		res.Detections, res.DetectTime = l.detector.Detect(f.Image, intr, l.cfg.Dictionary, l.cfg.MarkerSize)
	}

	f2w := transform.Unavailable()
	if len(res.Detections) > 0 {
		f2w, err = transform.Resolve(ctx, l.locator, f.Timestamp, l.cfg.LocateTimeout)
		if err != nil {
			if !errors.Is(err, transform.ErrNoTransform) || !l.warnedLocate {
				logf("frame %d: no frame-to-world transform, using identity: %v", f.Seq, err)
			}
			l.warnedLocate = l.warnedLocate || errors.Is(err, transform.ErrNoTransform)
		}
	}

	for _, m := range res.Detections {
		pose, q := l.engine.ToWorld(m, f2w)
		if err := l.registry.UpsertObservation(m.ID, pose, l.tick, q == transform.QualityLowConfidence); err != nil {
			logf("frame %d: %v", f.Seq, err)
			continue
		}
		res.World = append(res.World, WorldMarker{ID: m.ID, Pose: pose, Quality: q})
	}

	if l.cfg.AutoEvict && l.tick%uint64(l.cfg.EvictEveryFrames) == 0 {
		res.Evicted = l.registry.EvictStale(l.tick, l.cfg.MaxAgeTicks)
		if len(res.Evicted) > 0 {
			logf("evicted markers %v", res.Evicted)
		}
	}
	return res
}

func (l *Loop) finish(ctx context.Context, res FrameResult) {
	l.mu.Lock()
	l.stats.record(res, l.clock.Now())
	l.mu.Unlock()

	for _, o := range l.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logf("observer panic on frame %d: %v", res.Frame.Seq, r)
				}
			}()
			o.ObserveFrame(ctx, res)
		}()
	}
}
