package sqlite

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/pipeline"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/transform"
	"github.com/banshee-data/fiducial.tracker/internal/monitoring"
)

var logf = monitoring.Prefixed("Recorder")

// Recorder is a pipeline observer that writes each frame's markers to the
// store from its own goroutine. When the writer falls behind, whole frames
// are dropped and counted.
type Recorder struct {
	store     *Store
	sessionID string
	batches   chan []Observation
	done      chan struct{}

	mu     sync.Mutex
	closed bool

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewRecorder starts a recorder for sessionID. buffer is the number of
// frames that may queue; values below 1 use 64.
func NewRecorder(store *Store, sessionID string, buffer int) *Recorder {
	if buffer < 1 {
		buffer = 64
	}
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		batches:   make(chan []Observation, buffer),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for batch := range r.batches {
		if err := r.store.InsertObservations(context.Background(), batch); err != nil {
			logf("failed to write %d observations: %v", len(batch), err)
			continue
		}
		r.written.Add(uint64(len(batch)))
	}
}

// Observations converts a processed frame into rows for sessionID.
func Observations(sessionID string, res pipeline.FrameResult) []Observation {
	if len(res.World) == 0 {
		return nil
	}
	out := make([]Observation, 0, len(res.World))
	for _, w := range res.World {
		o := Observation{
			SessionID:       sessionID,
			Tick:            res.Tick,
			CapturedAt:      res.Frame.Timestamp,
			DeviceTimestamp: res.Frame.DeviceTimestamp,
			MarkerID:        w.ID,
			WorldPosition:   w.Pose.Position,
			WorldRotation:   w.Pose.Rotation,
			LowConfidence:   w.Quality == transform.QualityLowConfidence,
		}
		for _, d := range res.Detections {
			if d.ID == w.ID {
				o.Translation, o.Rodrigues = d.Translation, d.Rodrigues
				break
			}
		}
		out = append(out, o)
	}
	return out
}

// ObserveFrame queues the frame's markers for writing.
func (r *Recorder) ObserveFrame(_ context.Context, res pipeline.FrameResult) {
	batch := Observations(r.sessionID, res)
	if batch == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.batches <- batch:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			logf("writer behind, dropped %d frames", n)
		}
	}
}

// Written returns the number of observations stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Dropped returns the number of frames discarded.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close flushes queued frames and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.batches)
	}
	r.mu.Unlock()
	<-r.done
}
