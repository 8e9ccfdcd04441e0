package wire

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/fiducial.tracker/internal/monitoring"
)

var logf = monitoring.Prefixed("Sink")

var (
	// ErrSendInFlight is returned by Send while a previous message is still
	// being written. The rejected message is discarded.
	ErrSendInFlight = errors.New("wire: send already in flight")
	// ErrSenderClosed is returned after Close.
	ErrSenderClosed = errors.New("wire: sender closed")
)

// SenderStats counts sender outcomes.
type SenderStats struct {
	Sent    uint64
	Dropped uint64
	Failed  uint64
}

// Sender writes messages to a sink with at most one write outstanding.
// A message offered while a write is in progress is dropped, not queued.
type Sender struct {
	w        io.WriteCloser
	inFlight atomic.Bool
	queue    chan []byte
	done     chan struct{}

	mu     sync.Mutex
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewSender starts the writer goroutine for w. The sender owns w and closes
// it on Close.
func NewSender(w io.WriteCloser) *Sender {
	s := &Sender{
		w:     w,
		queue: make(chan []byte, 1),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sender) run() {
	defer close(s.done)
	var failures uint64
	for buf := range s.queue {
		if _, err := s.w.Write(buf); err != nil {
			s.failed.Add(1)
			failures++
			// Log the first failure and then every hundredth.
			if failures == 1 || failures%100 == 0 {
				logf("write failed (%d so far): %v", failures, err)
			}
		} else {
			s.sent.Add(1)
		}
		s.inFlight.Store(false)
	}
}

// Send encodes m and hands it to the writer. It returns ErrSendInFlight
// without blocking if a write is already outstanding.
func (s *Sender) Send(m Message) error {
	buf, err := Append(nil, m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSenderClosed
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		return ErrSendInFlight
	}
	s.queue <- buf
	return nil
}

// SendAsync is Send for callers that do not care about the outcome. It
// reports whether m was accepted.
func (s *Sender) SendAsync(m Message) bool {
	err := s.Send(m)
	if err != nil && !errors.Is(err, ErrSendInFlight) && !errors.Is(err, ErrSenderClosed) {
		logf("dropping %s message: %v", m.Kind(), err)
	}
	return err == nil
}

// Busy reports whether a write is outstanding.
func (s *Sender) Busy() bool { return s.inFlight.Load() }

// Stats returns the running counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
	}
}

// Close waits for the outstanding write, if any, then closes the sink.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.w.Close()
}
