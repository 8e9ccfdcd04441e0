package capture

import (
	"context"
	"io"
	"sync"
)

// SliceSource replays an in-memory list of frames. It is used by tests and
// by synthetic demos.
type SliceSource struct {
	mu sync.Mutex

	// Frames are returned in order. Seq is filled in when zero.
	Frames []Frame
	// OpenError is returned by Open if set.
	OpenError error
	// Loop restarts from the first frame instead of returning io.EOF.
	Loop bool

	next   int
	seq    uint64
	opened bool
	closed bool
}

// NewSliceSource returns a source over frames.
func NewSliceSource(frames ...Frame) *SliceSource {
	return &SliceSource{Frames: frames}
}

func (s *SliceSource) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenError != nil {
		return s.OpenError
	}
	s.opened = true
	s.closed = false
	s.next = 0
	return nil
}

func (s *SliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.opened {
		return Frame{}, ErrSourceClosed
	}
	if s.next >= len(s.Frames) {
		if !s.Loop || len(s.Frames) == 0 {
			return Frame{}, io.EOF
		}
		s.next = 0
	}
	f := s.Frames[s.next]
	s.next++
	s.seq++
	if f.Seq == 0 {
		f.Seq = s.seq
	}
	return f, nil
}

func (s *SliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Delivered returns how many frames Next has returned.
func (s *SliceSource) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
