package pipeline

import (
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Status is a point-in-time view of the loop for the HUD and the monitor.
type Status struct {
	State    State  `json:"state"`
	Frames   uint64 `json:"frames"`
	Dropped  uint64 `json:"dropped_frames"`
	Detected int    `json:"detected"`
	Tracked  int    `json:"tracked"`

	LastFrameAt      time.Time `json:"last_frame_at"`
	LastFrameMS      float64   `json:"last_frame_ms"`
	LastDetectMS     float64   `json:"last_detect_ms"`
	MeanFrameMS      float64   `json:"mean_frame_ms"`
	StdDevFrameMS    float64   `json:"stddev_frame_ms"`
	IntrinsicsSource string    `json:"intrinsics_source,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// String renders the status as HUD text.
func (s Status) String() string {
	switch s.State {
	case StateIdle:
		return "Initializing ..."
	case StateFailed:
		return "Failed to start camera: " + s.LastError
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Detected %d markers", s.Detected)
	if s.Frames > 0 {
		fmt.Fprintf(&b, "\nLast camera frame processed in %.1f ms", s.LastFrameMS)
		if s.Frames > 1 {
			fmt.Fprintf(&b, " (mean %.1f ± %.1f ms)", s.MeanFrameMS, s.StdDevFrameMS)
		}
	}
	if s.State == StateStopped {
		b.WriteString("\nStopped")
	}
	return b.String()
}

type frameStats struct {
	frames     uint64
	window     []float64
	next       int
	filled     bool
	lastAt     time.Time
	lastFrame  time.Duration
	lastDetect time.Duration
	detected   int
	intrSource string
	lastErr    string
}

func newFrameStats(window int) frameStats {
	return frameStats{window: make([]float64, window)}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func (s *frameStats) record(res FrameResult, now time.Time) {
	s.frames++
	s.lastAt = now
	s.lastFrame = res.FrameTime
	s.lastDetect = res.DetectTime
	s.detected = len(res.Detections)
	if res.Err != nil {
		s.lastErr = res.Err.Error()
	} else {
		s.intrSource = res.IntrinsicsSource.String()
	}
	s.window[s.next] = ms(res.FrameTime)
	s.next++
	if s.next == len(s.window) {
		s.next = 0
		s.filled = true
	}
}

// samples returns the window oldest first.
func (s *frameStats) samples() []float64 {
	if !s.filled {
		return append([]float64(nil), s.window[:s.next]...)
	}
	out := make([]float64, 0, len(s.window))
	out = append(out, s.window[s.next:]...)
	return append(out, s.window[:s.next]...)
}

// Status returns the loop's current status.
func (l *Loop) Status() Status {
	l.mu.Lock()
	st := Status{
		State:            l.state,
		Frames:           l.stats.frames,
		Detected:         l.stats.detected,
		LastFrameAt:      l.stats.lastAt,
		LastFrameMS:      ms(l.stats.lastFrame),
		LastDetectMS:     ms(l.stats.lastDetect),
		IntrinsicsSource: l.stats.intrSource,
		LastError:        l.stats.lastErr,
	}
	samples := l.stats.samples()
	l.mu.Unlock()

	st.Dropped = l.dropped.Load()
	st.Tracked = l.registry.Len()
	switch len(samples) {
	case 0:
	case 1:
		st.MeanFrameMS = samples[0]
	default:
		st.MeanFrameMS, st.StdDevFrameMS = stat.MeanStdDev(samples, nil)
	}
	return st
}

// Timings returns recent per-frame processing times in milliseconds, oldest
// first.
func (l *Loop) Timings() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats.samples()
}
