package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/tiff"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
	"github.com/banshee-data/fiducial.tracker/internal/monitoring"
	"github.com/banshee-data/fiducial.tracker/internal/timeutil"
)

var logf = monitoring.Prefixed("Capture")

var imageExts = []string{".png", ".tif", ".tiff"}

// DirSource replays the still images in a directory in name order, one per
// Interval. Files named "<timestamp>_<tag>.<ext>", as written by the sink,
// carry their device timestamp through to the frame.
type DirSource struct {
	Dir        string
	Camera     intrinsics.Camera
	Intrinsics *intrinsics.CameraIntrinsics
	// Interval paces replay. Zero replays as fast as frames are requested.
	Interval time.Duration
	Clock    timeutil.Clock

	mu     sync.Mutex
	files  []string
	next   int
	seq    uint64
	ticker timeutil.Ticker
	open   bool
	closed bool
}

// NewDirSource returns a replay of dir paced at interval.
func NewDirSource(dir string, cam intrinsics.Camera, interval time.Duration) *DirSource {
	return &DirSource{Dir: dir, Camera: cam, Interval: interval}
}

func (s *DirSource) clock() timeutil.Clock {
	if s.Clock == nil {
		return timeutil.RealClock{}
	}
	return s.Clock
}

// Open lists the directory. An empty directory is not an error; the first
// Next returns io.EOF.
func (s *DirSource) Open(context.Context) error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return fmt.Errorf("open replay directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(s.Dir, e.Name()))
		}
	}
	slices.Sort(files)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
	s.next = 0
	s.seq = 0
	s.open = true
	s.closed = false
	if s.Interval > 0 {
		s.ticker = s.clock().NewTicker(s.Interval)
	}
	logf("replaying %d images from %s", len(files), s.Dir)
	return nil
}

func (s *DirSource) Next(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.closed || !s.open {
		s.mu.Unlock()
		return Frame{}, ErrSourceClosed
	}
	if s.next >= len(s.files) {
		s.mu.Unlock()
		return Frame{}, io.EOF
	}
	path := s.files[s.next]
	s.next++
	wait := s.ticker != nil && s.seq > 0
	ticker := s.ticker
	s.mu.Unlock()

	if wait {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-ticker.C():
		}
	}

	img, err := decodeFile(path)
	if err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return Frame{
		Seq:             seq,
		Timestamp:       s.clock().Now(),
		DeviceTimestamp: deviceTimestamp(path),
		Camera:          s.Camera,
		Image:           img,
		Intrinsics:      s.Intrinsics,
	}, nil
}

func (s *DirSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	return nil
}

func decodeFile(path string) (detect.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return detect.Image{}, err
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return detect.Image{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return detect.FromImage(src), nil
}

// deviceTimestamp parses the leading integer of a "<ts>_<tag>" file name.
func deviceTimestamp(path string) int64 {
	base := filepath.Base(path)
	head, _, _ := strings.Cut(strings.TrimSuffix(base, filepath.Ext(base)), "_")
	ts, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
