package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/wire"
	"github.com/banshee-data/fiducial.tracker/internal/timeutil"
)

// StreamSource turns a recorded or live wire stream back into frames.
// 'p' messages become photo/video frames of Profile size; 'f' messages
// become stereo frames of StereoProfile size. Marker messages are skipped.
type StreamSource struct {
	// Connect opens the stream. It is called once per Open.
	Connect func(ctx context.Context) (io.ReadCloser, error)
	Profile Profile
	Clock   timeutil.Clock

	mu     sync.Mutex
	rc     io.ReadCloser
	dec    *wire.Decoder
	seq    uint64
	closed bool
}

// NewStreamSource returns a source reading from connect with the given
// photo/video profile.
func NewStreamSource(connect func(ctx context.Context) (io.ReadCloser, error), profile Profile) *StreamSource {
	return &StreamSource{Connect: connect, Profile: profile}
}

func (s *StreamSource) Open(ctx context.Context) error {
	if s.Connect == nil {
		return errors.New("capture: stream source has no connect function")
	}
	rc, err := s.Connect(ctx)
	if err != nil {
		return fmt.Errorf("open frame stream: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rc = rc
	s.dec = wire.NewDecoder(rc)
	s.closed = false
	return nil
}

func (s *StreamSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		s.mu.Lock()
		dec, closed := s.dec, s.closed
		s.mu.Unlock()
		if closed || dec == nil {
			return Frame{}, ErrSourceClosed
		}

		msg, err := dec.Next()
		if err != nil {
			if s.isClosed() {
				return Frame{}, ErrSourceClosed
			}
			return Frame{}, err
		}

		f, ok := s.frame(msg)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.seq++
		f.Seq = s.seq
		s.mu.Unlock()
		if s.Clock != nil {
			f.Timestamp = s.Clock.Now()
		} else {
			f.Timestamp = timeutil.RealClock{}.Now()
		}
		return f, nil
	}
}

func (s *StreamSource) frame(msg wire.Message) (Frame, bool) {
	switch m := msg.(type) {
	case wire.ImageMessage:
		img := detect.Image{Pix: m.Data, Width: s.Profile.Width, Height: s.Profile.Height, Format: detect.PixelFormatBGRA8}
		if img.Validate() != nil || len(m.Data) != img.Width*img.Height*4 {
			logf("skipping image ts=%d: %d bytes do not match %s", m.Timestamp, len(m.Data), s.Profile)
			return Frame{}, false
		}
		return Frame{DeviceTimestamp: m.Timestamp, Camera: intrinsics.CameraPhotoVideo, Image: img}, true
	case wire.StereoMessage:
		w, h := StereoProfile.Width, StereoProfile.Height
		if len(m.Left) != w*h {
			logf("skipping stereo pair ts=%d: %d bytes per image, want %d", m.LeftTimestamp, len(m.Left), w*h)
			return Frame{}, false
		}
		right := detect.Image{Pix: m.Right, Width: w, Height: h, Format: detect.PixelFormatGray8}
		return Frame{
			DeviceTimestamp:          m.LeftTimestamp,
			Camera:                   intrinsics.CameraLeftFront,
			Image:                    detect.Image{Pix: m.Left, Width: w, Height: h, Format: detect.PixelFormatGray8},
			Secondary:                &right,
			SecondaryDeviceTimestamp: m.RightTimestamp,
		}, true
	default:
		return Frame{}, false
	}
}

func (s *StreamSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the underlying stream, unblocking a pending Next.
func (s *StreamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.rc != nil {
		return s.rc.Close()
	}
	return nil
}
