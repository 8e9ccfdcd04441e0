package sink

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/image/tiff"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/capture"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/wire"
	"github.com/banshee-data/fiducial.tracker/internal/monitoring"
)

var logf = monitoring.Prefixed("Sink")

// Saver writes received frames as TIFF files and marker text to Markers.
//
// Layout under Dir:
//
//	photovideo/<ts>_PV.tiff
//	leftfront/<ts>_LF.tiff
//	rightfront/<ts>_RF.tiff
type Saver struct {
	Dir string
	// Profile gives the size of 'p' frames.
	Profile capture.Profile
	// Markers receives each marker message's text followed by a newline.
	Markers io.Writer
}

// Stats counts what a Serve call handled.
type Stats struct {
	Markers int
	Images  int
	Stereo  int
	Skipped int
}

// Prepare creates the output directories.
func (s *Saver) Prepare() error {
	for _, sub := range []string{"photovideo", "leftfront", "rightfront"} {
		if err := os.MkdirAll(filepath.Join(s.Dir, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Serve decodes r until it ends and handles every message.
func (s *Saver) Serve(r io.Reader) (Stats, error) {
	var st Stats
	dec := wire.NewDecoder(r)
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, err
		}
		if err := s.Handle(msg, &st); err != nil {
			logf("%v", err)
			st.Skipped++
		}
	}
}

// Handle processes one message.
func (s *Saver) Handle(msg wire.Message, st *Stats) error {
	switch m := msg.(type) {
	case wire.MarkerMessage:
		st.Markers++
		if s.Markers != nil {
			_, err := fmt.Fprintln(s.Markers, m.Text())
			return err
		}
		return nil
	case wire.ImageMessage:
		img := detect.Image{Pix: m.Data, Width: s.Profile.Width, Height: s.Profile.Height, Format: detect.PixelFormatBGRA8}
		if err := s.write(filepath.Join("photovideo", name(m.Timestamp, "PV")), img); err != nil {
			return err
		}
		st.Images++
		return nil
	case wire.StereoMessage:
		w, h := capture.StereoProfile.Width, capture.StereoProfile.Height
		left := detect.Image{Pix: m.Left, Width: w, Height: h, Format: detect.PixelFormatGray8}
		right := detect.Image{Pix: m.Right, Width: w, Height: h, Format: detect.PixelFormatGray8}
		if err := s.write(filepath.Join("leftfront", name(m.LeftTimestamp, "LF")), left); err != nil {
			return err
		}
		if err := s.write(filepath.Join("rightfront", name(m.RightTimestamp, "RF")), right); err != nil {
			return err
		}
		st.Stereo++
		return nil
	default:
		return fmt.Errorf("unexpected message %T", msg)
	}
}

func name(ts int64, tag string) string {
	return strconv.FormatInt(ts, 10) + "_" + tag + ".tiff"
}

func (s *Saver) write(rel string, img detect.Image) error {
	if err := img.Validate(); err != nil {
		return fmt.Errorf("%s: %w", rel, err)
	}
	if len(img.Pix) != img.Width*img.Height*img.Format.BytesPerPixel() {
		return fmt.Errorf("%s: %d bytes for %dx%d %s", rel, len(img.Pix), img.Width, img.Height, img.Format)
	}
	f, err := os.Create(filepath.Join(s.Dir, rel))
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, toStd(img), &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	return f.Close()
}

func toStd(img detect.Image) image.Image {
	if img.Format == detect.PixelFormatGray8 {
		return &image.Gray{Pix: img.Pix, Stride: img.Width, Rect: image.Rect(0, 0, img.Width, img.Height)}
	}
	return img.RGBA()
}
