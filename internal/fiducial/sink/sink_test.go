package sink

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/capture"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/pipeline"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []wire.Message
	busy bool
}

func (r *recordingSender) SendAsync(m wire.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return false
	}
	r.msgs = append(r.msgs, m)
	return true
}

func (r *recordingSender) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func TestMarkerForwarder(t *testing.T) {
	t.Parallel()

	rec := &recordingSender{}
	fwd := &MarkerForwarder{Sender: rec}
	fwd.ObserveFrame(context.Background(), pipeline.FrameResult{
		Detections: []detect.DetectedMarker{
			{ID: 3, Translation: mgl64.Vec3{0.1, 0.2, 0.5}, Rodrigues: mgl64.Vec3{0, 0, 0}},
			{ID: 9, Translation: mgl64.Vec3{-0.1, 0, 1}},
		},
	})

	require.Len(t, rec.msgs, 2)
	assert.Equal(t, wire.MarkerMessage{ID: 3, Translation: mgl64.Vec3{0.1, 0.2, 0.5}}, rec.msgs[0])
	assert.Equal(t, 9, rec.msgs[1].(wire.MarkerMessage).ID)
	assert.Equal(t, uint64(2), fwd.Sent())

	rec.busy = true
	fwd.ObserveFrame(context.Background(), pipeline.FrameResult{
		Detections: []detect.DetectedMarker{{ID: 1}},
	})
	assert.Equal(t, uint64(2), fwd.Sent())
}

func grayImage(w, h int, v byte) *detect.Image {
	return &detect.Image{Pix: bytes.Repeat([]byte{v}, w*h), Width: w, Height: h, Format: detect.PixelFormatGray8}
}

func TestImageForwarderKinds(t *testing.T) {
	t.Parallel()

	rec := &recordingSender{}
	fwd := &ImageForwarder{Sender: rec}

	pv := detect.Image{Pix: make([]byte, 4*4*2), Width: 4, Height: 2, Format: detect.PixelFormatBGRA8}
	fwd.ObserveFrame(context.Background(), pipeline.FrameResult{
		Tick:  1,
		Frame: capture.Frame{Image: pv, DeviceTimestamp: 77},
	})
	fwd.ObserveFrame(context.Background(), pipeline.FrameResult{
		Tick: 2,
		Frame: capture.Frame{
			Image:                    *grayImage(3, 2, 10),
			DeviceTimestamp:          5,
			Secondary:                grayImage(3, 2, 20),
			SecondaryDeviceTimestamp: 6,
		},
	})

	require.Len(t, rec.msgs, 2)
	img, ok := rec.msgs[0].(wire.ImageMessage)
	require.True(t, ok)
	assert.Equal(t, int64(77), img.Timestamp)
	assert.Len(t, img.Data, 32)

	st, ok := rec.msgs[1].(wire.StereoMessage)
	require.True(t, ok)
	assert.Equal(t, int64(5), st.LeftTimestamp)
	assert.Equal(t, int64(6), st.RightTimestamp)
	assert.Equal(t, byte(10), st.Left[0])
	assert.Equal(t, byte(20), st.Right[0])
}

func TestImageForwarderEveryAndBusy(t *testing.T) {
	t.Parallel()

	rec := &recordingSender{}
	fwd := &ImageForwarder{Sender: rec, Every: 3}
	for tick := uint64(1); tick <= 9; tick++ {
		fwd.ObserveFrame(context.Background(), pipeline.FrameResult{
			Tick:  tick,
			Frame: capture.Frame{Image: *grayImage(2, 2, 0)},
		})
	}
	assert.Equal(t, uint64(3), fwd.Sent())

	rec.busy = true
	fwd.ObserveFrame(context.Background(), pipeline.FrameResult{Tick: 12, Frame: capture.Frame{Image: *grayImage(2, 2, 0)}})
	assert.Equal(t, uint64(3), fwd.Sent())

	rec.busy = false
	fwd.ObserveFrame(context.Background(), pipeline.FrameResult{Tick: 15})
	assert.Equal(t, uint64(3), fwd.Sent(), "invalid frames are not forwarded")
}

func decodeTIFF(t *testing.T, path string) (w, h int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := tiff.Decode(f)
	require.NoError(t, err)
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func TestSaverServe(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var markers strings.Builder
	s := &Saver{
		Dir:     dir,
		Profile: capture.Profile{Name: "test", Width: 4, Height: 3, FPS: 30},
		Markers: &markers,
	}
	require.NoError(t, s.Prepare())

	sw, sh := capture.StereoProfile.Width, capture.StereoProfile.Height
	var stream bytes.Buffer
	for _, m := range []wire.Message{
		wire.MarkerMessage{ID: 7, Translation: mgl64.Vec3{1, 2, 3}, Rodrigues: mgl64.Vec3{0, 0.5, 0}},
		wire.ImageMessage{Timestamp: 1000, Data: make([]byte, 4*3*4)},
		wire.StereoMessage{
			LeftTimestamp:  2000,
			RightTimestamp: 2001,
			Left:           make([]byte, sw*sh),
			Right:          make([]byte, sw*sh),
		},
	} {
		require.NoError(t, wire.Encode(&stream, m))
	}

	st, err := s.Serve(&stream)
	require.NoError(t, err)
	assert.Equal(t, Stats{Markers: 1, Images: 1, Stereo: 1}, st)
	assert.Equal(t, wire.MarkerMessage{ID: 7, Translation: mgl64.Vec3{1, 2, 3}, Rodrigues: mgl64.Vec3{0, 0.5, 0}}.Text()+"\n", markers.String())

	w, h := decodeTIFF(t, filepath.Join(dir, "photovideo", "1000_PV.tiff"))
	assert.Equal(t, [2]int{4, 3}, [2]int{w, h})
	w, h = decodeTIFF(t, filepath.Join(dir, "leftfront", "2000_LF.tiff"))
	assert.Equal(t, [2]int{sw, sh}, [2]int{w, h})
	_, err = os.Stat(filepath.Join(dir, "rightfront", "2001_RF.tiff"))
	assert.NoError(t, err)
}

func TestSaverSkipsWrongSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := &Saver{Dir: dir, Profile: capture.Profile{Name: "test", Width: 4, Height: 3, FPS: 30}}
	require.NoError(t, s.Prepare())

	var stream bytes.Buffer
	require.NoError(t, wire.Encode(&stream, wire.ImageMessage{Timestamp: 1, Data: make([]byte, 10)}))
	require.NoError(t, wire.Encode(&stream, wire.ImageMessage{Timestamp: 2, Data: make([]byte, 48)}))

	st, err := s.Serve(&stream)
	require.NoError(t, err)
	assert.Equal(t, Stats{Images: 1, Skipped: 1}, st)

	entries, err := os.ReadDir(filepath.Join(dir, "photovideo"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2_PV.tiff", entries[0].Name())
}

func TestSaverMalformedStream(t *testing.T) {
	t.Parallel()

	s := &Saver{Dir: t.TempDir()}
	_, err := s.Serve(strings.NewReader("x"))
	assert.ErrorIs(t, err, wire.ErrMalformed)
}
