package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/capture"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/sink"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/wire"
)

func TestServeSavesConnections(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var out bytes.Buffer
	saver := &sink.Saver{
		Dir:     dir,
		Profile: capture.Profile{Name: "tiny", Width: 2, Height: 2, FPS: 30},
		Markers: &lockedWriter{w: &out},
	}
	require.NoError(t, saver.Prepare())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		serve(ctx, lis, saver)
		close(done)
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	w, err := wire.Dial(dialCtx, lis.Addr().String())
	require.NoError(t, err)
	require.NoError(t, wire.Encode(w, wire.MarkerMessage{ID: 12, Translation: mgl64.Vec3{0, 0, 1}}))
	require.NoError(t, wire.Encode(w, wire.ImageMessage{Timestamp: 55, Data: make([]byte, 16)}))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "photovideo", "55_PV.tiff")
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.True(t, strings.HasPrefix(out.String(), "Marker [12]"))
}
