package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/capture"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/sink"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/wire"
	"github.com/banshee-data/fiducial.tracker/internal/version"
)

var (
	listen      = flag.String("listen", ":"+strconv.Itoa(9090), "TCP address to accept tracker connections on")
	outDir      = flag.String("out", "captures", "Directory for received TIFF frames")
	profileName = flag.String("profile", capture.DefaultProfile, "Capture profile of received 'p' frames")
	serialPort  = flag.String("serial", "", "Also read a wire stream from this serial device")
	baudRate    = flag.Int("baud", 115200, "Baud rate for -serial")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("fiducial-sink", version.String())
		return
	}

	profile, err := capture.ParseProfile(*profileName)
	if err != nil {
		log.Fatalf("invalid profile: %v", err)
	}
	saver := &sink.Saver{Dir: *outDir, Profile: profile, Markers: &lockedWriter{w: os.Stdout}}
	if err := saver.Prepare(); err != nil {
		log.Fatalf("failed to create output directories: %v", err)
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *serialPort != "" {
		port, err := wire.OpenSerial(*serialPort, wire.PortOptions{BaudRate: *baudRate})
		if err != nil {
			log.Fatalf("failed to open serial port: %v", err)
		}
		defer port.Close()
		go func() {
			<-ctx.Done()
			port.Close()
		}()
		go func() {
			st, err := saver.Serve(port)
			if err != nil && ctx.Err() == nil {
				log.Printf("serial %s: %v", *serialPort, err)
			}
			log.Printf("serial %s closed: markers=%d images=%d stereo=%d skipped=%d",
				*serialPort, st.Markers, st.Images, st.Stereo, st.Skipped)
		}()
	}

	log.Printf("listening on %s, writing frames to %s", lis.Addr(), *outDir)
	serve(ctx, lis, saver)
}

// serve accepts connections until ctx is cancelled and handles each one
// on its own goroutine.
func serve(ctx context.Context, lis net.Listener, saver *sink.Saver) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := make(map[net.Conn]struct{})

	go func() {
		<-ctx.Done()
		lis.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("accept: %v", err)
			}
			break
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				conn.Close()
			}()
			log.Printf("connection from %s", conn.RemoteAddr())
			st, err := saver.Serve(conn)
			if err != nil && ctx.Err() == nil {
				log.Printf("%s: %v", conn.RemoteAddr(), err)
			}
			log.Printf("%s closed: markers=%d images=%d stereo=%d skipped=%d",
				conn.RemoteAddr(), st.Markers, st.Images, st.Stereo, st.Skipped)
		}()
	}
	wg.Wait()
}

// lockedWriter serialises marker output from concurrent connections.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
