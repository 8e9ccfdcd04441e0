package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/fiducial.tracker/internal/config"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/capture"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/monitor"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/pipeline"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/registry"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/sink"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/storage/sqlite"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/transform"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/visualiser"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/wire"
	"github.com/banshee-data/fiducial.tracker/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a tracker JSON config (default: built-in defaults)")
	framesDir   = flag.String("frames", "", "Replay PNG/TIFF frames from this directory")
	streamAddr  = flag.String("stream", "", "Read 'p'/'f' frames from a wire stream at host:port")
	worldPose   = flag.String("world-pose", "", "Fixed platform camera-to-world matrix (row-vector convention) as 16 comma-separated row-major values")
	dbFile      = flag.String("db", "", "SQLite database for observations (overrides config db_path)")
	sinkTarget  = flag.String("sink", "", "Forward markers to host:port or serial:///dev/tty... (overrides config)")
	listen      = flag.String("listen", "", "HTTP monitor listen address (overrides config monitor_addr)")
	grpcListen  = flag.String("grpc-listen", "", "Visualiser gRPC listen address (overrides config visualiser_addr)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("fiducial-tracker", version.String())
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyOverrides(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("tracker: %v", err)
	}
}

func loadConfig(path string) (*config.TrackerConfig, error) {
	if path == "" {
		return config.EmptyTrackerConfig(), nil
	}
	return config.LoadTrackerConfig(path)
}

func applyOverrides(cfg *config.TrackerConfig) {
	if *dbFile != "" {
		cfg.DBPath = dbFile
	}
	if *sinkTarget != "" {
		cfg.SinkTarget = sinkTarget
	}
	if *listen != "" {
		cfg.MonitorAddr = listen
	}
	if *grpcListen != "" {
		cfg.VisualiserAddr = grpcListen
	}
}

// parseWorldPose reads a row-major 4x4 matrix as delivered by the platform.
func parseWorldPose(s string) (transform.FrameToWorld, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 16 {
		return transform.FrameToWorld{}, fmt.Errorf("world pose needs 16 values, got %d", len(parts))
	}
	var m [16]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return transform.FrameToWorld{}, fmt.Errorf("world pose value %d: %w", i, err)
		}
		m[i] = v
	}
	return transform.FrameToWorldFromPlatform(m), nil
}

func newSource(cfg *config.TrackerConfig) (capture.Source, error) {
	profile := cfg.GetCaptureProfile()
	switch {
	case *framesDir != "" && *streamAddr != "":
		return nil, errors.New("-frames and -stream are mutually exclusive")
	case *framesDir != "":
		return capture.NewDirSource(*framesDir, cfg.GetCamera(), profile.Interval()), nil
	case *streamAddr != "":
		addr := *streamAddr
		return capture.NewStreamSource(func(ctx context.Context) (io.ReadCloser, error) {
			return wire.DialTCP(ctx, addr)
		}, profile), nil
	default:
		return nil, errors.New("a frame source is required: use -frames or -stream")
	}
}

func run(ctx context.Context, cfg *config.TrackerConfig) error {
	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}

	store := intrinsics.NewStore()
	if err := cfg.ApplyIntrinsics(store); err != nil {
		return err
	}

	src, err := newSource(cfg)
	if err != nil {
		return err
	}

	reg := registry.New(registry.Config{HistoryCapacity: pcfg.HistoryCapacity})
	opts := []pipeline.Option{pipeline.WithRegistry(reg)}

	if *worldPose != "" {
		f2w, err := parseWorldPose(*worldPose)
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithLocator(transform.StaticLocator{M: f2w.M}))
	}

	var (
		db        *sqlite.Store
		sessionID string
	)
	if path := cfg.GetDBPath(); path != "" {
		db, err = sqlite.Open(ctx, path)
		if err != nil {
			return fmt.Errorf("open observation store: %w", err)
		}
		defer db.Close()

		if n, err := db.RestoreIntrinsics(ctx, store); err != nil {
			log.Printf("failed to restore intrinsics: %v", err)
		} else if n > 0 {
			log.Printf("restored %d camera calibrations from %s", n, path)
		}
		for cam, c := range store.Cameras() {
			if err := db.SaveIntrinsics(ctx, cam, c); err != nil {
				log.Printf("failed to save %s intrinsics: %v", cam, err)
			}
		}

		sess, err := db.StartSession(ctx, sqlite.Session{
			Camera:     cfg.GetCamera().String(),
			Dictionary: pcfg.Dictionary.String(),
			MarkerSize: pcfg.MarkerSize,
			Profile:    cfg.GetCaptureProfile().Name,
		})
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		sessionID = sess.ID
		log.Printf("recording session %s to %s", sessionID, path)
		defer func() {
			if err := db.EndSession(context.Background(), sessionID, time.Now()); err != nil {
				log.Printf("failed to end session: %v", err)
			}
		}()

		rec := sqlite.NewRecorder(db, sessionID, 64)
		defer rec.Close()
		opts = append(opts, pipeline.WithObserver(rec))
	}

	if target := cfg.GetSinkTarget(); target != "" {
		w, err := wire.Dial(ctx, target)
		if err != nil {
			return fmt.Errorf("connect sink: %w", err)
		}
		sender := wire.NewSender(w)
		defer func() {
			sender.Close()
			st := sender.Stats()
			log.Printf("sink: sent=%d dropped=%d failed=%d", st.Sent, st.Dropped, st.Failed)
		}()
		opts = append(opts, pipeline.WithObserver(&sink.MarkerForwarder{Sender: sender}))
		if cfg.GetForwardImages() {
			opts = append(opts, pipeline.WithObserver(&sink.ImageForwarder{Sender: sender, Every: uint64(cfg.GetImageEvery())}))
		}
	}

	if addr := cfg.GetVisualiserAddr(); addr != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = addr
		pub := visualiser.NewPublisher(vcfg, reg)
		if err := pub.Start(); err != nil {
			return fmt.Errorf("start visualiser: %w", err)
		}
		defer pub.Stop()
		opts = append(opts, pipeline.WithObserver(pub))
	}

	loop, err := pipeline.NewLoop(pcfg, src, store, opts...)
	if err != nil {
		return err
	}

	// Servers outlive a finite source only until the loop finishes.
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	var wg sync.WaitGroup
	if addr := cfg.GetMonitorAddr(); addr != "" {
		webCfg := monitor.WebServerConfig{Address: addr, Loop: loop, Markers: reg}
		if db != nil {
			webCfg.Store = db
			webCfg.SessionID = sessionID
		}
		ws := monitor.NewWebServer(webCfg)
		var sqlDB *sql.DB
		if db != nil {
			sqlDB = db.DB()
		}
		if err := ws.AttachAdminRoutes(sqlDB, cfg.GetDBPath()); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(serveCtx); err != nil {
				log.Printf("monitor server: %v", err)
			}
		}()
	}

	if err := loop.Start(ctx); err != nil {
		cancelServe()
		wg.Wait()
		return err
	}
	log.Printf("tracking %s markers (%.3fm), %s", pcfg.Dictionary, pcfg.MarkerSize, cfg.GetCaptureProfile())

	select {
	case <-ctx.Done():
	case <-loop.Done():
	}
	loop.Stop()
	log.Print(loop.Status().String())
	cancelServe()
	wg.Wait()
	return nil
}
