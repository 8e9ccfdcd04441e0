// Package visualiser streams tracked marker poses to remote viewers over
// gRPC.
//
// The Publisher observes the frame loop, turns registry snapshots into
// MarkerFrames and fans them out to every connected StreamMarkers client.
// Slow clients miss frames rather than holding back the loop.
package visualiser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/pipeline"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/registry"
	"github.com/banshee-data/fiducial.tracker/internal/monitoring"
)

var logf = monitoring.Prefixed("Visualiser")

// ErrTooManyClients is returned when MaxClients streams are already open.
var ErrTooManyClients = errors.New("visualiser: too many clients")

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientBuffer is the per-client frame queue depth.
	ClientBuffer int

	// Heartbeat republishes the current snapshot when the registry has not
	// changed for this long. Zero disables it.
	Heartbeat time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   5,
		ClientBuffer: 10,
		Heartbeat:    time.Second,
	}
}

// Snapshotter is satisfied by *registry.Registry.
type Snapshotter interface {
	Snapshot() registry.Snapshot
}

type clientStream struct {
	id      string
	frameCh chan *MarkerFrame
}

// Publisher manages the gRPC server and frame streaming.
type Publisher struct {
	config   Config
	reg      Snapshotter
	server   *grpc.Server
	listener net.Listener

	frameChan chan *MarkerFrame
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	latest   atomic.Pointer[MarkerFrame]
	seq      atomic.Uint64
	lastSent atomic.Int64 // unix nanos of the last publish

	frameCount    atomic.Uint64
	droppedFrames atomic.Uint64
	clientCount   atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPublisher creates a publisher reading snapshots from reg.
func NewPublisher(cfg Config, reg Snapshotter) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:    cfg,
		reg:       reg,
		frameChan: make(chan *MarkerFrame, 100),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start listens on cfg.ListenAddr and serves the marker service.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve is Start on an existing listener.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterMarkerService(p.server, NewServer(p))

	p.wg.Add(1)
	go p.broadcastLoop()

	if p.config.Heartbeat > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	if p.server != nil {
		p.server.Stop()
	}
	p.wg.Wait()
	logf("gRPC server stopped")
}

// ObserveFrame publishes the registry whenever a frame changed it.
func (p *Publisher) ObserveFrame(_ context.Context, res pipeline.FrameResult) {
	snap := p.reg.Snapshot()
	if last := p.latest.Load(); last != nil && last.Version == snap.Version {
		return
	}
	p.Publish(FrameFromSnapshot(res.Tick, res.Frame.Timestamp.UnixNano(), snap, res.Evicted))
}

// Publish queues a frame for every connected client. Frames are also kept
// as the latest snapshot for GetSnapshot and new subscribers.
func (p *Publisher) Publish(frame *MarkerFrame) {
	if frame == nil {
		return
	}
	frame.Seq = p.seq.Add(1)
	p.latest.Store(frame)
	if !p.running.Load() {
		return
	}
	p.lastSent.Store(time.Now().UnixNano())
	select {
	case p.frameChan <- frame:
		p.frameCount.Add(1)
	default:
		dropped := p.droppedFrames.Add(1)
		logf("DROPPED frame %d (total dropped: %d), channel full", frame.Seq, dropped)
	}
}

// Latest returns the most recently published frame.
func (p *Publisher) Latest() *MarkerFrame {
	return p.latest.Load()
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.frameCh <- frame:
				default:
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) heartbeatLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.config.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case now := <-t.C:
			if now.UnixNano()-p.lastSent.Load() < int64(p.config.Heartbeat) {
				continue
			}
			last := p.latest.Load()
			var tick uint64
			if last != nil {
				tick = last.Tick
			}
			p.Publish(FrameFromSnapshot(tick, now.UnixNano(), p.reg.Snapshot(), nil))
		}
	}
}

func (p *Publisher) addClient() (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, ErrTooManyClients
	}
	c := &clientStream{
		id:      uuid.NewString(),
		frameCh: make(chan *MarkerFrame, p.config.ClientBuffer),
	}
	p.clients[c.id] = c
	n := p.clientCount.Add(1)
	logf("Client connected: %s (total: %d)", c.id, n)
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; !ok {
		return
	}
	delete(p.clients, id)
	n := p.clientCount.Add(-1)
	logf("Client disconnected: %s (remaining: %d)", id, n)
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64
	DroppedFrames uint64
	ClientCount   int32
	Running       bool
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}
