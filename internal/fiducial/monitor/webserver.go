// Package monitor serves the tracker's HTTP status surface: JSON views of
// the loop and registry, debug charts, and tsweb/tailsql admin routes.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/pipeline"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/registry"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/storage/sqlite"
	"github.com/banshee-data/fiducial.tracker/internal/httputil"
	"github.com/banshee-data/fiducial.tracker/internal/monitoring"
	"github.com/banshee-data/fiducial.tracker/internal/version"
)

var logf = monitoring.Prefixed("Monitor")

// LoopStatus is satisfied by *pipeline.Loop.
type LoopStatus interface {
	Status() pipeline.Status
	Timings() []float64
}

// Snapshotter is satisfied by *registry.Registry.
type Snapshotter interface {
	Snapshot() registry.Snapshot
}

// SessionStore is the part of the observation store the monitor reads.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]sqlite.Session, error)
	MarkerTrail(ctx context.Context, sessionID string, markerID, limit int) ([]sqlite.TrailPoint, error)
}

// WebServerConfig configures the monitor.
type WebServerConfig struct {
	Address string
	Loop    LoopStatus
	Markers Snapshotter
	// Store and SessionID are optional. Without them trails come from the
	// registry's in-memory history.
	Store     SessionStore
	SessionID string
}

// WebServer serves the monitor routes.
type WebServer struct {
	address   string
	loop      LoopStatus
	markers   Snapshotter
	store     SessionStore
	sessionID string
	mux       *http.ServeMux
	server    *http.Server
}

// NewWebServer creates a web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		loop:      config.Loop,
		markers:   config.Markers,
		store:     config.Store,
		sessionID: config.SessionID,
	}
	ws.mux = ws.setupRoutes()
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Mux exposes the route table so callers can attach admin routes.
func (ws *WebServer) Mux() *http.ServeMux { return ws.mux }

// Start serves until ctx is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		logf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			logf("HTTP server force close error: %v", err)
		}
	}
	logf("HTTP server routine stopped")
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", ws.handleHealth)
	mux.HandleFunc("GET /api/status", ws.handleStatus)
	mux.HandleFunc("GET /api/markers", ws.handleMarkers)
	mux.HandleFunc("GET /api/markers/{id}", ws.handleMarker)
	mux.HandleFunc("GET /api/sessions", ws.handleSessions)
	mux.HandleFunc("GET /charts/timing", ws.handleTimingChart)
	mux.HandleFunc("GET /charts/trail.png", ws.handleTrailPlot)
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

type statusResponse struct {
	pipeline.Status
	HUD string `json:"hud"`
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := ws.loop.Status()
	httputil.WriteJSONOK(w, statusResponse{Status: st, HUD: st.String()})
}

// MarkerJSON is the HTTP form of a registry entry.
type MarkerJSON struct {
	ID              int        `json:"id"`
	Position        [3]float64 `json:"position"`
	Rotation        [4]float64 `json:"rotation_wxyz"`
	EulerDeg        [3]float64 `json:"euler_yxz_deg"`
	Observations    int        `json:"observations"`
	LowConfidence   bool       `json:"low_confidence"`
	FirstSeenTick   uint64     `json:"first_seen_tick"`
	LastUpdatedTick uint64     `json:"last_updated_tick"`
}

func markerJSON(e registry.Entry) MarkerJSON {
	p, q := e.WorldPose.Position, e.WorldPose.Rotation
	eul := geom.EulerYXZ(q)
	return MarkerJSON{
		ID:              e.ID,
		Position:        [3]float64{p[0], p[1], p[2]},
		Rotation:        [4]float64{q.W, q.V[0], q.V[1], q.V[2]},
		EulerDeg:        [3]float64{eul[0], eul[1], eul[2]},
		Observations:    e.Observations,
		LowConfidence:   e.LowConfidence,
		FirstSeenTick:   e.FirstSeenTick,
		LastUpdatedTick: e.LastUpdatedTick,
	}
}

func (ws *WebServer) handleMarkers(w http.ResponseWriter, r *http.Request) {
	snap := ws.markers.Snapshot()
	out := make([]MarkerJSON, 0, snap.Len())
	for e := range snap.All() {
		out = append(out, markerJSON(e))
	}
	httputil.WriteJSONOK(w, map[string]any{
		"version": snap.Version,
		"markers": out,
	})
}

func (ws *WebServer) handleMarker(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		httputil.BadRequest(w, "invalid marker id")
		return
	}
	e, ok := ws.markers.Snapshot().Get(id)
	if !ok {
		httputil.NotFound(w, "marker not tracked")
		return
	}
	httputil.WriteJSONOK(w, markerJSON(e))
}

func (ws *WebServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if ws.store == nil {
		httputil.NotFound(w, "no observation store configured")
		return
	}
	sessions, err := ws.store.ListSessions(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, sessions)
}
