// Package telemetry serves the host's observable state over HTTP: metrics
// in Prometheus text format and live position/speed snapshots over a
// websocket.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"picomotor-host/pkg/log"
	"picomotor-host/pkg/metrics"
)

// snapshotInterval is the period between websocket pushes.
const snapshotInterval = time.Second

// writeTimeout bounds one websocket write; a client that cannot keep up
// within it is dropped rather than allowed to stall the pusher.
const writeTimeout = 2 * time.Second

// Source is one device exposing live state. The motion controllers
// implement it; snapshots are lock-free reads on their side.
type Source interface {
	Name() string
	Position() map[string]float64
	Speed() map[string]float64
}

// DeviceSnapshot is the per-device part of one websocket message.
type DeviceSnapshot struct {
	Name     string             `json:"name"`
	Position map[string]float64 `json:"position"`
	Speed    map[string]float64 `json:"speed"`
}

// Snapshot is one websocket message.
type Snapshot struct {
	Time    time.Time        `json:"time"`
	Devices []DeviceSnapshot `json:"devices"`
}

// Server exposes /metrics and /ws on one listener.
type Server struct {
	logger   *log.Logger
	registry *metrics.Registry
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	sources []Source

	clients *metrics.Gauge
}

// NewServer creates a telemetry server over the given registry.
func NewServer(reg *metrics.Registry, logger *log.Logger) *Server {
	s := &Server{
		logger:   logger,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if reg != nil {
		s.clients = reg.Gauge("picomotor_telemetry_clients", "Connected websocket clients")
	}
	return s
}

// AddSource registers a device for snapshot publication.
func (s *Server) AddSource(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

func (s *Server) snapshot() Snapshot {
	s.mu.Lock()
	sources := make([]Source, len(s.sources))
	copy(sources, s.sources)
	s.mu.Unlock()

	snap := Snapshot{Time: time.Now(), Devices: make([]DeviceSnapshot, 0, len(sources))}
	for _, src := range sources {
		snap.Devices = append(snap.Devices, DeviceSnapshot{
			Name:     src.Name(),
			Position: src.Position(),
			Speed:    src.Speed(),
		})
	}
	return snap
}

// Handler returns the HTTP mux serving /metrics and /ws. Exposed
// separately so tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe serves until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown, matching net/http.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket connections outlive any sane timeout
	}
	s.logger.Info("telemetry listening on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the HTTP server. Open websockets are closed by their
// push loops failing.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.registry != nil {
		w.Write([]byte(s.registry.Gather()))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade from %s", r.RemoteAddr)
		return
	}
	s.logger.Debug("telemetry client %s connected", r.RemoteAddr)
	if s.clients != nil {
		s.clients.Add(1)
	}

	done := make(chan struct{})
	// The reader only consumes control frames and detects the client
	// going away.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go s.pushLoop(conn, r.RemoteAddr, done)
}

func (s *Server) pushLoop(conn *websocket.Conn, remote string, done <-chan struct{}) {
	defer func() {
		conn.Close()
		if s.clients != nil {
			s.clients.Add(-1)
		}
		s.logger.Debug("telemetry client %s disconnected", remote)
	}()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	// First snapshot immediately, so a client doesn't stare at nothing
	// for a second.
	if err := s.writeSnapshot(conn); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.writeSnapshot(conn); err != nil {
				s.logger.WithError(err).Debug("dropping telemetry client %s", remote)
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(s.snapshot())
}
