package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cr0hn/drpd/internal/logger"
)

// DefaultStreamInterval is how often /ws pushes a status report.
const DefaultStreamInterval = 2 * time.Second

const wsWriteTimeout = 5 * time.Second

// StatusFunc returns the daemon status shown by /status and /ws. The value
// must be JSON encodable.
type StatusFunc func() any

// StatusReport is the body of /status.
type StatusReport struct {
	Uptime string `json:"uptime"`
	Ready  bool   `json:"ready"`
	Stats  Stats  `json:"stats"`
	Status any    `json:"status,omitempty"`
}

// Payload is a websocket message.
type Payload struct {
	Kind string `json:"kind"`
	Body any    `json:"body"`
}

// Server is the metrics HTTP server.
type Server struct {
	server    *http.Server
	stats     *StatsCollector
	status    StatusFunc
	interval  time.Duration
	upgrader  websocket.Upgrader
	ready     atomic.Bool
	startTime time.Time

	done     chan struct{}
	stopOnce sync.Once
	streams  sync.WaitGroup
}

// NewServer creates a new metrics server. status may be nil.
func NewServer(port int, stats *StatsCollector, status StatusFunc) *Server {
	s := &Server{
		stats:     stats,
		status:    status,
		interval:  DefaultStreamInterval,
		startTime: time.Now(),
		done:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/ws", s.wsHandler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// SetStreamInterval changes how often /ws pushes reports. Call before Start.
func (s *Server) SetStreamInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Serve serves the endpoints on l.
func (s *Server) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Shutdown gracefully shuts down the server and closes open status streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	err := s.server.Shutdown(ctx)
	s.streams.Wait()
	return err
}

// SetReady sets the ready state.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Report builds the current status report.
func (s *Server) Report() StatusReport {
	r := StatusReport{
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Ready:  s.ready.Load(),
		Stats:  s.stats.GetStats(),
	}
	if s.status != nil {
		r.Status = s.status()
	}
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ready",
		})
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "not ready",
		})
	}
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.stats.GetStats())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.Report())
}

// wsHandler streams status reports until the client goes away or the
// server shuts down.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("ws_upgrade_failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()
	defer conn.Close()

	conn.SetReadDeadline(time.Time{})
	logger.Debug("ws_client_connected", "remote", r.RemoteAddr)

	// Reads only serve to notice the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(Payload{Kind: "status", Body: s.Report()}); err != nil {
			logger.Debug("ws_write_failed", "error", err, "remote", r.RemoteAddr)
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			logger.Debug("ws_client_disconnected", "remote", r.RemoteAddr)
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}
