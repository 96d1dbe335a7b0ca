// Package web hosts the operator-facing HTTP surface: the WebSocket
// event stream, the health endpoint, Prometheus metrics, and a small
// read-only device listing for dashboards.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verdantgrow/god-kaiser/internal/health"
	"github.com/verdantgrow/god-kaiser/internal/model"
	"github.com/verdantgrow/god-kaiser/internal/ws"
)

// DeviceLister is the read-side repository view the server needs.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]*model.Device, error)
	Ping(ctx context.Context) error
	BreakerState() string
}

// MQTTStatus reports broker connectivity.
type MQTTStatus interface {
	Connected() bool
	BufferDepth() int
}

// Server is the HTTP front of the kaiser. It owns no domain state;
// everything is delegated.
type Server struct {
	addr    string
	store   DeviceLister
	mqtt    MQTTStatus
	tracker *health.Tracker
	wsm     *ws.Manager
	reg     *prometheus.Registry
	logger  *slog.Logger

	httpSrv *http.Server
}

func NewServer(addr string, store DeviceLister, mqtt MQTTStatus, tracker *health.Tracker,
	wsm *ws.Manager, reg *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		store:   store,
		mqtt:    mqtt,
		tracker: tracker,
		wsm:     wsm,
		reg:     reg,
		logger:  logger,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.wsm)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/devices", s.handleDevices)
	if s.reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	}
}

// handleHealthz reports liveness plus the state of the server's
// dependencies. 200 means the process is serving; degraded parts show
// up in the body, not the status code.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbOK := s.store.Ping(ctx) == nil
	body := map[string]any{
		"status":         "ok",
		"mqtt_connected": s.mqtt.Connected(),
		"mqtt_buffered":  s.mqtt.BufferDepth(),
		"db_ok":          dbOK,
		"db_breaker":     s.store.BreakerState(),
		"ws_clients":     s.wsm.ClientCount(),
	}
	if !dbOK || !s.mqtt.Connected() {
		body["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDevices lists registered devices with their derived status.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("device listing failed", "error", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	for _, d := range devices {
		d.Status = s.tracker.DeriveStatus(d.LastSeen)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
