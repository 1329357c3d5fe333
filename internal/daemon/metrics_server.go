package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/roomsync/internal/config"
	"github.com/matheus3301/roomsync/internal/status"
	intsync "github.com/matheus3301/roomsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EngineStatus is the body served on /status.
type EngineStatus struct {
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
	RegistryState string `json:"registry_state"`
	Rooms         int    `json:"rooms"`
	ActiveRoom    string `json:"active_room,omitempty"`
}

// MetricsServer serves Prometheus metrics and a status snapshot over HTTP.
// It is a no-op when no address is configured.
type MetricsServer struct {
	addr   string
	srv    *http.Server
	logger *zap.Logger
}

// NewMetricsServer builds the HTTP endpoint from [daemon] metrics_addr.
func NewMetricsServer(cfg *config.Config, reg *prometheus.Registry, engine *intsync.Engine, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{addr: cfg.Daemon.MetricsAddr, logger: logger}
	if ms.addr == "" {
		return ms
	}
	ms.srv = &http.Server{
		Addr:              ms.addr,
		Handler:           NewRouter(reg, engine),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// NewRouter mounts /metrics, /status and /health.
func NewRouter(reg *prometheus.Registry, engine *intsync.Engine) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot(engine))
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if engine.State() != status.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(engine.State()))
	})
	return r
}

func snapshot(engine *intsync.Engine) EngineStatus {
	reg := engine.RegistryStatus()
	active, _ := engine.ActiveRoom()
	return EngineStatus{
		State:         string(engine.State()),
		Reason:        engine.Reason(),
		RegistryState: string(reg.State),
		Rooms:         len(engine.Rooms()),
		ActiveRoom:    active,
	}
}

// Start listens on the configured address and serves in the background.
func (m *MetricsServer) Start() error {
	if m.srv == nil {
		return nil
	}
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}
	m.logger.Info("metrics endpoint listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the endpoint down.
func (m *MetricsServer) Stop(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
