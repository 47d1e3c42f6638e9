// Package api implements PAM's control & health REST surface: proxy
// enable/disable and status under /api/petal-proxies-control, liveness
// and readiness under /health, an SSE log-tail endpoint, a Prometheus
// /metrics endpoint, and the per-petal /petals/{name}/... mount point.
package api

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/DroneLeaf/petal-app-manager/internal/config"
	"github.com/DroneLeaf/petal-app-manager/internal/health"
	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/petal"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
)

// Config configures the HTTP server.
type Config struct {
	ListenAddr string
}

// Server hosts PAM's HTTP surface.
type Server struct {
	cfg       Config
	appCfg    *config.Config
	watcher   *config.Watcher
	proxies   *proxy.Registry
	petals    *petal.Manager
	publisher *health.Publisher
	log       *logging.Manager

	configDiverged atomic.Bool
	restartPending atomic.Bool

	mux    *http.ServeMux
	server *http.Server
}

// NewServer constructs the server and mounts every built-in route. Petal
// routes are mounted separately via MountPetal once each petal loads.
// watcher may be nil (no config file to watch); appCfg may be nil only in
// tests that don't exercise the batch-control persistence path.
func NewServer(cfg Config, appCfg *config.Config, watcher *config.Watcher, proxies *proxy.Registry, petals *petal.Manager, publisher *health.Publisher, log *logging.Manager) *Server {
	s := &Server{
		cfg:       cfg,
		appCfg:    appCfg,
		watcher:   watcher,
		proxies:   proxies,
		petals:    petals,
		publisher: publisher,
		log:       log,
		mux:       http.NewServeMux(),
	}

	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/health/live", s.handleLiveness)
	s.mux.HandleFunc("/health/ready", s.handleReadiness)
	s.mux.HandleFunc("/health/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("/health/stream", s.handleLogStream)

	s.mux.HandleFunc("/api/petal-proxies-control", s.handleProxiesControl)
	s.mux.HandleFunc("/api/petal-proxies-control/status", s.handleStatus)
	s.mux.HandleFunc("/api/petal-proxies-control/components/list", s.handleComponentsList)
	s.mux.HandleFunc("/api/petal-proxies-control/proxies/control", s.handleProxiesBatchControl)
	s.mux.HandleFunc("/api/petal-proxies-control/petals/control", s.handlePetalsBatchControl)
	s.mux.HandleFunc("/api/petal-proxies-control/restart-status", s.handleRestartStatus)
	s.mux.HandleFunc("/api/petal-proxies-control/restart", s.handleRestart)
	s.mux.HandleFunc("/api/petal-proxies-control/", s.handleProxyControl)
	s.mux.HandleFunc("/api/petals", s.handlePetalsStatus)

	if watcher != nil {
		go s.watchConfigChanges()
	}

	return s
}

// watchConfigChanges marks the running config as diverged from disk the
// moment the watcher observes an external edit; GET /restart-status
// surfaces this for the rest of the process's life (nothing clears it
// short of a restart).
func (s *Server) watchConfigChanges() {
	for range s.watcher.Changed {
		s.configDiverged.Store(true)
		s.log.Warning("api", "config file changed on disk; restart required to pick up changes")
	}
}

// Mux exposes the underlying mux so petal HTTP mounts and mqttproxy
// wiring can register further routes under /petals/{name}/....
func (s *Server) Mux() *http.ServeMux { return s.mux }

// ListenAndServe starts serving. It blocks until the server is closed or
// fails; callers run it in a goroutine.
func (s *Server) ListenAndServe() error {
	handler := otelhttp.NewHandler(s.mux, "pam.api")
	s.server = &http.Server{Addr: s.cfg.ListenAddr, Handler: handler}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
