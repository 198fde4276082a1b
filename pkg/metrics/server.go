package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultGracefulShutdownTimeout = 5 * time.Second
	readinessTimeout               = 5 * time.Second
)

// ServerConfig controls the metrics/health HTTP server.
type ServerConfig struct {
	// Address is the bind address (e.g. ":9090").
	Address string `yaml:"address"`
	// HealthPath is the liveness probe endpoint path.
	HealthPath string `yaml:"healthPath"`
	// ReadinessPath is the readiness probe endpoint path.
	ReadinessPath string `yaml:"readinessPath"`
	// DropPrefixes filters metric families out of the default Go runtime registry.
	DropPrefixes []string `yaml:"dropPrefixes"`
}

// ApplyDefaults fills unset fields.
func (c *ServerConfig) ApplyDefaults() {
	if c.Address == "" {
		c.Address = ":9090"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/healthz"
	}
	if c.ReadinessPath == "" {
		c.ReadinessPath = "/readyz"
	}
	if c.DropPrefixes == nil {
		c.DropPrefixes = []string{"go_", "process_", "promhttp_"}
	}
}

// Validate ensures the server address is configured.
func (c ServerConfig) Validate() error {
	if c.Address == "" {
		return errors.New("configuration 'metrics.address' is required")
	}
	return nil
}

// HealthChecker reports whether the screening data is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server exposes Prometheus metrics and health probes.
type Server struct {
	cfg             ServerConfig
	logger          *zap.Logger
	registry        *prometheus.Registry
	instrumentation *Instrumentation
	health          HealthChecker
	serving         atomic.Bool
}

// NewServer builds a metrics server with its own registry.
func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		cfg:             cfg,
		logger:          logger,
		registry:        reg,
		instrumentation: NewInstrumentation(reg),
	}
}

// Instrumentation returns the metrics instrumentation helper.
func (s *Server) Instrumentation() *Instrumentation {
	return s.instrumentation
}

// Registry returns the underlying Prometheus registry.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// SetHealthChecker installs the readiness dependency. It must be called before Start.
func (s *Server) SetHealthChecker(h HealthChecker) {
	s.health = h
}

// SetReady toggles whether the authorization listener is serving.
func (s *Server) SetReady(ready bool) {
	s.serving.Store(ready)
}

// Handler returns the HTTP routes served by the metrics server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.HealthPath, s.livenessHandler())
	mux.Handle(s.cfg.ReadinessPath, s.readinessHandler())
	gatherer := prometheus.Gatherers{
		s.registry,
		filteringGatherer{prometheus.DefaultGatherer, s.cfg.DropPrefixes},
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("metrics server listening", zap.String("addr", s.cfg.Address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) livenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// readinessHandler reports ready once the gRPC listener is up and the health checker passes.
func (s *Server) readinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.serving.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if s.health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()
			if err := s.health.HealthCheck(ctx); err != nil {
				s.logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "health check failed: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}
