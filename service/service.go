package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/metrics"
	"github.com/ethereum/go-ethereum/log"
)

const shutdownTimeout = 5 * time.Second

// Config selects which endpoints are served. An empty address disables the endpoint.
type Config struct {
	HealthzAddr string
	MetricsAddr string
	Ready       func() bool // Reported by /healthz; nil means always ready
	Log         log.Logger
}

type Service struct {
	log     log.Logger
	cfg     Config
	Healthz *HealthzServer
	Metrics *MetricsServer
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Service{
		log:     cfg.Log,
		cfg:     cfg,
		Healthz: &HealthzServer{log: cfg.Log, ready: cfg.Ready},
		Metrics: &MetricsServer{},
	}
}

// Start launches the enabled servers in the background
func (s *Service) Start() {
	if s.cfg.HealthzAddr == "" && s.cfg.MetricsAddr == "" {
		s.log.Debug("No service endpoints configured")
		return
	}
	s.log.Info("service starting")

	if addr := s.cfg.HealthzAddr; addr != "" {
		go func() {
			s.log.Info("starting healthz server", "addr", addr)
			if err := s.Healthz.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting healthz server", "err", err)
				metrics.RecordErrorDetails("healthz_server", err)
			}
		}()
	}

	if addr := s.cfg.MetricsAddr; addr != "" {
		go func() {
			s.log.Info("starting metrics server", "addr", addr)
			if err := s.Metrics.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting metrics server", "err", err)
				metrics.RecordErrorDetails("metrics_server", err)
			}
		}()
	}

	s.log.Info("service started")
}

func (s *Service) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.Healthz.Shutdown(ctx); err != nil {
		s.log.Warn("failed to stop healthz server", "err", err)
	}
	if err := s.Metrics.Shutdown(ctx); err != nil {
		s.log.Warn("failed to stop metrics server", "err", err)
	}
	s.log.Debug("service stopped")
}
