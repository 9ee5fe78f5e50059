package service

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/ethereum-optimism/infra/op-scenario/metrics"
	"github.com/ethereum/go-ethereum/log"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"
)

// Config holds the listen addresses. An empty address disables that server.
type Config struct {
	HealthzAddr string
	MetricsAddr string
	Log         log.Logger
}

// DefaultConfig listens on the standard ports on all interfaces.
func DefaultConfig(logger log.Logger) Config {
	return Config{
		HealthzAddr: net.JoinHostPort(HealthzHost, HealthzPort),
		MetricsAddr: net.JoinHostPort(MetricsHost, MetricsPort),
		Log:         logger,
	}
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer

	config Config
	log    log.Logger
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	logger := cfg.Log.New("component", "service")
	return &Service{
		Healthz: NewHealthzServer(logger),
		Metrics: &MetricsServer{},
		config:  cfg,
		log:     logger,
	}
}

func (s *Service) Start() {
	s.log.Info("service starting")

	if addr := s.config.HealthzAddr; addr != "" {
		go func() {
			s.log.Info("starting healthz server", "addr", addr)
			if err := s.Healthz.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting healthz server", "err", err)
				metrics.RecordErrorDetails("error starting healthz server", err)
			}
		}()
	}

	if addr := s.config.MetricsAddr; addr != "" {
		go func() {
			s.log.Info("starting metrics server", "addr", addr)
			if err := s.Metrics.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting metrics server", "err", err)
				metrics.RecordErrorDetails("error starting metrics server", err)
			}
		}()
	}

	s.log.Info("service started")
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.log.Info("service shutting down")

	err := errors.Join(s.Healthz.Shutdown(ctx), s.Metrics.Shutdown(ctx))
	s.log.Info("service stopped")
	return err
}
