package captiond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kreolabs/captiond/pkg/captions"
	"github.com/kreolabs/captiond/pkg/configutil"
	"github.com/kreolabs/captiond/pkg/logging"
	"github.com/kreolabs/captiond/pkg/metrics"
	"github.com/kreolabs/captiond/pkg/redact"
	"github.com/kreolabs/captiond/pkg/runner"
	"github.com/kreolabs/captiond/pkg/transports"
	"github.com/kreolabs/captiond/pkg/transports/ingest"
)

// Service wires the session registry, the ingest surface and the
// observability endpoints into one runnable unit.
type Service struct {
	cfg      *Config
	logger   *slog.Logger
	registry *captions.Registry
	ingest   transports.Handler
	server   *http.Server
	life     *runner.LifecycleRunner
}

// NewService composes a service from config. The logger should already be
// installed as the process default.
func NewService(cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}

	var ingestCfg ingest.Config
	if err := configutil.DecodeSettings(cfg.Ingest.Settings, &ingestCfg); err != nil {
		return nil, fmt.Errorf("decode ingest settings: %w", err)
	}

	promReg := prometheus.NewRegistry()
	collector := metrics.New(promReg)

	var transport transports.Handler = ingest.New(ingestCfg, logger)
	registryCfg := captions.Config{
		Backend:              cfg.Deepgram,
		OpenTimeout:          cfg.Sessions.OpenTimeout,
		BackoffBase:          cfg.Sessions.BackoffBase,
		BackoffCap:           cfg.Sessions.BackoffCap,
		MaxReconnectAttempts: cfg.Sessions.MaxReconnectAttempts,
		IdleThreshold:        cfg.Sessions.IdleThreshold,
		ReapInterval:         cfg.Sessions.ReapInterval,
		KeepAlivePeriod:      cfg.Sessions.KeepAlivePeriod,
		DispatchBuffer:       cfg.Sessions.DispatchBuffer,
		OnTerminated:         transport.SessionEnded,
		Logger:               logger,
		Metrics:              collector,
	}
	if cfg.RedactCaptions {
		registryCfg.Redactor = redact.Text
	}
	registry := captions.NewRegistry(registryCfg)
	transport.Bind(registry)

	svc := &Service{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "service"),
		registry: registry,
		ingest:   transport,
	}

	mux := http.NewServeMux()
	mux.Handle(transport.Path(), transport)
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/stats", svc.handleStats)
	svc.server = &http.Server{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}

	svc.life = runner.NewLifecycleRunner(svc, runner.Hooks{
		OnStart: svc.serve,
	}, cfg.Server.DrainTimeout)
	return svc, nil
}

// Run blocks until ctx ends, then drains.
func (s *Service) Run(ctx context.Context) error { return s.life.Run(ctx) }

// Stop triggers an immediate drain.
func (s *Service) Stop() error { return s.life.Stop() }

// State reports the lifecycle state.
func (s *Service) State() runner.State { return s.life.State() }

// Registry exposes the session registry to embedding callers.
func (s *Service) Registry() *captions.Registry { return s.registry }

func (s *Service) serve() {
	go func() {
		s.logger.Info("server_listening",
			slog.String("addr", s.cfg.Server.Addr),
			slog.String("ingest_path", s.ingest.Path()))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server_error", slog.String("error", err.Error()))
		}
	}()
}

// Drain implements runner.Drainer: stop accepting clients, close them, and
// tear down every transcription session.
func (s *Service) Drain() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	s.ingest.Stop()
	s.registry.Shutdown()
	s.logger.Info("service_drained")
	return nil
}

// handleStats serves a read-only snapshot of active sessions.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Sessions []captions.SessionStat `json:"sessions"`
	}{Sessions: s.registry.Stats()})
}
