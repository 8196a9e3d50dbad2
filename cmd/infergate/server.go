package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/infergate/infergate/api/handlers"
	"github.com/infergate/infergate/config"
	"github.com/infergate/infergate/gateway"
	"github.com/infergate/infergate/gateway/adapters"
	"github.com/infergate/infergate/gateway/observability"
	"github.com/infergate/infergate/internal/metrics"
	"github.com/infergate/infergate/internal/server"
	"github.com/infergate/infergate/internal/telemetry"
	"github.com/infergate/infergate/internal/tlsutil"
)

// Server wires the gateway components behind one HTTP listener.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	collector  *metrics.Collector
	registry   *gateway.Registry
	health     *gateway.HealthStore
	quota      *gateway.QuotaTracker
	dispatcher *gateway.Dispatcher

	manager  *server.Manager
	watcher  *config.FileWatcher
	otel     *telemetry.Providers
	reloadCh chan os.Signal
}

// NewServer builds every component from the configuration. Nothing
// listens until Start.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers) (*Server, error) {
	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)

	observer, err := observability.New(collector, logger)
	if err != nil {
		return nil, fmt.Errorf("build observer: %w", err)
	}

	registry, err := gateway.NewRegistry(cfg.RegistryConfig(adapters.Kinds()))
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	health := gateway.NewHealthStore()
	quota := gateway.NewQuotaTracker()
	router := gateway.NewSmartRouter(registry, quota, gateway.ParseStrategy(cfg.Routing.Strategy), logger)

	dispatcher := gateway.NewDispatcher(gateway.DispatcherOptions{
		Registry:  registry,
		Router:    router,
		Health:    health,
		Quota:     quota,
		Pipelines: gateway.DefaultPipelines(logger),
		Adapters:  adapters.All(),
		Tokens:    gateway.NewTokenCounter(),
		Observer:  observer,
		Logger:    logger,
	})

	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		collector:  collector,
		registry:   registry,
		health:     health,
		quota:      quota,
		dispatcher: dispatcher,
		otel:       otelProviders,
	}, nil
}

// Start binds the listener and launches the background workers: warmup
// probes, SIGHUP reload, and the config file watcher.
func (s *Server) Start() error {
	handler := s.buildHandler()

	s.manager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.manager.Start(); err != nil {
		return err
	}

	if s.cfg.Routing.WarmupProbes {
		go s.warmupProbes()
	}

	s.reloadCh = make(chan os.Signal, 1)
	signal.Notify(s.reloadCh, syscall.SIGHUP)
	go s.reloadLoop()

	if s.configPath != "" {
		if err := s.startWatcher(); err != nil {
			s.logger.Warn("config watcher not started", zap.Error(err))
		}
	}

	s.logger.Info("infergate ready",
		zap.Int("port", s.cfg.Server.HTTPPort),
		zap.Int("providers", len(s.cfg.Providers)),
		zap.Int("models", len(s.registry.Snapshot().ServableModels())),
		zap.String("strategy", s.cfg.Routing.Strategy),
	)

	return nil
}

func (s *Server) buildHandler() http.Handler {
	chat := handlers.NewChatHandler(s.dispatcher, s.cfg.Server.MaxBodyBytes, s.cfg.Routing.RequestTimeout, s.logger)
	models := handlers.NewModelsHandler(s.registry, s.logger)
	health := handlers.NewHealthHandler(s.registry, s.health, s.quota, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", chat.HandleCompletion)
	mux.HandleFunc("GET /v1/models", models.HandleList)
	mux.HandleFunc("GET /v1/providers", health.HandleProviders)
	mux.HandleFunc("GET /health/live", health.HandleLiveness)
	mux.HandleFunc("GET /health/ready", health.HandleReadiness)
	mux.HandleFunc("GET /healthz", health.HandleLiveness)
	mux.HandleFunc("GET /livez", health.HandleLiveness)
	mux.HandleFunc("GET /readyz", health.HandleReadiness)
	mux.HandleFunc("GET /version", health.HandleVersion)
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	}

	// The operational surface stays reachable without credentials; only
	// the /v1 API sits behind auth.
	var v1 http.Handler = mux
	if s.cfg.Auth.Enabled {
		authed := Auth(s.cfg.Auth.MasterKeys, s.cfg.Auth.JWTSecret, s.logger)
		protected := http.NewServeMux()
		protected.Handle("/v1/", authed(mux))
		protected.Handle("/", mux)
		v1 = protected
	}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSOrigins),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing(s.cfg.Telemetry.ServiceName))
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares, RateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}

	return Chain(v1, middlewares...)
}

// warmupProbes checks reachability of every enabled provider endpoint
// concurrently. Results only log; unreachable providers still get their
// chance at dispatch time.
func (s *Server) warmupProbes() {
	snap := s.registry.Snapshot()
	client := tlsutil.SecureHTTPClient(10 * time.Second)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(8)

	for _, key := range snap.ProviderKeys() {
		prov, ok := snap.Provider(key)
		if !ok || !prov.Enabled || prov.Endpoint == "" {
			continue
		}
		key, prov := key, prov
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, prov.Endpoint, nil)
			if err != nil {
				return nil
			}
			start := time.Now()
			resp, err := client.Do(req)
			if err != nil {
				s.logger.Warn("warmup probe failed",
					zap.String("provider", key),
					zap.Error(err),
				)
				return nil
			}
			resp.Body.Close()
			s.logger.Debug("warmup probe ok",
				zap.String("provider", key),
				zap.Int("status", resp.StatusCode),
				zap.Duration("latency", time.Since(start)),
			)
			return nil
		})
	}
	g.Wait()
}

// reloadLoop applies catalog reloads on SIGHUP.
func (s *Server) reloadLoop() {
	for range s.reloadCh {
		s.logger.Info("SIGHUP received, reloading catalog")
		if err := s.reload(); err != nil {
			s.logger.Error("reload failed, keeping current catalog", zap.Error(err))
		}
	}
}

// reload re-reads the config file and swaps the catalog snapshot. The
// operational settings (ports, timeouts, auth) stay as booted; only the
// provider/model/alias catalog changes at runtime.
func (s *Server) reload() error {
	if s.configPath == "" {
		return fmt.Errorf("no config file to reload from")
	}
	cfg, err := config.NewLoader().WithConfigPath(s.configPath).Load()
	if err != nil {
		return err
	}
	if err := s.dispatcher.ApplyReload(cfg.RegistryConfig(adapters.Kinds())); err != nil {
		return err
	}
	s.logger.Info("catalog reloaded",
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("models", len(s.registry.Snapshot().ServableModels())),
	)
	return nil
}

func (s *Server) startWatcher() error {
	w, err := config.NewFileWatcher([]string{s.configPath},
		config.WithWatcherLogger(s.logger),
		config.WithDebounceDelay(2*time.Second),
	)
	if err != nil {
		return err
	}
	w.OnChange(func(event config.FileEvent) {
		s.logger.Info("config file changed", zap.String("path", event.Path))
		if err := s.reload(); err != nil {
			s.logger.Error("reload failed, keeping current catalog", zap.Error(err))
		}
	})
	if err := w.Start(context.Background()); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// WaitForShutdown blocks until the listener exits, then tears down the
// background workers.
func (s *Server) WaitForShutdown() {
	s.manager.WaitForShutdown()

	if s.reloadCh != nil {
		signal.Stop(s.reloadCh)
		close(s.reloadCh)
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}
