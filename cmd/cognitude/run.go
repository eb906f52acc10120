package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/alert"
	"github.com/cognitude/cognitude/internal/app"
	"github.com/cognitude/cognitude/internal/auth"
	"github.com/cognitude/cognitude/internal/cache"
	"github.com/cognitude/cognitude/internal/circuitbreaker"
	"github.com/cognitude/cognitude/internal/config"
	"github.com/cognitude/cognitude/internal/provider"
	"github.com/cognitude/cognitude/internal/provider/anthropic"
	"github.com/cognitude/cognitude/internal/provider/groq"
	"github.com/cognitude/cognitude/internal/provider/mistral"
	"github.com/cognitude/cognitude/internal/provider/openai"
	"github.com/cognitude/cognitude/internal/ratelimit"
	"github.com/cognitude/cognitude/internal/server"
	"github.com/cognitude/cognitude/internal/storage/sqlite"
	"github.com/cognitude/cognitude/internal/telemetry"
	"github.com/cognitude/cognitude/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)
	log.Info("starting cognitude", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	sealer, err := provider.NewSealer(cfg.Auth.SecretKey)
	if err != nil {
		return err
	}
	if err := config.Bootstrap(ctx, cfg, store, sealer); err != nil {
		return err
	}

	var redisCli *redis.Client
	if cfg.Redis.Addr != "" {
		redisCli = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisCli.Close()
		if err := redisCli.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, fast tier and rate limiting degraded", "error", err)
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(promReg)

	var shutdownTracing func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err = telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
	}

	// Upstream adapters share one DNS-cached transport. Credentials are
	// tenant-owned; the registry unseals them per request.
	resolver := &dnscache.Resolver{}
	upstreamCli := provider.NewHTTPClient(resolver, cfg.Pipeline.UpstreamTimeout)
	registry := provider.NewRegistry(store, sealer)
	registry.Register(gateway.ProviderOpenAI, openai.New("", upstreamCli))
	registry.Register(gateway.ProviderAnthropic, anthropic.New("", upstreamCli))
	registry.Register(gateway.ProviderMistral, mistral.New("", upstreamCli))
	registry.Register(gateway.ProviderGroq, groq.New("", upstreamCli))

	responseCache := cache.New(redisCli, store, metrics, log, cfg.Cache.TTL, cfg.Cache.FastTTL)
	if !cfg.Cache.Enabled {
		responseCache.Bypass()
		log.Info("response cache disabled")
	}

	var limiter *ratelimit.Limiter
	if redisCli != nil {
		limiter, err = ratelimit.New(redisCli, store, metrics, log)
		if err != nil {
			return err
		}
	} else {
		log.Warn("no redis configured, rate limiting disabled")
	}

	ledger := worker.NewLedgerWriter(store, metrics, worker.LedgerConfig{
		BatchSize:     cfg.Ledger.BatchSize,
		FlushInterval: cfg.Ledger.FlushInterval,
		DrainDeadline: cfg.Ledger.DrainDeadline,
	})
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	pipeline := app.New(registry, responseCache, ledger, breakers, metrics, log, cfg.Pipeline.RequestTimeout)

	dispatcher := alert.NewDispatcher(nil, alert.SMTPConfig{
		Host:     cfg.Alerts.SMTP.Host,
		Port:     cfg.Alerts.SMTP.Port,
		Username: cfg.Alerts.SMTP.Username,
		Password: cfg.Alerts.SMTP.Password,
		From:     cfg.Alerts.SMTP.From,
	}, metrics, log)
	scheduler := alert.NewScheduler(store, dispatcher, cfg.Alerts.Interval, log)

	apiKeyAuth, err := auth.NewAPIKeyAuth(store, cfg.Auth.KeySalt)
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}

	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Pipeline:       pipeline,
		Limiter:        limiter,
		Store:          store,
		Sealer:         sealer,
		Cache:          responseCache,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runner := worker.NewRunner(ledger, scheduler)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	log.Info("cognitude ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-srvErr:
		stopWorkers()
		<-workerErr
		return err
	case err := <-workerErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers stop after the server so in-flight requests can still queue
	// ledger rows; the writer flushes its queues on the way out.
	stopWorkers()
	select {
	case err := <-workerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-time.After(cfg.Server.ShutdownTimeout):
		log.Warn("workers did not stop in time")
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}

	log.Info("cognitude stopped")
	return nil
}
