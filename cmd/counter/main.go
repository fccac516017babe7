package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/shared-counter/internal/audit"
	"github.com/xela07ax/shared-counter/internal/counter"
	"github.com/xela07ax/shared-counter/internal/engine"
	"github.com/xela07ax/shared-counter/internal/infra"
	"github.com/xela07ax/shared-counter/internal/repository"
	"github.com/xela07ax/shared-counter/internal/repository/postgres"
	"github.com/xela07ax/shared-counter/internal/repository/redisstore"
	"github.com/xela07ax/shared-counter/internal/security"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// background goroutines stop with appCtx on SIGTERM
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. storage
	initCtx, initCancel := context.WithTimeout(appCtx, 10*time.Second)
	backend, err := repository.Open(initCtx, cfg, logger)
	initCancel()
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer backend.Close()

	// 2. metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. live stream: in-process for a single instance, via Redis otherwise
	stream := engine.NewBroadcaster(metrics, logger)
	var publisher counter.Publisher = stream
	if backend.Redis != nil {
		publisher = redisstore.NewPublisher(backend.Redis)
	}

	// 4. core
	counterRepo := engine.NewBreakerRepo(backend.Counters, cfg.Breaker, metrics, logger)
	store := counter.NewStore(cfg.Counter.Name, counterRepo, logger,
		counter.WithRetry(engine.CountConflicts(cfg.Counter.Retry, metrics, "counter")),
		counter.WithPublisher(publisher),
	)
	events := security.NewEventLog(backend.Events, cfg.Security.EventRetention, logger)
	gate := security.NewGate(cfg.Security, backend.States, events, logger,
		security.WithRetry(engine.CountConflicts(cfg.Counter.Retry, metrics, "client_state")),
	)

	opts := []engine.Option{}
	var trail *audit.Trail
	if cfg.Audit.Enabled {
		var sink audit.Sink = audit.Discard{}
		if backend.Pool != nil {
			sink = postgres.NewAuditRepo(backend.Pool)
		}
		trail = audit.NewTrail(sink, audit.Config{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, logger)
		trail.Start()
		opts = append(opts, engine.WithAuditor(trail))
	}
	if backend.Redis != nil {
		opts = append(opts, engine.WithBlockPublisher(redisstore.NewPublisher(backend.Redis)))
	}
	core := engine.NewCounterEngine(gate, store, metrics, logger, opts...)

	if backend.Redis != nil {
		go stream.RunRedis(appCtx, backend.Redis, core.GetCounterState)
	}

	// 5. metrics endpoint: own listener when configured, otherwise /metrics on the API
	var gatherer prometheus.Gatherer
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	} else {
		gatherer = reg
	}

	// 6. HTTP API
	limiter := rate.NewLimiter(rate.Limit(cfg.Ingress.RPS), cfg.Ingress.Burst)
	api := engine.NewHandler(core, stream, logger)

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     api.Routes(limiter, metrics, gatherer),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays unset: it would cut the SSE stream
		// streams end with appCtx, Shutdown alone does not close them
		BaseContext: func(net.Listener) context.Context { return appCtx },
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("counter engine started",
			zap.String("addr", srv.Addr),
			zap.String("storage", backend.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("counter engine stopping")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if trail != nil {
		trail.Stop()
		if n := trail.Dropped(); n > 0 {
			logger.Warn("audit records dropped", zap.Int64("count", n))
		}
	}
	logger.Info("counter engine exited properly")
}
