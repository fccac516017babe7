package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/console/handler"
	"github.com/xela07ax/shared-counter/internal/console/server"
	"github.com/xela07ax/shared-counter/internal/console/service"
	"github.com/xela07ax/shared-counter/internal/counter"
	"github.com/xela07ax/shared-counter/internal/engine"
	"github.com/xela07ax/shared-counter/internal/infra"
	"github.com/xela07ax/shared-counter/internal/infra/auth"
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

	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("console signing key", zap.Error(err))
	}

	// 1. storage, shared with the counter engine instances
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	backend, err := repository.Open(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer backend.Close()

	// 2. operator actions go through the same gate as the engine
	metrics := engine.NewMetrics(nil)
	events := security.NewEventLog(backend.Events, cfg.Security.EventRetention, logger)
	gate := security.NewGate(cfg.Security, backend.States, events, logger,
		security.WithRetry(cfg.Counter.Retry),
	)
	store := counter.NewStore(cfg.Counter.Name, backend.Counters, logger)

	var opts []engine.Option
	if backend.Redis != nil {
		opts = append(opts, engine.WithBlockPublisher(redisstore.NewPublisher(backend.Redis)))
	}
	core := engine.NewCounterEngine(gate, store, metrics, logger, opts...)

	// 3. operators: database first, then the config file
	operators := service.ChainOperators{}
	var auditLog service.AuditReader
	if backend.Pool != nil {
		operators = append(operators, postgres.NewOperatorRepo(backend.Pool))
		auditLog = postgres.NewAuditRepo(backend.Pool)
	}
	operators = append(operators, service.NewStaticOperators(cfg.Auth.Operators))

	authSvc := service.NewAuthService(operators, privateKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL, logger)
	clients := service.NewClientService(core, auditLog, logger)

	console := server.NewConsoleServer(logger, authSvc,
		handler.NewAuthHandler(authSvc),
		handler.NewClientHandler(clients),
		handler.NewSecurityHandler(clients),
		handler.NewAuditHandler(clients),
	)

	srv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      console,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("console API started",
			zap.String("addr", srv.Addr),
			zap.Int("static_operators", len(cfg.Auth.Operators)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console API exited properly")
}
