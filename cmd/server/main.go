package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/notifyhub/realtime-gateway/internal/api"
	"github.com/notifyhub/realtime-gateway/internal/auth"
	"github.com/notifyhub/realtime-gateway/internal/bridge"
	"github.com/notifyhub/realtime-gateway/internal/config"
	"github.com/notifyhub/realtime-gateway/internal/db"
	"github.com/notifyhub/realtime-gateway/internal/domain"
	"github.com/notifyhub/realtime-gateway/internal/metrics"
	"github.com/notifyhub/realtime-gateway/internal/provider"
	"github.com/notifyhub/realtime-gateway/internal/queue"
	"github.com/notifyhub/realtime-gateway/internal/ratelimiter"
	"github.com/notifyhub/realtime-gateway/internal/realtime"
	"github.com/notifyhub/realtime-gateway/internal/repository"
	"github.com/notifyhub/realtime-gateway/internal/service"
	"github.com/notifyhub/realtime-gateway/internal/worker"
)

func newLogger() *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if os.Getenv("APP_ENV") == config.ProfileDevelopment {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	logger := newLogger()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.String("profile", cfg.Profile),
		zap.Int("max_connections_per_user", cfg.MaxConnectionsPerUser))

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if cfg.MigrationsDir != "" {
		if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.JWTLeeway)
	if err != nil {
		logger.Fatal("failed to build token verifier", zap.Error(err))
	}

	registry := realtime.NewRegistry(realtime.RegistryConfig{
		MaxPerUser:        cfg.MaxConnectionsPerUser,
		EvictCloseCode:    cfg.EvictCloseCode,
		FanoutConcurrency: cfg.FanoutConcurrency,
	}, logger, m.RegistryHooks())

	wsHandler := realtime.NewHandler(realtime.HandlerConfig{
		WriteTimeout:    cfg.WSWriteTimeout,
		PongWait:        cfg.WSPongWait,
		PingInterval:    cfg.WSPingInterval,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		InboundRate:     cfg.WSInboundRate,
		InboundBurst:    cfg.WSInboundBurst,
	}, registry, verifier, logger)

	repo := repository.NewPgNotificationRepository(pool)
	contacts := repository.NewPgContactDirectory(pool)

	var email provider.EmailProvider
	if cfg.EmailWebhookURL != "" {
		email = provider.NewWebhookProvider(cfg.EmailWebhookURL, cfg.EmailTimeout)
	} else {
		logger.Info("EMAIL_WEBHOOK_URL not set, email delivery disabled")
	}

	// ---- dispatch worker ----
	dispatcher := worker.NewDispatcher(worker.Options{
		Queue:      queue.New(cfg.DispatchQueueSize),
		Live:       registry,
		Repo:       repo,
		Contacts:   contacts,
		Email:      email,
		Limiter:    ratelimiter.New(cfg.EmailRateLimit, domain.ChannelEmail),
		JobTimeout: cfg.DispatchJobTimeout,
		Logger:     logger,
		Hooks:      m.WorkerHooks(),
	})
	dispatcher.Start()

	svc := service.NewNotificationService(dispatcher, repo, contacts, logger)

	// Context for background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	statsW := worker.NewStatsWorker(registry, dispatcher, m.SetGauges, cfg.StatsInterval, logger)
	go statsW.Run(workerCtx)

	// ---- optional NATS ingestion ----
	var sub *bridge.Subscriber
	if cfg.NATSURL != "" {
		sub, err = bridge.Connect(bridge.Config{
			URL:     cfg.NATSURL,
			Name:    "realtime-gateway",
			Subject: cfg.NATSSubject,
			Queue:   cfg.NATSQueue,
		}, svc, logger)
		if err != nil {
			logger.Fatal("failed to connect to nats", zap.Error(err))
		}
		if err := sub.Start(); err != nil {
			logger.Fatal("failed to subscribe", zap.Error(err))
		}
	}

	// ---- HTTP server ----
	router := api.NewRouter(api.Deps{
		Service:  svc,
		Verifier: verifier,
		Realtime: wsHandler,
		Conns:    registry,
		Queue:    dispatcher,
		Gatherer: reg,
		Ping:     pool.Ping,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Stop accepting new HTTP requests. Upgraded sockets are not tracked
	//    by the server and stay open until step 4.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop taking jobs from the bus.
	if sub != nil {
		if err := sub.Close(); err != nil {
			logger.Error("nats shutdown error", zap.Error(err))
		}
	}

	// 3. Drain the dispatch queue while sockets are still open.
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("dispatch queue not fully drained", zap.Error(err))
	}
	cancelWorkers()

	// 4. Close every socket and wait for the connection goroutines.
	registry.Shutdown()
	wsHandler.Wait()

	logger.Info("server stopped cleanly")
}
