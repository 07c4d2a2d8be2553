package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ent0n29/brigade/internal/config"
	"github.com/ent0n29/brigade/internal/dispatch"
	"github.com/ent0n29/brigade/internal/httpapi"
	"github.com/ent0n29/brigade/internal/journal"
	"github.com/ent0n29/brigade/internal/observability"
	"github.com/ent0n29/brigade/internal/registry"
	"github.com/ent0n29/brigade/internal/relay"
	"github.com/ent0n29/brigade/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	ctx := context.Background()
	orders, err := journal.NewStore(ctx, cfg.DatabaseURL, cfg.RedisAddr, cfg.JournalLimit)
	if err != nil {
		logger.Fatal("order journal init failed", zap.Error(err))
	}
	defer orders.Close()
	logger.Info("order journal ready", zap.String("mode", orders.Mode()))

	roster := registry.New(registry.Options{
		Strict:    cfg.RegistryStrict,
		Exclusive: cfg.ExclusiveStaff,
	})
	sessions := session.NewManager()
	sessions.SetChangeHook(func(active int) {
		metrics.Connections.Set(float64(active))
	})

	dispatcher := dispatch.New(roster, dispatch.Options{
		Selector: dispatch.NewRandomSelector(cfg.SelectionSeed),
		Relay:    relay.New(cfg.RelayStepTimeout),
		Journal:  orders,
		Metrics:  metrics,
		Logger:   logger,
		OnWithdraw: func(staffID string, sess session.Session) {
			if sessions.Close(sess.ID()) {
				logger.Info("closed withdrawn staff connection", zap.String("staff_id", staffID))
			}
		},
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Roster:     roster,
		Journal:    orders,
		Metrics:    metrics,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.Bool("strict_registry", cfg.RegistryStrict),
			zap.Bool("exclusive_staff", cfg.ExclusiveStaff),
			zap.Duration("relay_step_timeout", cfg.RelayStepTimeout),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight relays cancelled", zap.Error(err))
	}
	sessions.CloseAll()

	logger.Info("shutdown complete")
}
