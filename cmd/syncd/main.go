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

	"timetable-sync/internal/authz"
	"timetable-sync/internal/config"
	"timetable-sync/internal/domain"
	"timetable-sync/internal/observability/logging"
	"timetable-sync/internal/observability/metrics"
	impl "timetable-sync/internal/service/impl"
	"timetable-sync/internal/store"
	httpx "timetable-sync/internal/transport/http"
	"timetable-sync/pkg/db"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "syncd",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)

	logger.Info("starting service")

	cfg := config.Load()
	metrics.MustRegister("syncd")

	gdb, err := db.OpenGorm(db.Config{DSN: cfg.DatabaseURL, LogSQL: cfg.LogSQL})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}
	if err := gdb.AutoMigrate(
		&domain.DeviceRegistration{},
		&domain.DeviceToken{},
		&domain.Resource{},
	); err != nil {
		logger.Error("migrate", "error", err)
		os.Exit(1)
	}

	st := store.New(gdb)

	devices := impl.NewDeviceServiceImpl(st, impl.DeviceConfig{
		PairingTTL: cfg.PairingTTL,
		TokenTTL:   cfg.DeviceTokenTTL,
		CodeLength: cfg.PairingCodeLength,
	})
	resources := impl.NewResourceServiceImpl(st)
	auth := authz.New(cfg.SessionSigningKey, cfg.SessionIssuer, devices)

	router := httpx.NewRouter(httpx.RouterConfig{
		Devices:     devices,
		Resources:   resources,
		Auth:        auth,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reap pairing codes that were never exchanged.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := devices.SweepExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("registration sweep failed", "error", err)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("sync gateway listening", "addr", srv.Addr, "issuer", cfg.SessionIssuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("stopped")
}
