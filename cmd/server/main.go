package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"gudangops/backend/internal/config"
	"gudangops/backend/internal/httpapi"
	"gudangops/backend/internal/inflight"
	"gudangops/backend/internal/notify"
	"gudangops/backend/internal/reconcile"
	"gudangops/backend/internal/service"
	"gudangops/backend/internal/store"
	"gudangops/backend/internal/store/memory"
	pgstore "gudangops/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.WithError(err).Fatal("apply schema")
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	guard, closeGuard := buildGuard(ctx, cfg, logger)
	if closeGuard != nil {
		closers = append(closers, closeGuard)
	}

	sinks := notify.Multi{notify.NewLogSink(logger), notify.NewAuditSink(repo)}
	if cfg.PubSubProjectID != "" {
		pubsubSink, err := notify.NewPubSubSink(ctx, cfg.PubSubProjectID, cfg.PubSubTopic, cfg.PubSubCredentialsJSON)
		if err != nil {
			logger.WithError(err).Warn("pubsub unavailable, events stay local")
		} else {
			sinks = append(sinks, pubsubSink)
			closers = append(closers, pubsubSink.Close)
			logger.WithField("topic", cfg.PubSubTopic).Info("events: pubsub")
		}
	}
	dispatcher := notify.NewDispatcher(sinks, cfg.NotifyQueueSize, logger)

	workflow := reconcile.New(repo, reconcile.Options{
		Guard:    guard,
		Emitter:  dispatcher,
		Logger:   logger,
		GuardTTL: time.Duration(cfg.InflightTTLSeconds) * time.Second,
	})
	svc := service.New(repo, workflow, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("reconciliation backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	drainCtx := shutdownCtx
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
		// handlers may still be running; their events are dropped after Close
		var drainCancel context.CancelFunc
		drainCtx, drainCancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer drainCancel()
	}
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.WithError(err).Warn("event queue not drained")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

// buildGuard prefers a Redis-backed guard so replicas share in-flight claims,
// falling back to a process-local guard when Redis is absent or unreachable.
func buildGuard(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (inflight.Guard, func() error) {
	if cfg.RedisAddr == "" {
		logger.Info("inflight guard: local")
		return inflight.NewLocalGuard(), nil
	}

	redisGuard := inflight.NewRedisGuard(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err := redisGuard.Ping(ctx); err != nil {
		logger.WithError(err).Warn("redis unavailable, using local inflight guard")
		_ = redisGuard.Close()
		return inflight.NewLocalGuard(), nil
	}
	logger.Info("inflight guard: redis")
	return redisGuard, redisGuard.Close
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "" {
		return fmt.Errorf("ALLOWED_ORIGIN must be set")
	}
	if cfg.InflightTTLSeconds < 1 {
		return fmt.Errorf("INFLIGHT_TTL_SECONDS must be positive")
	}
	return nil
}
