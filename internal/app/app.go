// Package app wires configuration into a ready API server.
package app

import (
	"context"
	"fmt"
	"time"

	"pixelrelay/internal/api"
	"pixelrelay/internal/api/handlers"
	"pixelrelay/internal/config"
	"pixelrelay/internal/database"
	"pixelrelay/internal/install"
	"pixelrelay/internal/lock"
	"pixelrelay/internal/logger"
	"pixelrelay/internal/metrics"
	"pixelrelay/internal/services/shopify"
	"pixelrelay/internal/stream"
)

type App struct {
	Server  *api.Server
	closers []func() error
}

// Build opens the database, the install lock backend and the event stream
// writer, and assembles the HTTP server on top of them.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics.Register()

	a := &App{}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	locker, err := newLocker(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	if rl, ok := locker.(*lock.RedisLocker); ok {
		a.closers = append(a.closers, rl.Close)
	}

	publisher := stream.NewKafkaPublisher(cfg.KafkaBrokerList(), cfg.KafkaTopic)
	a.closers = append(a.closers, publisher.Close)

	installer := install.New(install.Options{
		AppURL:   cfg.ShopifyAppURL,
		Locker:   locker,
		Recorder: db,
		Attempts: cfg.InstallAttempts,
		Backoff:  cfg.InstallBackoff,
		LockTTL:  cfg.InstallLockTTL,
		Logger:   log,
	})

	a.Server = api.New(cfg, log, api.Deps{
		DB:        db,
		Auth:      shopify.NewOAuthService(cfg, log),
		Installer: installer,
		Clients:   handlers.NewClientFactory(cfg, log),
		Publisher: publisher,
	})
	return a, nil
}

// Close releases everything Build opened, newest first.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

func newLocker(ctx context.Context, cfg *config.Config, log *logger.Logger) (lock.Locker, error) {
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL not set, install locks are per process")
		return lock.NewLocalLocker(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rl, err := lock.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connecting install lock backend: %w", err)
	}
	return rl, nil
}
