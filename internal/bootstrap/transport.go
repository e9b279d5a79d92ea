// Package bootstrap builds the shared runtime pieces the commands need from
// a loaded config.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/dimitrije/nikode-collab/internal/config"
	"github.com/dimitrije/nikode-collab/internal/database"
	"github.com/dimitrije/nikode-collab/internal/filesync"
	"github.com/dimitrije/nikode-collab/internal/hub"
	"github.com/dimitrije/nikode-collab/internal/services"
	"github.com/dimitrije/nikode-collab/internal/transport"
	"github.com/dimitrije/nikode-collab/internal/transport/redisbus"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// NewTransport returns the transport selected by cfg.Transport and a func
// that releases it.
func NewTransport(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (transport.Transport, func(), error) {
	switch cfg.Transport {
	case config.TransportRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		bus, err := redisbus.New(ctx, client, redisbus.Options{
			Prefix: cfg.RedisPrefix,
			Logger: log,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return bus, func() {
			if err := bus.Close(); err != nil {
				log.WithError(err).Warn("Redis bus close failed")
			}
			_ = client.Close()
		}, nil
	case config.TransportLocal:
		h := hub.NewHub(log)
		return h, h.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// NewStore opens Postgres when cfg.DatabaseURL is set and runs migrations.
// Without a URL files live in memory for the life of the process.
func NewStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (filesync.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, files are kept in memory")
		return filesync.NewMemoryStore(), func() {}, nil
	}

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return services.NewFileStore(db), db.Close, nil
}
