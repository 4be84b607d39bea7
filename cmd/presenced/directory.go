package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/cloudtown/internal/config"
	"github.com/cory-johannsen/cloudtown/internal/directory"
	"github.com/cory-johannsen/cloudtown/internal/storage/postgres"
	"github.com/cory-johannsen/cloudtown/internal/storage/redis"
	"github.com/cory-johannsen/cloudtown/internal/storage/sqlite"
)

// userDirectory is the configured directory plus the function releasing
// every store behind it.
type userDirectory struct {
	dir     directory.UserDirectory
	closers []func()
}

func (u *userDirectory) close() {
	for i := len(u.closers) - 1; i >= 0; i-- {
		u.closers[i]()
	}
}

// openDirectory builds the backend selected by cfg.Directory.Backend and
// wraps it in the redis cache when enabled.
//
// Postcondition: Returns a usable directory or a non-nil error; on error every
// store opened so far has been closed.
func openDirectory(ctx context.Context, cfg config.Config, logger *zap.Logger) (*userDirectory, error) {
	out := &userDirectory{}

	switch cfg.Directory.Backend {
	case config.BackendMemory:
		out.dir = directory.NewMemory()
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		logger.Info("database connected", zap.String("host", cfg.Database.Host))
		if err := pool.Health(ctx, 5*time.Second); err != nil {
			pool.Close()
			return nil, fmt.Errorf("checking database: %w", err)
		}
		if err := pool.CheckSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		out.dir = postgres.NewUserRepository(pool.DB())
		out.closers = append(out.closers, pool.Close)
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.Directory.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		out.dir = store
		out.closers = append(out.closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing sqlite store", zap.Error(err))
			}
		})
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Directory.Backend)
	}

	if cfg.Redis.Enabled {
		cached, err := redis.New(ctx, cfg.Redis, out.dir, logger.Named("cache"))
		if err != nil {
			out.close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		out.dir = cached
		out.closers = append(out.closers, func() {
			if err := cached.Close(); err != nil {
				logger.Warn("closing redis client", zap.Error(err))
			}
		})
	}
	return out, nil
}
