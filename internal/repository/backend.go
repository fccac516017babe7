// Package repository picks the storage driver named in the config and hands
// out the repositories the counter engine and the console share.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/counter"
	"github.com/xela07ax/shared-counter/internal/infra"
	"github.com/xela07ax/shared-counter/internal/repository/memory"
	"github.com/xela07ax/shared-counter/internal/repository/postgres"
	"github.com/xela07ax/shared-counter/internal/repository/redisstore"
	"github.com/xela07ax/shared-counter/internal/security"
)

type Backend struct {
	Driver   string
	Counters counter.Repository
	States   security.StateRepository
	Events   security.EventRepository

	// Redis is set for the redis driver and whenever redis.addr is configured;
	// it carries the cross-instance channels.
	Redis redis.UniversalClient
	// Pool is set for the postgres driver only.
	Pool *pgxpool.Pool
}

// Open connects the configured driver. Postgres gets its schema applied.
func Open(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*Backend, error) {
	b := &Backend{Driver: cfg.Storage.Driver}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			if cfg.Storage.Driver == infra.DriverRedis {
				return nil, fmt.Errorf("redis unreachable: %w", err)
			}
			logger.Warn("redis unreachable, running without cross-instance channels", zap.Error(err))
		} else {
			b.Redis = rdb
		}
	}

	switch cfg.Storage.Driver {
	case infra.DriverMemory:
		b.Counters = memory.NewCounterRepo()
		b.States = memory.NewStateRepo()
		b.Events = memory.NewEventRepo()

	case infra.DriverRedis:
		b.Counters = redisstore.NewCounterRepo(b.Redis)
		b.States = redisstore.NewStateRepo(b.Redis, cfg.Storage.ClientStateTTL)
		b.Events = redisstore.NewEventRepo(b.Redis, cfg.Security.EventRetention, logger)

	case infra.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			b.Close()
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			b.Close()
			return nil, err
		}
		b.Pool = pool
		b.Counters = postgres.NewCounterRepo(pool)
		b.States = postgres.NewStateRepo(pool)
		b.Events = postgres.NewEventRepo(pool)

	default:
		b.Close()
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	logger.Info("storage ready",
		zap.String("driver", b.Driver),
		zap.Bool("redis_channels", b.Redis != nil))
	return b, nil
}

func (b *Backend) Close() {
	if b.Pool != nil {
		b.Pool.Close()
	}
	if b.Redis != nil {
		_ = b.Redis.Close()
	}
}
