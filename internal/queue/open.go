package queue

import (
	"context"
	"fmt"

	"github.com/austindbirch/harbor_sync/internal/config"
)

// Open returns the backend selected by cfg.Queue.Driver.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	opts := Options{BaseDelay: cfg.Dispatcher.BaseDelay, Lease: cfg.Queue.Lease}
	switch cfg.Queue.Driver {
	case "sqlite", "":
		return OpenSQLite(ctx, cfg.Queue.SQLitePath, opts)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN(), opts)
	case "redis":
		return OpenRedis(ctx, cfg.Queue.RedisAddr, cfg.Queue.RedisDB, cfg.Queue.RedisPrefix, opts)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}
