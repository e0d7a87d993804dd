package storage

import (
	"context"
	"errors"
	"strings"

	logx "dispatchd/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log.With(logx.String("comp", "storage.sqlite")))
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log.With(logx.String("comp", "storage.postgres")))
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
