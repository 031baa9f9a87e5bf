package store

import (
	"context"
	"errors"
	"strings"

	logx "pricewatch/pkg/logx"
)

// Open initializes the configured driver. An empty driver means postgres.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "postgres", "postgresql", "pg":
		p, err := OpenPostgres(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "sqlite", "sqlite3":
		s, err := OpenSQLite(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}

