package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"pricewatch/internal/config"
	"pricewatch/internal/store"
	logx "pricewatch/pkg/logx"
)

func mapStoreConfig(cfg *config.Config) store.Config {
	d := cfg.Database
	return store.Config{
		Driver:          strings.ToLower(strings.TrimSpace(d.Driver)),
		URL:             strings.TrimSpace(d.URL),
		Path:            strings.TrimSpace(d.Path),
		MaxConns:        d.MaxConns,
		MinConns:        d.MinConns,
		MaxConnIdleTime: config.Duration(d.MaxConnIdleTime, 5*time.Minute),
		SimpleProtocol:  d.PgBouncer,
		BusyTimeout:     config.Duration(d.BusyTimeout, 5*time.Second),
		Migrate:         d.Migrate,
	}
}

// storeTargetValidator rejects reloads that point the worker at another
// database. The store is opened once, so such an edit could never apply.
func storeTargetValidator(running *config.Config) func(context.Context, *config.Config) error {
	cur := mapStoreConfig(running)
	return func(_ context.Context, next *config.Config) error {
		nxt := mapStoreConfig(next)
		var errs []error
		if nxt.Driver != cur.Driver {
			errs = append(errs, errors.New("database.driver cannot change while running"))
		}
		if nxt.URL != cur.URL {
			errs = append(errs, errors.New("database.url cannot change while running"))
		}
		if nxt.Path != cur.Path {
			errs = append(errs, errors.New("database.path cannot change while running"))
		}
		return errors.Join(errs...)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
