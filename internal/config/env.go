package config

import (
	"os"
	"strings"
)

// Environment overrides, applied after the file and before Defaults.
const (
	EnvConfigPath   = "PRICEWATCH_CONFIG"
	EnvDatabaseURL  = "DATABASE_URL"
	EnvStoreDriver  = "PRICEWATCH_STORE_DRIVER"
	EnvLogLevel     = "PRICEWATCH_LOG_LEVEL"
	EnvMetricsToken = "PRICEWATCH_METRICS_TOKEN"
)

// ApplyEnv overlays non-empty environment values on cfg. lookup defaults to
// os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvDatabaseURL); ok {
		cfg.Database.URL = v
	}
	if v, ok := get(EnvStoreDriver); ok {
		cfg.Database.Driver = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvMetricsToken); ok {
		cfg.Metrics.Token = v
	}
}
