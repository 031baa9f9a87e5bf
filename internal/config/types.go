package config

import "strings"

// Config is the worker's configuration file. Every section is optional;
// Defaults fills whatever is omitted.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Logging    LoggingConfig    `json:"logging"`
	Listener   ListenerConfig   `json:"listener"`
	Processor  ProcessorConfig  `json:"processor"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Metrics    MetricsConfig    `json:"metrics"`

	// ShutdownTimeout bounds the drain of in-flight events on stop.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// DatabaseConfig selects the store driver.
//
// Example:
//
//	"database": { "driver": "postgres", "url": "postgres://worker@db/pricing", "pgbouncer": true }
type DatabaseConfig struct {
	Driver string `json:"driver,omitempty"` // postgres (default) | sqlite
	URL    string `json:"url,omitempty"`    // postgres DSN (do not log)
	Path   string `json:"path,omitempty"`   // sqlite file

	MaxConns        int32  `json:"max_conns,omitempty"`
	MinConns        int32  `json:"min_conns,omitempty"`
	MaxConnIdleTime string `json:"max_conn_idle_time,omitempty"`
	// PgBouncer switches pgx to the simple protocol (no server-side prepared
	// statements), required behind transaction-mode poolers.
	PgBouncer   bool   `json:"pgbouncer,omitempty"`
	Migrate     bool   `json:"migrate,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

func (d DatabaseConfig) IsSQLite() bool {
	switch strings.ToLower(strings.TrimSpace(d.Driver)) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}

type LoggingConfig struct {
	Level  string      `json:"level"`
	Format string      `json:"format,omitempty"` // json (default) | console
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ListenerConfig controls the live notification channel and the dispatch
// pool behind it. Enabled is a pointer so an omitted key means true.
type ListenerConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`

	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`
}

func (l ListenerConfig) IsEnabled() bool { return l.Enabled == nil || *l.Enabled }

// ProcessorConfig tunes event processing. DedupWindow "0s" disables the
// per-user dedup check.
type ProcessorConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`
	DedupWindow    string `json:"dedup_window,omitempty"`
	UrgentSeverity int    `json:"urgent_severity,omitempty"`
}

// ReconcilerConfig controls backlog sweeps. Schedule accepts a cron
// expression, a descriptor ("@every 1m") or a bare duration ("30s").
type ReconcilerConfig struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	Schedule   string  `json:"schedule,omitempty"`
	PageSize   int     `json:"page_size,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

func (r ReconcilerConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// MetricsConfig controls the Prometheus / health HTTP server.
//
// Security note:
//   - Prefer binding to localhost (the default).
//   - A non-loopback address needs a token or an explicit allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Path          string `json:"path,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/ behind the same token.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
