package config

import (
	"errors"
	"fmt"
	"strings"

	"pricewatch/internal/notifier"
	logx "pricewatch/pkg/logx"
)

const (
	DefaultDriver          = "postgres"
	DefaultSQLitePath      = "./pricewatch.db"
	DefaultMetricsAddr     = "127.0.0.1:9464"
	DefaultMetricsPath     = "/metrics"
	DefaultShutdownTimeout = "30s"
)

// Defaults fills omitted fields in place.
func (c *Config) Defaults() {
	d := &c.Database
	if strings.TrimSpace(d.Driver) == "" {
		d.Driver = DefaultDriver
	}
	if d.IsSQLite() && strings.TrimSpace(d.Path) == "" {
		d.Path = DefaultSQLitePath
	}
	if d.MaxConns == 0 {
		d.MaxConns = 10
	}
	if d.MaxConnIdleTime == "" {
		d.MaxConnIdleTime = "5m"
	}
	if d.BusyTimeout == "" {
		d.BusyTimeout = "5s"
	}

	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}

	l := &c.Listener
	if l.Channel == "" {
		l.Channel = notifier.DefaultChannel
	}
	if l.Workers == 0 {
		l.Workers = notifier.DefaultWorkers
	}
	if l.QueueSize == 0 {
		l.QueueSize = notifier.DefaultQueueSize
	}
	if l.ReconnectMin == "" {
		l.ReconnectMin = "1s"
	}
	if l.ReconnectMax == "" {
		l.ReconnectMax = "30s"
	}

	p := &c.Processor
	if p.MaxRetries == 0 {
		p.MaxRetries = notifier.DefaultMaxRetries
	}
	if p.DedupWindow == "" {
		p.DedupWindow = notifier.DefaultDedupWindow.String()
	}
	if p.UrgentSeverity == 0 {
		p.UrgentSeverity = notifier.DefaultUrgentSeverity
	}

	r := &c.Reconciler
	if strings.TrimSpace(r.Schedule) == "" {
		r.Schedule = notifier.DefaultSchedule
	}
	if r.PageSize == 0 {
		r.PageSize = notifier.DefaultPageSize
	}

	m := &c.Metrics
	if m.Addr == "" {
		m.Addr = DefaultMetricsAddr
	}
	if m.Path == "" {
		m.Path = DefaultMetricsPath
	}
	if m.ReadTimeout == "" {
		m.ReadTimeout = "5s"
	}
	if m.WriteTimeout == "" {
		m.WriteTimeout = "10s"
	}
	if m.IdleTimeout == "" {
		m.IdleTimeout = "60s"
	}

	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	d := c.Database
	switch strings.ToLower(strings.TrimSpace(d.Driver)) {
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(d.URL) == "" {
			bad("database.url: required for driver %q (or set DATABASE_URL)", d.Driver)
		}
	case "sqlite", "sqlite3":
		if strings.TrimSpace(d.Path) == "" {
			bad("database.path: required for driver %q", d.Driver)
		}
	default:
		bad("database.driver: unknown driver %q", d.Driver)
	}
	if d.MaxConns < 0 || d.MinConns < 0 {
		bad("database: connection limits must be >= 0")
	}
	if d.MaxConns > 0 && d.MinConns > d.MaxConns {
		bad("database.min_conns (%d) exceeds max_conns (%d)", d.MinConns, d.MaxConns)
	}
	dur("database.max_conn_idle_time", d.MaxConnIdleTime)
	dur("database.busy_timeout", d.BusyTimeout)

	if !logx.ValidLevel(c.Logging.Level) {
		bad("logging.level: unknown level %q", c.Logging.Level)
	}
	if !logx.ValidFormat(c.Logging.Format) {
		bad("logging.format: must be json or console, got %q", c.Logging.Format)
	}

	l := c.Listener
	if l.Workers < 1 || l.Workers > 1024 {
		bad("listener.workers: must be in [1, 1024], got %d", l.Workers)
	}
	if l.QueueSize < 1 || l.QueueSize > 1<<16 {
		bad("listener.queue_size: must be in [1, 65536], got %d", l.QueueSize)
	}
	if strings.TrimSpace(l.Channel) == "" {
		bad("listener.channel: must not be blank")
	}
	dur("listener.reconnect_min", l.ReconnectMin)
	dur("listener.reconnect_max", l.ReconnectMax)

	p := c.Processor
	if p.MaxRetries < 1 {
		bad("processor.max_retries: must be >= 1, got %d", p.MaxRetries)
	}
	if p.UrgentSeverity < 1 {
		bad("processor.urgent_severity: must be >= 1, got %d", p.UrgentSeverity)
	}
	dur("processor.dedup_window", p.DedupWindow)

	r := c.Reconciler
	if _, err := notifier.ParseSchedule(r.Schedule); err != nil {
		bad("reconciler.schedule: %w", err)
	}
	if r.PageSize < 1 || r.PageSize > 10000 {
		bad("reconciler.page_size: must be in [1, 10000], got %d", r.PageSize)
	}
	if r.RatePerSec < 0 {
		bad("reconciler.rate_per_sec: must be >= 0")
	}

	m := c.Metrics
	if m.Enabled && strings.TrimSpace(m.Addr) == "" {
		bad("metrics.addr: required when metrics are enabled")
	}
	dur("metrics.read_timeout", m.ReadTimeout)
	dur("metrics.write_timeout", m.WriteTimeout)
	dur("metrics.idle_timeout", m.IdleTimeout)

	dur("shutdown_timeout", c.ShutdownTimeout)

	if !c.Listener.IsEnabled() && !c.Reconciler.IsEnabled() {
		bad("listener and reconciler are both disabled; nothing would process events")
	}
	return errors.Join(errs...)
}
