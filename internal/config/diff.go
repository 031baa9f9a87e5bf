package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pricewatch/pkg/logx"
)

// liveSections are applied without a restart.
var liveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never the database URL or metrics token), and the subset of
// changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	o, n := oldCfg.Database, newCfg.Database
	if o.Driver != n.Driver || o.URL != n.URL || o.Path != n.Path ||
		o.MaxConns != n.MaxConns || o.MinConns != n.MinConns || o.MaxConnIdleTime != n.MaxConnIdleTime ||
		o.PgBouncer != n.PgBouncer || o.Migrate != n.Migrate || o.BusyTimeout != n.BusyTimeout {
		changed = append(changed, "database")
		attrs = append(attrs,
			logx.String("database.driver", n.Driver),
			logx.Bool("database.url_changed", o.URL != n.URL),
			logx.Int("database.max_conns", int(n.MaxConns)),
			logx.Bool("database.pgbouncer", n.PgBouncer),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Listener, newCfg.Listener) {
		changed = append(changed, "listener")
		attrs = append(attrs,
			logx.Bool("listener.enabled", newCfg.Listener.IsEnabled()),
			logx.String("listener.channel", newCfg.Listener.Channel),
			logx.Int("listener.workers", newCfg.Listener.Workers),
			logx.Int("listener.queue_size", newCfg.Listener.QueueSize),
		)
	}

	if oldCfg.Processor != newCfg.Processor {
		changed = append(changed, "processor")
		attrs = append(attrs,
			logx.Int("processor.max_retries", newCfg.Processor.MaxRetries),
			logx.String("processor.dedup_window", newCfg.Processor.DedupWindow),
			logx.Int("processor.urgent_severity", newCfg.Processor.UrgentSeverity),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reconciler, newCfg.Reconciler) {
		changed = append(changed, "reconciler")
		attrs = append(attrs,
			logx.Bool("reconciler.enabled", newCfg.Reconciler.IsEnabled()),
			logx.String("reconciler.schedule", strings.TrimSpace(newCfg.Reconciler.Schedule)),
			logx.Int("reconciler.page_size", newCfg.Reconciler.PageSize),
		)
	}

	om, nm := oldCfg.Metrics, newCfg.Metrics
	if om.Enabled != nm.Enabled || om.Addr != nm.Addr || om.Path != nm.Path || om.Namespace != nm.Namespace ||
		om.AllowInsecure != nm.AllowInsecure || om.ReadTimeout != nm.ReadTimeout ||
		om.WriteTimeout != nm.WriteTimeout || om.IdleTimeout != nm.IdleTimeout ||
		om.Token != nm.Token || om.Pprof != nm.Pprof {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", nm.Addr),
			logx.Bool("metrics.token_set", nm.Token != ""),
		)
	}

	if oldCfg.ShutdownTimeout != newCfg.ShutdownTimeout {
		changed = append(changed, "shutdown_timeout")
		attrs = append(attrs, logx.String("shutdown_timeout", newCfg.ShutdownTimeout))
	}

	sort.Strings(changed)
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
