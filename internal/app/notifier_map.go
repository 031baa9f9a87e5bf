package app

import (
	"time"

	"pricewatch/internal/config"
	"pricewatch/internal/metrics"
	"pricewatch/internal/notifier"
)

func mapProcessorConfig(cfg *config.Config) (notifier.ProcessorConfig, error) {
	// "0s" disables dedup, so the zero value is not replaced by a default here.
	window, err := config.ParseDurationField("processor.dedup_window", cfg.Processor.DedupWindow)
	if err != nil {
		return notifier.ProcessorConfig{}, err
	}
	return notifier.ProcessorConfig{
		MaxRetries:     cfg.Processor.MaxRetries,
		DedupWindow:    window,
		UrgentSeverity: cfg.Processor.UrgentSeverity,
	}, nil
}

func mapReconcilerConfig(cfg *config.Config) notifier.ReconcilerConfig {
	return notifier.ReconcilerConfig{
		Schedule:   cfg.Reconciler.Schedule,
		PageSize:   cfg.Reconciler.PageSize,
		RatePerSec: cfg.Reconciler.RatePerSec,
	}
}

func mapDispatcherConfig(cfg *config.Config) notifier.DispatcherConfig {
	return notifier.DispatcherConfig{
		Workers:   cfg.Listener.Workers,
		QueueSize: cfg.Listener.QueueSize,
	}
}

func mapListenerConfig(cfg *config.Config) notifier.ListenerConfig {
	return notifier.ListenerConfig{
		MinBackoff: config.Duration(cfg.Listener.ReconnectMin, time.Second),
		MaxBackoff: config.Duration(cfg.Listener.ReconnectMax, 30*time.Second),
	}
}

func mapMetricsConfig(cfg *config.Config) metrics.ServiceConfig {
	m := cfg.Metrics
	return metrics.ServiceConfig{
		Enabled:       m.Enabled,
		Addr:          m.Addr,
		Path:          m.Path,
		Token:         m.Token,
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
		ReadTimeout:   config.Duration(m.ReadTimeout, 5*time.Second),
		WriteTimeout:  config.Duration(m.WriteTimeout, 10*time.Second),
		IdleTimeout:   config.Duration(m.IdleTimeout, 60*time.Second),
	}
}
