package app

import (
	"context"
	"fmt"

	"pricewatch/internal/config"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/metrics"
	"pricewatch/internal/notifier"
	"pricewatch/internal/store"
	logx "pricewatch/pkg/logx"
)

// Core is what every command needs: logging, the store, metrics sinks and
// the processing pipeline. The long-running worker adds intake and
// lifecycle on top of it (see App).
type Core struct {
	Config *config.Config

	Log  logx.Logger
	Logs *logx.Service

	Bus        eventbus.Bus
	Store      store.Store
	Prometheus *metrics.Prometheus
	Recorder   *metrics.Recorder

	// Deps are shared by every notifier component built on this Core.
	Deps notifier.Deps

	Processor  *notifier.Processor
	Reconciler *notifier.Reconciler
}

// Bootstrap opens the store and builds the pipeline from cfg. The caller
// owns the result and must Close it.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Core, error) {
	logs, root := logx.New(mapLogConfig(cfg))

	pcfg, err := mapProcessorConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	sc := mapStoreConfig(cfg)
	st, err := store.Open(ctx, sc, root.With(logx.String("comp", "store")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	prom := metrics.NewPrometheus(cfg.Metrics.Namespace)
	rec := &metrics.Recorder{}
	bus := eventbus.New()
	deps := notifier.Deps{
		Log:     root,
		Metrics: metrics.Tee(prom, rec),
		Bus:     bus,
	}

	proc := notifier.NewProcessor(pcfg, st, deps)
	recon := notifier.NewReconciler(mapReconcilerConfig(cfg), st, proc, deps)

	root.Debug("core ready",
		logx.String("driver", sc.Driver),
		logx.Int("max_retries", cfg.Processor.MaxRetries),
		logx.Duration("dedup_window", pcfg.DedupWindow),
	)
	return &Core{
		Config:     cfg,
		Log:        root,
		Logs:       logs,
		Bus:        bus,
		Store:      st,
		Prometheus: prom,
		Recorder:   rec,
		Deps:       deps,
		Processor:  proc,
		Reconciler: recon,
	}, nil
}

// Close releases the store and log file.
func (c *Core) Close() error {
	var err error
	if c.Store != nil {
		err = c.Store.Close()
	}
	if c.Logs != nil {
		_ = c.Logs.Close()
	}
	return err
}
