package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pricewatch/internal/config"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/metrics"
	"pricewatch/internal/notifier"
	rtsup "pricewatch/internal/runtime/supervisor"
	"pricewatch/internal/store"
	logx "pricewatch/pkg/logx"
	"pricewatch/pkg/systemd"
)

// App is the long-running worker: live intake, scheduled sweeps, the
// metrics server and config hot reload around a Core.
type App struct {
	*Core

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	log  logx.Logger
	sd   systemd.Notifier

	dispatcher *notifier.Dispatcher
	listener   *notifier.Listener // nil without a live channel
	metricsSvc *metrics.Service

	startedAt time.Time
	stopOnce  sync.Once
	lifecycle lifecycleCounts
}

// New loads the config through cfgm and builds the worker.
func New(ctx context.Context, cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	core, err := Bootstrap(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log := core.Log.With(logx.String("comp", "app"))
	a := &App{
		Core: core,
		cfgm: cfgm,
		log:  log,
		sd:   systemd.Notifier{Log: log},
	}
	deps := core.Deps

	a.dispatcher = notifier.NewDispatcher(mapDispatcherConfig(cfg), core.Processor, core.Store, deps)

	feed, hasFeed := core.Store.(store.Feed)
	switch {
	case !cfg.Listener.IsEnabled():
		log.Info("listener disabled; relying on scheduled sweeps")
	case !hasFeed:
		log.Info("store has no live channel; relying on scheduled sweeps", logx.String("driver", cfg.Database.Driver))
	default:
		a.listener = notifier.NewListener(
			mapListenerConfig(cfg),
			notifier.FeedSource{Feed: feed, Channel: cfg.Listener.Channel},
			a.dispatcher,
			func(ctx context.Context) { core.Reconciler.RunOnce(ctx, "connect") },
			deps,
		)
	}

	a.metricsSvc = metrics.NewService(mapMetricsConfig(cfg), core.Prometheus.Handler(),
		core.Log.With(logx.String("comp", "metrics")),
		metrics.WithReadiness(core.Store),
		metrics.WithStatus(func() any { return a.Status() }),
	)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.Config
	a.startedAt = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.Log.With(logx.String("comp", "config")))
	// Validate before commit/publish so Get() never reports a store we are not using.
	a.cfgm.SetValidator(storeTargetValidator(cfg))

	// Workers outlive the run context so Stop can drain them.
	a.dispatcher.Start(context.WithoutCancel(ctx))

	if cfg.Reconciler.IsEnabled() {
		if err := a.Reconciler.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.listener != nil {
		// The first successful LISTEN triggers the startup sweep and READY=1.
		a.listener.Start(a.sup.Context())
	} else {
		a.sup.Go("reconcile.startup", func(c context.Context) error {
			a.Reconciler.RunOnce(c, "startup")
			return nil
		})
		a.sd.Ready("sweeping on schedule")
	}

	a.metricsSvc.Start(a.sup.Context())

	events, unsub := a.Bus.Subscribe(256)
	a.sup.Go("eventbus.watch", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.lifecycle.observe(e)
				a.log.Debug("event", logx.String("type", e.Type), logx.UUID("event_id", e.EventID))
			}
		}
	})

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		err := a.sd.RunWatchdog(c, a.healthy)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("worker started",
		logx.String("driver", cfg.Database.Driver),
		logx.Bool("listener", a.listener != nil),
		logx.Bool("reconciler", cfg.Reconciler.IsEnabled()),
		logx.Bool("metrics", cfg.Metrics.Enabled),
	)
	return nil
}

// reloadLoop applies logging changes live and flags everything else as
// needing a restart.
func (a *App) reloadLoop(c context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}

			sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.Logs.Apply(mapLogConfig(newCfg))

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if len(restart) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(restart, ",")))
			}
		}
	}
}

func (a *App) healthy() bool {
	if a.sup == nil || a.sup.Err() != nil {
		return false
	}
	if a.listener != nil && a.listener.State() == notifier.StateStopped {
		return false
	}
	return true
}

// Stop shuts down in dependency order: intake, sweeps, drain, servers,
// store. ctx bounds the whole shutdown; shutdown_timeout bounds the drain.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Core.Close()
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	drain := config.Duration(a.Config.ShutdownTimeout, 30*time.Second)

	if a.listener != nil {
		a.step(ctx, "listener", 2*time.Second, func(c context.Context) error { a.listener.Stop(c); return nil })
	}
	a.step(ctx, "reconciler", 2*time.Second, func(c context.Context) error { a.Reconciler.Stop(c); return nil })
	a.step(ctx, "dispatcher", drain, func(c context.Context) error { a.dispatcher.Stop(c); return nil })
	a.step(ctx, "metrics", 2*time.Second, func(c context.Context) error { a.metricsSvc.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	a.step(ctx, "store", time.Second, func(context.Context) error { return a.Store.Close() })

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.startedAt)))
	if a.Logs != nil {
		_ = a.Logs.Close()
	}
}

// step runs one shutdown step with an upper bound so a single component
// cannot stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// lifecycleCounts tallies bus events for /healthz.
type lifecycleCounts struct {
	mu           sync.Mutex
	processed    int64
	failed       int64
	deadLettered int64
	lastEventAt  time.Time
}

func (l *lifecycleCounts) observe(e eventbus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch e.Type {
	case eventbus.TopicProcessed:
		l.processed++
	case eventbus.TopicFailed:
		l.failed++
	case eventbus.TopicDeadLettered:
		l.deadLettered++
	default:
		return
	}
	l.lastEventAt = e.Time
}
