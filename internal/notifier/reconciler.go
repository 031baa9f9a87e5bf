package notifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"pricewatch/internal/store"
	logx "pricewatch/pkg/logx"
)

const DefaultPageSize = 100

// Handler processes one event id and reports the outcome.
type Handler interface {
	Handle(ctx context.Context, id uuid.UUID) Outcome
}

// ReconcilerConfig tunes backlog sweeps.
type ReconcilerConfig struct {
	// Schedule is parsed by ParseSchedule. Empty means DefaultSchedule.
	Schedule string
	PageSize int
	// RatePerSec throttles events handled per second; 0 disables it.
	RatePerSec float64
}

// Stats summarizes one sweep.
type Stats struct {
	Backlog       int           `json:"backlog"`
	Passes        int           `json:"passes"`
	Processed     int           `json:"processed"`
	SkippedLocked int           `json:"skipped_locked"`
	SkippedDone   int           `json:"skipped_done"`
	Failed        int           `json:"failed"`
	Took          time.Duration `json:"took"`
}

func (s Stats) Handled() int { return s.Processed + s.SkippedLocked + s.SkippedDone + s.Failed }

// Reconciler sweeps unprocessed events oldest first. Each sweep walks the
// backlog once with a (created_at, id) cursor, so an event is attempted at
// most once per sweep and the sweep always ends.
type Reconciler struct {
	store   store.Store
	handler Handler
	cfg     ReconcilerConfig
	limiter *rate.Limiter
	deps    Deps
	log     logx.Logger

	runMu   sync.Mutex
	pending atomic.Bool

	mu   sync.Mutex
	cron *cron.Cron
	last Stats
}

func NewReconciler(cfg ReconcilerConfig, st store.Store, h Handler, deps Deps) *Reconciler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	deps = deps.withDefaults()
	r := &Reconciler{
		store:   st,
		handler: h,
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.With(logx.String("comp", "reconciler")),
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return r
}

// Run performs one sweep. It returns early only on context cancellation or
// a store error while counting or listing.
func (r *Reconciler) Run(ctx context.Context) (st Stats, err error) {
	start := r.deps.Now()
	defer func() { st.Took = r.deps.Now().Sub(start) }()

	cursor := store.Cursor{}
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		n, err := r.store.CountUnprocessed(ctx)
		if err != nil {
			return st, fmt.Errorf("count backlog: %w", err)
		}
		r.deps.Metrics.SetBacklog(n)
		if st.Passes == 0 {
			st.Backlog = n
		}
		if n == 0 {
			return st, nil
		}

		page, err := r.store.ListUnprocessed(ctx, cursor, r.cfg.PageSize)
		if err != nil {
			return st, fmt.Errorf("list backlog: %w", err)
		}
		if len(page) == 0 {
			return st, nil
		}
		st.Passes++

		for _, ev := range page {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return st, err
				}
			}
			switch r.handler.Handle(ctx, ev.ID) {
			case OutcomeProcessed:
				st.Processed++
			case OutcomeSkippedLocked:
				st.SkippedLocked++
			case OutcomeSkippedAlreadyDone:
				st.SkippedDone++
			default:
				st.Failed++
			}
			cursor = store.After(ev)
		}
		if len(page) < r.cfg.PageSize {
			// Short page: the sweep reached the end. Count once more for the gauge.
			if n, err := r.store.CountUnprocessed(ctx); err == nil {
				r.deps.Metrics.SetBacklog(n)
			}
			return st, nil
		}
	}
}

// RunOnce runs a sweep unless one is in progress. A request that arrives
// during a sweep is remembered and served by one extra sweep afterwards.
func (r *Reconciler) RunOnce(ctx context.Context, reason string) {
	if !r.runMu.TryLock() {
		r.pending.Store(true)
		r.log.Debug("sweep already running; queued", logx.String("reason", reason))
		return
	}
	defer r.runMu.Unlock()
	for {
		r.pending.Store(false)
		st, err := r.Run(ctx)
		r.mu.Lock()
		r.last = st
		r.mu.Unlock()

		fields := []logx.Field{
			logx.String("reason", reason),
			logx.Int("backlog", st.Backlog),
			logx.Int("passes", st.Passes),
			logx.Int("processed", st.Processed),
			logx.Int("skipped_locked", st.SkippedLocked),
			logx.Int("skipped_done", st.SkippedDone),
			logx.Int("failed", st.Failed),
			logx.Duration("took", st.Took),
		}
		switch {
		case err != nil && ctx.Err() != nil:
			r.log.Info("sweep interrupted", fields...)
			return
		case err != nil:
			r.log.Warn("sweep failed", append(fields, logx.Err(err))...)
		case st.Handled() > 0:
			r.log.Info("sweep finished", fields...)
		default:
			r.log.Debug("sweep finished", fields...)
		}
		if !r.pending.Load() || ctx.Err() != nil {
			return
		}
		reason = "queued"
	}
}

// Last returns the stats of the most recent sweep.
func (r *Reconciler) Last() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start schedules sweeps until Stop. Overlapping ticks are skipped.
func (r *Reconciler) Start(ctx context.Context) error {
	sched, err := ParseSchedule(r.cfg.Schedule)
	if err != nil {
		return err
	}
	sched, spread := withStartupSpread(sched, r.deps.Now())

	cl := cronLogger{log: r.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(sched, cron.FuncJob(func() { r.RunOnce(ctx, "schedule") }))

	r.mu.Lock()
	if r.cron != nil {
		r.mu.Unlock()
		return nil
	}
	r.cron = c
	r.mu.Unlock()

	c.Start()
	r.log.Info("reconciler scheduled",
		logx.String("schedule", r.cfg.Schedule),
		logx.Duration("first_run_spread", spread),
		logx.Int("page_size", r.cfg.PageSize),
	)
	return nil
}

// Stop halts the schedule and waits for a running sweep or for ctx.
func (r *Reconciler) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
