package notifier

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/model"
	"pricewatch/internal/store"
	logx "pricewatch/pkg/logx"
)

// Outcome reports what a processing attempt did.
type Outcome int

const (
	// OutcomeProcessed: the event is now processed, with or without rows.
	OutcomeProcessed Outcome = iota + 1
	// OutcomeSkippedLocked: another worker holds the event's lock.
	OutcomeSkippedLocked
	// OutcomeSkippedAlreadyDone: processed_at was already set.
	OutcomeSkippedAlreadyDone
	// OutcomeFailed is returned by Handle only, after the failure was recorded.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkippedLocked:
		return "skipped_locked"
	case OutcomeSkippedAlreadyDone:
		return "skipped_already_done"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProcessorConfig tunes the processing pipeline.
type ProcessorConfig struct {
	MaxRetries     int
	DedupWindow    time.Duration
	UrgentSeverity int
}

// Processor runs the per-event transaction.
type Processor struct {
	store    store.Store
	matcher  Matcher
	dedup    Dedup
	builder  Builder
	failures *FailureHandler
	deps     Deps
	log      logx.Logger
}

func NewProcessor(cfg ProcessorConfig, st store.Store, deps Deps) *Processor {
	deps = deps.withDefaults()
	return &Processor{
		store:    st,
		dedup:    Dedup{Window: cfg.DedupWindow},
		builder:  Builder{UrgentSeverity: cfg.UrgentSeverity},
		failures: NewFailureHandler(cfg.MaxRetries, st, deps),
		deps:     deps,
		log:      deps.Log.With(logx.String("comp", "processor")),
	}
}

type processResult struct {
	outcome  Outcome
	lag      time.Duration
	created  int
	matched  int
	deduped  int
	severity int
}

// Process handles one event in one transaction. Any error rolls the whole
// transaction back; metrics and bus events are emitted only after commit.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) (Outcome, error) {
	start := p.deps.Now()
	var res processResult
	err := p.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res = processResult{}
		ok, err := tx.TryLockEvent(ctx, id)
		if err != nil {
			return fmt.Errorf("lock event: %w", err)
		}
		if !ok {
			res.outcome = OutcomeSkippedLocked
			return nil
		}

		ev, err := tx.GetEvent(ctx, id)
		if err != nil {
			return fmt.Errorf("load event: %w", err)
		}
		if ev.Processed() {
			res.outcome = OutcomeSkippedAlreadyDone
			return nil
		}
		res.lag = start.Sub(ev.CreatedAt)
		res.severity = ev.SeverityOr(defaultSeverity)

		subs, err := p.matcher.Match(ctx, tx, ev)
		if err != nil {
			return err
		}
		res.matched = len(subs)

		now := p.deps.Now()
		if len(subs) > 0 {
			rows, err := p.buildRows(ctx, tx, ev, subs, now)
			if err != nil {
				return err
			}
			res.deduped = len(subs) - len(rows)
			res.created, err = tx.InsertNotifications(ctx, rows)
			if err != nil {
				return err
			}
		}

		marked, err := tx.MarkProcessed(ctx, id, now)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		if !marked {
			return fmt.Errorf("mark processed: event %s changed under lock", id)
		}
		res.outcome = OutcomeProcessed
		return nil
	})
	if err != nil {
		return 0, err
	}

	switch res.outcome {
	case OutcomeProcessed:
		p.deps.Metrics.ObserveLag(res.lag)
		p.deps.Metrics.EventProcessed()
		p.deps.Metrics.NotificationsCreated(res.created)
		p.deps.Metrics.ObserveProcessing(p.deps.Now().Sub(start))
		p.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicProcessed, EventID: id, Data: res.created})
		p.log.Debug("event processed",
			logx.UUID("event_id", id),
			logx.Duration("lag", res.lag),
			logx.Int("severity", res.severity),
			logx.Int("matched", res.matched),
			logx.Int("deduped", res.deduped),
			logx.Int("created", res.created),
		)
	case OutcomeSkippedLocked:
		p.log.Debug("event locked by another worker", logx.UUID("event_id", id))
	case OutcomeSkippedAlreadyDone:
		p.log.Debug("event already processed", logx.UUID("event_id", id))
	}
	return res.outcome, nil
}

func (p *Processor) buildRows(ctx context.Context, tx store.Tx, ev model.PriceEvent, subs []model.Subscriber, now time.Time) ([]model.Notification, error) {
	title, body, err := p.builder.Build(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	rows := make([]model.Notification, 0, len(subs))
	for _, s := range subs {
		seen, err := p.dedup.SeenRecently(ctx, tx, s.UserID, ev.EventType, now)
		if err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if seen {
			continue
		}
		rows = append(rows, model.Notification{
			ID:        uuid.New(),
			UserID:    s.UserID,
			EventID:   ev.ID,
			EventType: ev.EventType,
			Title:     title,
			Body:      body,
			CreatedAt: now,
		})
	}
	return rows, nil
}

// Handle processes id and never returns an error: failures are recorded
// through the FailureHandler and reported as OutcomeFailed. A cancelled
// context is not a failure; the event stays for the next sweep.
func (p *Processor) Handle(ctx context.Context, id uuid.UUID) Outcome {
	out, err := p.processGuarded(ctx, id)
	if err == nil {
		return out
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		p.log.Info("processing interrupted by shutdown", logx.UUID("event_id", id))
		return OutcomeFailed
	}
	if _, ferr := p.failures.Handle(ctx, id, err); ferr != nil {
		p.log.Error("failed to record processing failure",
			logx.UUID("event_id", id), logx.Err(ferr), logx.String("cause", err.Error()))
	}
	return OutcomeFailed
}

// processGuarded turns a panic in Process into an error so a poison event
// still counts toward its retry budget.
func (p *Processor) processGuarded(ctx context.Context, id uuid.UUID) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while processing event",
				logx.UUID("event_id", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out, err = 0, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Process(ctx, id)
}
