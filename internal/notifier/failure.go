package notifier

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/model"
	"pricewatch/internal/store"
	logx "pricewatch/pkg/logx"
)

const (
	DefaultMaxRetries = 5
	maxErrorBytes     = 2000
)

// FailureResult describes what the failure handler recorded.
type FailureResult struct {
	// Recorded is false when the event was missing or already terminal.
	Recorded     bool
	RetryCount   int
	DeadLettered bool
}

// FailureHandler records processing errors on the event row and
// quarantines events that reach the retry limit.
type FailureHandler struct {
	store      store.Store
	maxRetries int
	deps       Deps
	log        logx.Logger
}

func NewFailureHandler(maxRetries int, st store.Store, deps Deps) *FailureHandler {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	deps = deps.withDefaults()
	return &FailureHandler{
		store:      st,
		maxRetries: maxRetries,
		deps:       deps,
		log:        deps.Log.With(logx.String("comp", "failures")),
	}
}

// Handle increments retry_count in its own transaction. At the retry limit
// it writes the dead letter and marks the event processed and failed.
func (f *FailureHandler) Handle(ctx context.Context, id uuid.UUID, cause error) (FailureResult, error) {
	msg := truncateError(cause.Error())
	f.deps.Metrics.EventFailed()

	var res FailureResult
	err := f.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res = FailureResult{}
		ev, ok, err := tx.IncrementRetry(ctx, id, msg)
		if err != nil {
			return fmt.Errorf("increment retry: %w", err)
		}
		if !ok {
			return nil
		}
		res.Recorded = true
		res.RetryCount = ev.RetryCount
		if ev.RetryCount < f.maxRetries {
			return nil
		}

		now := f.deps.Now()
		if _, err := tx.InsertDeadLetter(ctx, model.DeadLetterEvent{
			ID:            ev.ID,
			OriginalEvent: ev,
			Error:         msg,
			RecordedAt:    now,
		}); err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		if err := tx.MarkFailed(ctx, id, now, msg); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		res.DeadLettered = true
		return nil
	})
	if err != nil {
		return FailureResult{}, err
	}

	switch {
	case !res.Recorded:
		f.log.Warn("event processing failed; event missing or already terminal",
			logx.UUID("event_id", id), logx.String("err", msg))
	case res.DeadLettered:
		f.deps.Metrics.EventDeadLettered()
		f.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicDeadLettered, EventID: id, Data: msg})
		f.log.Error("event dead-lettered",
			logx.UUID("event_id", id), logx.Int("retry_count", res.RetryCount), logx.String("err", msg))
	default:
		f.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicFailed, EventID: id, Data: res.RetryCount})
		f.log.Warn("event processing failed",
			logx.UUID("event_id", id), logx.Int("retry_count", res.RetryCount), logx.String("err", msg))
	}
	return res, nil
}

// truncateError caps s at maxErrorBytes without splitting a rune.
func truncateError(s string) string {
	if len(s) <= maxErrorBytes {
		return s
	}
	s = s[:maxErrorBytes]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
