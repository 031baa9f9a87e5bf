package notifier

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const DefaultDedupWindow = 5 * time.Minute

// NotificationHistory is the slice of store.Tx the dedup filter needs.
type NotificationHistory interface {
	NotifiedSince(ctx context.Context, userID uuid.UUID, eventType string, since time.Time) (bool, error)
}

// Dedup suppresses a notification when the user already got one for the
// same event type within Window. A zero Window disables it.
//
// The check reads committed rows only; two events racing for the same user
// can both pass. The (user_id, event_id) constraint is what prevents
// duplicates for a single event.
type Dedup struct {
	Window time.Duration
}

func (d Dedup) SeenRecently(ctx context.Context, q NotificationHistory, userID uuid.UUID, eventType string, now time.Time) (bool, error) {
	if d.Window <= 0 {
		return false, nil
	}
	return q.NotifiedSince(ctx, userID, eventType, now.Add(-d.Window))
}
