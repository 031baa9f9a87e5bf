package notifier

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"pricewatch/internal/model"
)

// SubscriptionReader is the slice of store.Tx the matcher needs.
type SubscriptionReader interface {
	ActiveSubscriptions(ctx context.Context, vendorID uuid.UUID, eventType string) ([]model.Subscription, error)
}

// Matcher selects the users who should hear about an event.
type Matcher struct{}

// Match returns one Subscriber per user whose active subscription covers
// the event's vendor and type and whose threshold the severity meets. An
// event without severity matches every threshold. Users are sorted by id.
func (Matcher) Match(ctx context.Context, q SubscriptionReader, ev model.PriceEvent) ([]model.Subscriber, error) {
	subs, err := q.ActiveSubscriptions(ctx, ev.VendorID, ev.EventType)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	byUser := make(map[uuid.UUID]int, len(subs))
	for _, s := range subs {
		if !s.Active || s.VendorID != ev.VendorID || s.EventType != ev.EventType {
			continue
		}
		if ev.Severity != nil && s.MinSeverity > *ev.Severity {
			continue
		}
		if cur, ok := byUser[s.UserID]; !ok || s.MinSeverity < cur {
			byUser[s.UserID] = s.MinSeverity
		}
	}

	out := make([]model.Subscriber, 0, len(byUser))
	for id, threshold := range byUser {
		out = append(out, model.Subscriber{UserID: id, MinSeverity: threshold})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].UserID[:], out[j].UserID[:]) < 0
	})
	return out, nil
}
