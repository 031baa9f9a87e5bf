package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/metrics"
	"pricewatch/internal/model"
	"pricewatch/internal/store"
	logx "pricewatch/pkg/logx"
)

type fixture struct {
	st   *store.SQLite
	rec  *metrics.Recorder
	bus  eventbus.Bus
	deps Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "notifier.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec := &metrics.Recorder{}
	bus := eventbus.New()
	return &fixture{
		st:   st,
		rec:  rec,
		bus:  bus,
		deps: Deps{Log: logx.Nop(), Metrics: rec, Bus: bus},
	}
}

func (f *fixture) vendor(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.st.PutVendor(context.Background(), id, name))
	return id
}

func (f *fixture) subscribe(t *testing.T, user, vendor uuid.UUID, eventType string, minSeverity int) {
	t.Helper()
	require.NoError(t, f.st.PutSubscription(context.Background(), model.Subscription{
		UserID:      user,
		VendorID:    vendor,
		EventType:   eventType,
		MinSeverity: minSeverity,
		Active:      true,
	}))
}

func (f *fixture) event(t *testing.T, vendor uuid.UUID, eventType string, sev *int, created time.Time) model.PriceEvent {
	t.Helper()
	ev := model.PriceEvent{
		ID:        uuid.New(),
		VendorID:  vendor,
		EventType: eventType,
		Severity:  sev,
		CreatedAt: created.Truncate(time.Millisecond).UTC(),
	}
	require.NoError(t, f.st.InsertEvent(context.Background(), ev))
	return ev
}

func (f *fixture) processor(st store.Store) *Processor {
	if st == nil {
		st = f.st
	}
	return NewProcessor(ProcessorConfig{DedupWindow: DefaultDedupWindow}, st, f.deps)
}

// hookStore rewrites the Tx handed to InTx callbacks.
type hookStore struct {
	store.Store
	wrap func(store.Tx) store.Tx
}

func (h hookStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return h.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, h.wrap(tx))
	})
}

// lockedTx behaves as if another worker holds every event lock.
type lockedTx struct{ store.Tx }

func (lockedTx) TryLockEvent(context.Context, uuid.UUID) (bool, error) { return false, nil }

var errSubsDown = errors.New("subscriptions unavailable")

type brokenSubsTx struct{ store.Tx }

func (brokenSubsTx) ActiveSubscriptions(context.Context, uuid.UUID, string) ([]model.Subscription, error) {
	return nil, errSubsDown
}

// panicTx blows up while matching subscribers.
type panicTx struct{ store.Tx }

func (panicTx) ActiveSubscriptions(context.Context, uuid.UUID, string) ([]model.Subscription, error) {
	panic("subscription decoder exploded")
}
