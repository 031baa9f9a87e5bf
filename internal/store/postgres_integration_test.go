package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/model"
	logx "pricewatch/pkg/logx"
)

func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set (integration test)")
	}
	p, err := OpenPostgres(context.Background(), Config{URL: dbURL, Migrate: true}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPostgresAdvisoryLockExcludesSecondTx(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()
	id := uuid.New()

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.InTx(ctx, func(ctx context.Context, tx Tx) error {
			ok, err := tx.TryLockEvent(ctx, id)
			assert.NoError(t, err)
			assert.True(t, ok)
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked
	require.NoError(t, p.InTx(ctx, func(ctx context.Context, tx Tx) error {
		ok, err := tx.TryLockEvent(ctx, id)
		assert.False(t, ok)
		return err
	}))
	close(release)
	wg.Wait()

	require.NoError(t, p.InTx(ctx, func(ctx context.Context, tx Tx) error {
		ok, err := tx.TryLockEvent(ctx, id)
		assert.True(t, ok)
		return err
	}))
}

func TestPostgresNotificationConflictIsNoop(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()

	ev := model.PriceEvent{ID: uuid.New(), VendorID: uuid.New(), EventType: model.EventPriceUpdate, CreatedAt: time.Now()}
	require.NoError(t, p.InsertEvent(ctx, ev))
	user := uuid.New()

	insert := func() int {
		var n int
		require.NoError(t, p.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			n, err = tx.InsertNotifications(ctx, []model.Notification{{
				ID: uuid.New(), UserID: user, EventID: ev.ID, EventType: ev.EventType,
				Title: "Price Update", Body: "A vendor updated their pricing.", CreatedAt: time.Now(),
			}})
			return err
		}))
		return n
	}
	assert.Equal(t, 1, insert())
	assert.Equal(t, 0, insert())

	rows, err := p.ListNotifications(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPostgresListenDeliversTriggerPayload(t *testing.T) {
	p := openTestPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ev := model.PriceEvent{ID: uuid.New(), VendorID: uuid.New(), EventType: model.EventPriceIncrease, Severity: model.Severity(4)}
	ready := make(chan struct{})
	got := make(chan uuid.UUID, 1)
	go func() {
		_ = p.Listen(ctx, "price_event_created", func() { close(ready) }, func(id uuid.UUID) error {
			if id == ev.ID {
				got <- id
			}
			return nil
		})
	}()
	<-ready

	require.NoError(t, p.InsertEvent(ctx, ev))

	select {
	case id := <-got:
		assert.Equal(t, ev.ID, id)
	case <-ctx.Done():
		t.Fatal("no notification received")
	}
}
