package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/model"
	"pricewatch/internal/store"
)

// gateHandler blocks every Handle call until release is closed.
type gateHandler struct {
	started chan uuid.UUID
	release chan struct{}

	mu   sync.Mutex
	done []uuid.UUID
}

func newGateHandler() *gateHandler {
	return &gateHandler{started: make(chan uuid.UUID, 64), release: make(chan struct{})}
}

func (h *gateHandler) Handle(ctx context.Context, id uuid.UUID) Outcome {
	h.started <- id
	select {
	case <-h.release:
	case <-ctx.Done():
		return OutcomeFailed
	}
	h.mu.Lock()
	h.done = append(h.done, id)
	h.mu.Unlock()
	return OutcomeProcessed
}

func (h *gateHandler) handled() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uuid.UUID(nil), h.done...)
}

type eventMap map[uuid.UUID]model.PriceEvent

func (m eventMap) GetEvent(_ context.Context, id uuid.UUID) (model.PriceEvent, error) {
	ev, ok := m[id]
	if !ok {
		return model.PriceEvent{}, store.ErrNotFound
	}
	return ev, nil
}

func TestDispatcherDrainsOnStop(t *testing.T) {
	t.Parallel()
	h := newGateHandler()
	close(h.release)
	d := NewDispatcher(DispatcherConfig{Workers: 2, QueueSize: 8}, h, nil, Deps{})
	d.Start(context.Background())

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		id := uuid.New()
		ids = append(ids, id)
		require.NoError(t, d.Enqueue(context.Background(), id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)
	assert.ElementsMatch(t, ids, h.handled())
	assert.ErrorIs(t, d.Enqueue(context.Background(), uuid.New()), ErrStopped)
}

func TestDispatcherRejectsBeforeStart(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(DispatcherConfig{}, newGateHandler(), nil, Deps{})
	assert.ErrorIs(t, d.Enqueue(context.Background(), uuid.New()), ErrStopped)
	d.Stop(context.Background())
}

func TestDispatcherBackpressure(t *testing.T) {
	t.Parallel()
	h := newGateHandler()
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1}, h, nil, Deps{})
	d.Start(context.Background())

	require.NoError(t, d.Enqueue(context.Background(), uuid.New()))
	<-h.started
	require.NoError(t, d.Enqueue(context.Background(), uuid.New()))
	assert.Equal(t, 1, d.Len())

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Enqueue(short, uuid.New()), context.DeadlineExceeded)

	close(h.release)
	ctx, cancelStop := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelStop()
	d.Stop(ctx)
	assert.Len(t, h.handled(), 2)
}

func TestDispatcherStopDeadlineAbandonsQueue(t *testing.T) {
	t.Parallel()
	h := newGateHandler()
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 4}, h, nil, Deps{})
	d.Start(context.Background())

	require.NoError(t, d.Enqueue(context.Background(), uuid.New()))
	<-h.started
	require.NoError(t, d.Enqueue(context.Background(), uuid.New()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Stop(ctx)
	assert.Empty(t, h.handled())
}

func TestDispatcherSkipsProcessedEvents(t *testing.T) {
	t.Parallel()
	h := newGateHandler()
	close(h.release)
	now := time.Now()
	done := model.PriceEvent{ID: uuid.New(), ProcessedAt: &now}
	pending := model.PriceEvent{ID: uuid.New()}
	missing := uuid.New()
	d := NewDispatcher(DispatcherConfig{Workers: 1}, h, eventMap{done.ID: done, pending.ID: pending}, Deps{})
	d.Start(context.Background())

	for _, id := range []uuid.UUID{done.ID, pending.ID, missing} {
		require.NoError(t, d.Enqueue(context.Background(), id))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)
	assert.ElementsMatch(t, []uuid.UUID{pending.ID, missing}, h.handled())
}

func TestDispatcherRestartsAfterStop(t *testing.T) {
	t.Parallel()
	h := newGateHandler()
	close(h.release)
	d := NewDispatcher(DispatcherConfig{Workers: 1}, h, nil, Deps{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d.Start(ctx)
	d.Stop(ctx)
	d.Start(ctx)
	id := uuid.New()
	require.NoError(t, d.Enqueue(ctx, id))
	d.Stop(ctx)
	assert.Equal(t, []uuid.UUID{id}, h.handled())
}
