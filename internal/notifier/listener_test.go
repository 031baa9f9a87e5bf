package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/eventbus"
)

// fakeSource fails the first failures calls, then delivers ids and blocks.
type fakeSource struct {
	ids      []uuid.UUID
	failures int32
	calls    atomic.Int32
}

func (s *fakeSource) Listen(ctx context.Context, onReady func(), onEvent func(uuid.UUID) error) error {
	if s.calls.Add(1) <= s.failures {
		return errors.New("connection reset")
	}
	onReady()
	for _, id := range s.ids {
		if err := onEvent(id); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.ids = append(e.ids, id)
	return nil
}

func (e *recordingEnqueuer) got() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uuid.UUID(nil), e.ids...)
}

func TestListenerReconnectsAndDispatches(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	states, unsub := bus.Subscribe(64)
	defer unsub()

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	src := &fakeSource{ids: ids, failures: 2}
	out := &recordingEnqueuer{}
	var reconciles atomic.Int32
	l := NewListener(ListenerConfig{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, src, out,
		func(context.Context) { reconciles.Add(1) }, Deps{Bus: bus})

	assert.Equal(t, StateStarting, l.State())
	l.Start(context.Background())

	require.Eventually(t, func() bool { return len(out.got()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ids, out.got())
	require.Eventually(t, func() bool { return reconciles.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateListening, l.State())
	assert.EqualValues(t, 1, l.Connects())
	assert.EqualValues(t, 3, src.calls.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l.Stop(ctx)
	assert.Equal(t, StateStopped, l.State())

	var seen []string
	for len(states) > 0 {
		e := <-states
		if e.Type == eventbus.TopicListener {
			seen = append(seen, e.Data.(string))
		}
	}
	assert.Contains(t, seen, "listening")
	assert.Contains(t, seen, "dispatching")
	assert.Equal(t, []string{"stopping", "stopped"}, seen[len(seen)-2:])
}

func TestListenerStopsCleanlyWhenDispatcherStopped(t *testing.T) {
	t.Parallel()
	src := &fakeSource{ids: []uuid.UUID{uuid.New()}}
	l := NewListener(ListenerConfig{}, src, &recordingEnqueuer{err: ErrStopped}, nil, Deps{})
	l.Start(context.Background())

	require.Eventually(t, func() bool { return src.calls.Load() == 1 && l.State() != StateDispatching }, time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l.Stop(ctx)
	assert.EqualValues(t, 1, src.calls.Load())
	assert.Equal(t, StateStopped, l.State())
}

func TestListenerStopWithoutStart(t *testing.T) {
	t.Parallel()
	l := NewListener(ListenerConfig{}, &fakeSource{}, &recordingEnqueuer{}, nil, Deps{})
	l.Stop(context.Background())
	assert.Equal(t, StateStarting, l.State())
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(99).String())
}
