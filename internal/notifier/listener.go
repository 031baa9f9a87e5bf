package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pricewatch/internal/eventbus"
	rtsup "pricewatch/internal/runtime/supervisor"
	"pricewatch/internal/store"
	logx "pricewatch/pkg/logx"
	"pricewatch/pkg/systemd"
)

const DefaultChannel = "price_event_created"

// State is the listener lifecycle:
// Starting -> Listening <-> Dispatching -> Stopping -> Stopped.
// A dropped connection goes back to Starting until the source reconnects.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateDispatching
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateDispatching:
		return "dispatching"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source delivers event ids from a live channel. Listen calls onReady once
// subscribed and blocks until ctx ends or the connection fails.
type Source interface {
	Listen(ctx context.Context, onReady func(), onEvent func(uuid.UUID) error) error
}

// FeedSource adapts a store.Feed to Source for one channel.
type FeedSource struct {
	Feed    store.Feed
	Channel string
}

func (s FeedSource) Listen(ctx context.Context, onReady func(), onEvent func(uuid.UUID) error) error {
	ch := s.Channel
	if ch == "" {
		ch = DefaultChannel
	}
	return s.Feed.Listen(ctx, ch, onReady, onEvent)
}

// Enqueuer accepts ids for processing; Dispatcher implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
}

// ListenerConfig tunes reconnects.
type ListenerConfig struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Listener keeps a Source subscribed, reconnecting with backoff, and hands
// every id to the Enqueuer. onConnect runs after each (re)subscribe.
type Listener struct {
	src       Source
	out       Enqueuer
	onConnect func(ctx context.Context)
	cfg       ListenerConfig

	deps Deps
	log  logx.Logger
	sd   systemd.Notifier

	state     atomic.Int32
	connects  atomic.Int64
	readyOnce sync.Once

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func NewListener(cfg ListenerConfig, src Source, out Enqueuer, onConnect func(ctx context.Context), deps Deps) *Listener {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	deps = deps.withDefaults()
	log := deps.Log.With(logx.String("comp", "listener"))
	return &Listener{
		src:       src,
		out:       out,
		onConnect: onConnect,
		cfg:       cfg,
		deps:      deps,
		log:       log,
		sd:        systemd.Notifier{Log: log},
	}
}

func (l *Listener) State() State { return State(l.state.Load()) }

// Connects counts successful subscriptions, reconnects included.
func (l *Listener) Connects() int64 { return l.connects.Load() }

func (l *Listener) setState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	l.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicListener, Data: s.String()})
}

// Start subscribes in the background.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sup != nil {
		return
	}
	l.setState(StateStarting)
	l.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(l.log), rtsup.WithCancelOnError(false))
	l.sup.GoRestart("listen", l.listenOnce,
		rtsup.WithRestartBackoff(l.cfg.MinBackoff, l.cfg.MaxBackoff),
		rtsup.WithPublishFirstError(true),
	)
}

func (l *Listener) listenOnce(ctx context.Context) error {
	l.setState(StateStarting)
	err := l.src.Listen(ctx, func() { l.connected(ctx) }, func(id uuid.UUID) error {
		l.setState(StateDispatching)
		err := l.out.Enqueue(ctx, id)
		if l.State() == StateDispatching {
			l.setState(StateListening)
		}
		if errors.Is(err, ErrStopped) {
			return context.Canceled
		}
		return err
	})
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if l.State() != StateStopping {
		l.setState(StateStarting)
	}
	l.log.Warn("listener disconnected", logx.Err(err))
	if err == nil {
		err = errors.New("listen returned without error")
	}
	return err
}

func (l *Listener) connected(ctx context.Context) {
	n := l.connects.Add(1)
	l.setState(StateListening)
	l.log.Info("listener connected", logx.Int64("connects", n))
	l.readyOnce.Do(func() { l.sd.Ready("listening for price events") })

	if l.onConnect == nil {
		return
	}
	l.mu.Lock()
	sup := l.sup
	l.mu.Unlock()
	if sup == nil {
		go l.onConnect(ctx)
		return
	}
	sup.Go("listen.on_connect", func(c context.Context) error {
		l.onConnect(c)
		return nil
	})
}

// Stop unsubscribes and waits for the listen loop or for ctx.
func (l *Listener) Stop(ctx context.Context) {
	l.mu.Lock()
	sup := l.sup
	l.sup = nil
	l.mu.Unlock()
	if sup == nil {
		return
	}
	l.setState(StateStopping)
	l.sd.Stopping()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.log.Debug("listener stop", logx.Err(err))
	}
	l.setState(StateStopped)
	l.log.Info("listener stopped")
}
