package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"pricewatch/internal/model"
	rtsup "pricewatch/internal/runtime/supervisor"
	"pricewatch/internal/store"
	logx "pricewatch/pkg/logx"
)

var ErrStopped = errors.New("dispatcher stopped")

const (
	DefaultWorkers   = 10
	DefaultQueueSize = 256
)

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// EventReader is used for the pre-dispatch processed check.
type EventReader interface {
	GetEvent(ctx context.Context, id uuid.UUID) (model.PriceEvent, error)
}

// Dispatcher is a bounded queue drained by a fixed pool of workers, each
// calling Handler.Handle. It is safe for concurrent use.
type Dispatcher struct {
	mu  sync.Mutex
	cfg DispatcherConfig

	handler Handler
	events  EventReader
	log     logx.Logger

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan uuid.UUID
	sup       *rtsup.Supervisor
	stopDone  chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, h Handler, events EventReader, deps Deps) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	deps = deps.withDefaults()
	return &Dispatcher{
		cfg:     cfg,
		handler: h,
		events:  events,
		log:     deps.Log.With(logx.String("comp", "dispatcher")),
	}
}

// Start launches the workers. It is a no-op while running.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan uuid.UUID, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := d.sup, d.queue, d.cfg.Workers
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("dispatch.%d", i), func(c context.Context) error {
			d.workerLoop(c, q)
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("dispatch worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	d.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_size", d.cfg.QueueSize))
}

// Enqueue hands id to the pool, blocking while the queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, id uuid.UUID) error {
	q, err := d.admit()
	if err != nil {
		return err
	}
	defer d.sendWG.Done()

	select {
	case q <- id:
		return nil
	default:
	}
	d.log.Debug("dispatch queue full; waiting", logx.UUID("event_id", id))
	select {
	case q <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) admit() (chan uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.accepting || d.queue == nil {
		return nil, ErrStopped
	}
	d.sendWG.Add(1)
	return d.queue, nil
}

// Len reports queued ids not yet picked up by a worker.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stop refuses new ids, then drains queued and in-flight work until ctx
// ends. Work still queued at the deadline is abandoned; those events stay
// unprocessed for the next sweep.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	q, sup := d.queue, d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		d.mu.Lock()
		d.queue = nil
		d.sup = nil
		d.stopDone = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
		d.log.Info("dispatcher drained")
	case <-ctx.Done():
		left := len(q)
		sup.Cancel()
		d.log.Warn("dispatcher stop deadline reached", logx.Int("abandoned", left))
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan uuid.UUID) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-q:
			if !ok {
				return
			}
			d.dispatch(ctx, id)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, id uuid.UUID) {
	if d.events != nil {
		ev, err := d.events.GetEvent(ctx, id)
		switch {
		case err == nil && ev.Processed():
			d.log.Debug("event already processed; skipping dispatch", logx.UUID("event_id", id))
			return
		case errors.Is(err, store.ErrNotFound):
			// Process records the missing row as a failure.
		case err != nil:
			d.log.Debug("pre-dispatch lookup failed", logx.UUID("event_id", id), logx.Err(err))
		}
	}
	d.handler.Handle(ctx, id)
}
