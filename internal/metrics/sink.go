// Package metrics carries the worker's counters and gauges.
//
// Components receive a Sink; nothing in the worker touches a global registry.
// The Prometheus sink backs the HTTP Service, Nop is for callers that do not
// care, and Recorder keeps plain numbers for tests and one-shot CLI runs.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

type Sink interface {
	EventProcessed()
	EventFailed()
	EventDeadLettered()
	NotificationsCreated(n int)
	ObserveProcessing(d time.Duration)
	ObserveLag(d time.Duration)
	SetBacklog(n int)
}

// Nop returns a Sink that discards everything.
func Nop() Sink { return nopSink{} }

type nopSink struct{}

func (nopSink) EventProcessed()                 {}
func (nopSink) EventFailed()                    {}
func (nopSink) EventDeadLettered()              {}
func (nopSink) NotificationsCreated(int)        {}
func (nopSink) ObserveProcessing(time.Duration) {}
func (nopSink) ObserveLag(time.Duration)        {}
func (nopSink) SetBacklog(int)                  {}

// Recorder is an in-memory Sink. The zero value is ready to use.
type Recorder struct {
	processed     atomic.Int64
	failed        atomic.Int64
	deadLettered  atomic.Int64
	notifications atomic.Int64
	backlog       atomic.Int64

	mu         sync.Mutex
	processing []time.Duration
	lags       []time.Duration
}

func (r *Recorder) EventProcessed()            { r.processed.Add(1) }
func (r *Recorder) EventFailed()               { r.failed.Add(1) }
func (r *Recorder) EventDeadLettered()         { r.deadLettered.Add(1) }
func (r *Recorder) NotificationsCreated(n int) { r.notifications.Add(int64(n)) }
func (r *Recorder) SetBacklog(n int)           { r.backlog.Store(int64(n)) }

func (r *Recorder) ObserveProcessing(d time.Duration) {
	r.mu.Lock()
	r.processing = append(r.processing, d)
	r.mu.Unlock()
}

func (r *Recorder) ObserveLag(d time.Duration) {
	r.mu.Lock()
	r.lags = append(r.lags, d)
	r.mu.Unlock()
}

// Snapshot is a point-in-time copy of a Recorder.
type Snapshot struct {
	Processed     int64 `json:"events_processed"`
	Failed        int64 `json:"events_failed"`
	DeadLettered  int64 `json:"events_dead_lettered"`
	Notifications int64 `json:"notifications_created"`
	Backlog       int64 `json:"backlog"`

	ProcessingObservations int             `json:"processing_observations"`
	Lags                   []time.Duration `json:"-"`
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	lags := append([]time.Duration(nil), r.lags...)
	nproc := len(r.processing)
	r.mu.Unlock()
	return Snapshot{
		Processed:              r.processed.Load(),
		Failed:                 r.failed.Load(),
		DeadLettered:           r.deadLettered.Load(),
		Notifications:          r.notifications.Load(),
		Backlog:                r.backlog.Load(),
		ProcessingObservations: nproc,
		Lags:                   lags,
	}
}

// Tee fans every call out to all sinks.
func Tee(sinks ...Sink) Sink {
	out := make(teeSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type teeSink []Sink

func (t teeSink) EventProcessed() {
	for _, s := range t {
		s.EventProcessed()
	}
}

func (t teeSink) EventFailed() {
	for _, s := range t {
		s.EventFailed()
	}
}

func (t teeSink) EventDeadLettered() {
	for _, s := range t {
		s.EventDeadLettered()
	}
}

func (t teeSink) NotificationsCreated(n int) {
	for _, s := range t {
		s.NotificationsCreated(n)
	}
}

func (t teeSink) ObserveProcessing(d time.Duration) {
	for _, s := range t {
		s.ObserveProcessing(d)
	}
}

func (t teeSink) ObserveLag(d time.Duration) {
	for _, s := range t {
		s.ObserveLag(d)
	}
}

func (t teeSink) SetBacklog(n int) {
	for _, s := range t {
		s.SetBacklog(n)
	}
}
