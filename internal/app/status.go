package app

import (
	"time"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/metrics"
	"pricewatch/internal/notifier"
	rtsup "pricewatch/internal/runtime/supervisor"
)

// Status is served as JSON on /healthz.
type Status struct {
	Healthy bool   `json:"healthy"`
	Uptime  string `json:"uptime"`
	Driver  string `json:"driver"`
	Error   string `json:"error,omitempty"`

	Listener  string           `json:"listener"`
	Connects  int64            `json:"connects"`
	QueueLen  int              `json:"queue_len"`
	LastSweep notifier.Stats   `json:"last_sweep"`
	Metrics   metrics.Snapshot `json:"metrics"`

	BusProcessed  int64     `json:"bus_processed"`
	BusFailed     int64     `json:"bus_failed"`
	BusDeadLetter int64     `json:"bus_dead_lettered"`
	BusDropped    uint64    `json:"bus_dropped"`
	LastEventAt   time.Time `json:"last_event_at,omitempty"`

	Tasks []rtsup.TaskStats `json:"tasks"`
}

func (a *App) Status() Status {
	st := Status{
		Healthy:    a.healthy(),
		Driver:     a.Config.Database.Driver,
		Listener:   "disabled",
		QueueLen:   a.dispatcher.Len(),
		LastSweep:  a.Reconciler.Last(),
		Metrics:    a.Recorder.Snapshot(),
		BusDropped: eventbus.Dropped(a.Bus),
		Tasks:      a.sup.Snapshot(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			st.Error = err.Error()
		}
	}
	if a.listener != nil {
		st.Listener = a.listener.State().String()
		st.Connects = a.listener.Connects()
	}

	a.lifecycle.mu.Lock()
	st.BusProcessed = a.lifecycle.processed
	st.BusFailed = a.lifecycle.failed
	st.BusDeadLetter = a.lifecycle.deadLettered
	st.LastEventAt = a.lifecycle.lastEventAt
	a.lifecycle.mu.Unlock()
	return st
}
