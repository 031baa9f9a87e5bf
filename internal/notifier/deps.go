package notifier

import (
	"time"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/metrics"
	logx "pricewatch/pkg/logx"
)

// Deps are the collaborators shared by every notifier component.
// Zero fields are replaced with no-op implementations.
type Deps struct {
	Log     logx.Logger
	Metrics metrics.Sink
	Bus     eventbus.Bus
	Now     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}
