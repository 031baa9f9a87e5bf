// Package systemd reports service state to systemd over sd_notify.
//
// Every call is a no-op when the process was not started by systemd
// (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pricewatch/pkg/logx"
)

// Notifier sends lifecycle states. The zero value is usable.
type Notifier struct {
	Log logx.Logger
}

func (n Notifier) send(state string) bool {
	ok, err := daemon.SdNotify(false, state)
	if err != nil && !n.Log.IsZero() {
		n.Log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return ok
}

// Ready reports READY=1 with a human readable status line.
func (n Notifier) Ready(status string) bool {
	if status == "" {
		return n.send(daemon.SdNotifyReady)
	}
	return n.send(daemon.SdNotifyReady + "\nSTATUS=" + status)
}

// Stopping reports STOPPING=1.
func (n Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Reloading reports RELOADING=1.
func (n Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

// Status updates the STATUS= line shown by systemctl status.
func (n Notifier) Status(status string) bool { return n.send("STATUS=" + status) }

// WatchdogInterval returns half of the unit's WatchdogSec, or 0 when the
// watchdog is disabled for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings WATCHDOG=1 every interval while healthy returns true.
// It returns immediately when the watchdog is disabled.
func (n Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	every := WatchdogInterval()
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if healthy == nil || healthy() {
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	}
}
