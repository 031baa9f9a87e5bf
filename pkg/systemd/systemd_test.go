package systemd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	var n Notifier
	assert.False(t, n.Ready("listening"))
	assert.False(t, n.Status("sweeping"))
	assert.False(t, n.Stopping())
	assert.Zero(t, WatchdogInterval())
	assert.NoError(t, n.RunWatchdog(context.Background(), nil))
}
