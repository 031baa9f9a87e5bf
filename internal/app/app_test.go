package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/config"
	"pricewatch/internal/model"
	"pricewatch/internal/store"
)

func noEnv(string) (string, bool) { return "", false }

func testConfigManager(t *testing.T, extra string) *config.ConfigManager {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`database:
  driver: sqlite
  path: %s
logging:
  level: error
reconciler:
  schedule: "@every 1h"
%s`, filepath.Join(dir, "worker.db"), extra)
	p := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	m := config.NewConfigManager(p)
	m.SetLookupEnv(noEnv)
	return m
}

func TestMapStoreConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Database: config.DatabaseConfig{
		Driver:    " Postgres ",
		URL:       "postgres://db/pricing",
		PgBouncer: true,
		MaxConns:  4,
	}}
	cfg.Defaults()
	sc := mapStoreConfig(cfg)
	assert.Equal(t, "postgres", sc.Driver)
	assert.True(t, sc.SimpleProtocol)
	assert.EqualValues(t, 4, sc.MaxConns)
	assert.Equal(t, 5*time.Minute, sc.MaxConnIdleTime)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)
}

func TestMapProcessorConfigKeepsZeroDedup(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Processor: config.ProcessorConfig{DedupWindow: "0s"}}
	cfg.Defaults()
	pc, err := mapProcessorConfig(cfg)
	require.NoError(t, err)
	assert.Zero(t, pc.DedupWindow)
	assert.Equal(t, 5, pc.MaxRetries)

	cfg.Processor.DedupWindow = ""
	cfg.Defaults()
	pc, err = mapProcessorConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, pc.DedupWindow)
}

func TestBootstrapRejectsBadStore(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "mongo"}, Logging: config.LoggingConfig{Level: "error"}}
	_, err := Bootstrap(context.Background(), cfg)
	assert.Error(t, err)
}

func TestAppSweepsBacklogOnStartup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, err := New(ctx, testConfigManager(t, "metrics:\n  enabled: true\n  addr: 127.0.0.1:0\n"))
	require.NoError(t, err)
	assert.Nil(t, a.listener, "sqlite has no live channel")

	seed, ok := a.Store.(store.Seeder)
	require.True(t, ok)
	vendor, user := uuid.New(), uuid.New()
	require.NoError(t, seed.PutVendor(ctx, vendor, "Acme"))
	require.NoError(t, seed.PutSubscription(ctx, model.Subscription{
		UserID: user, VendorID: vendor, EventType: model.EventPriceIncrease, MinSeverity: 1, Active: true,
	}))
	ev := model.PriceEvent{ID: uuid.New(), VendorID: vendor, EventType: model.EventPriceIncrease, Severity: model.Severity(4)}
	require.NoError(t, seed.InsertEvent(ctx, ev))

	require.NoError(t, a.Start(ctx))
	stopped := false
	defer func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopAppStop)
		}
	}()

	require.Eventually(t, func() bool {
		got, err := a.Store.GetEvent(ctx, ev.ID)
		return err == nil && got.Processed()
	}, 5*time.Second, 20*time.Millisecond)

	rows, err := a.Store.ListNotifications(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "⚠️ Major Price Update", rows[0].Title)

	addrCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addr, err := a.metricsSvc.Addr(addrCtx)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	_ = resp.Body.Close()
	assert.True(t, st.Healthy)
	assert.Equal(t, "sqlite", st.Driver)
	assert.Equal(t, "disabled", st.Listener)
	assert.EqualValues(t, 1, st.Metrics.Processed)

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "events_processed_total 1")

	resp, err = http.Get("http://" + addr + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancelStop := context.WithTimeout(ctx, 5*time.Second)
	defer cancelStop()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	stopped = true
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still running after Stop")
	}
	assert.ErrorIs(t, a.Store.Ping(ctx), store.ErrClosed)
}

func TestAppStopWithoutStartClosesStore(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), testConfigManager(t, ""))
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
	assert.Error(t, a.Store.Ping(context.Background()))
}

func TestStoreTargetValidator(t *testing.T) {
	t.Parallel()
	running := &config.Config{Database: config.DatabaseConfig{Driver: "sqlite", Path: "/var/lib/pw/worker.db"}}
	running.Defaults()
	validate := storeTargetValidator(running)

	same := &config.Config{
		Database: config.DatabaseConfig{Driver: " SQLite ", Path: "/var/lib/pw/worker.db", BusyTimeout: "9s"},
		Logging:  config.LoggingConfig{Level: "debug"},
	}
	same.Defaults()
	assert.NoError(t, validate(context.Background(), same))

	moved := &config.Config{Database: config.DatabaseConfig{Driver: "sqlite", Path: "/tmp/other.db"}}
	moved.Defaults()
	err := validate(context.Background(), moved)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")

	swapped := &config.Config{Database: config.DatabaseConfig{Driver: "postgres", URL: "postgres://db/pricing"}}
	swapped.Defaults()
	err = validate(context.Background(), swapped)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "database.url")
}

func TestAppRejectsReloadThatMovesStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfgm := testConfigManager(t, "")
	a, err := New(ctx, cfgm)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	dbPath := a.Config.Database.Path
	write := func(path, level string) {
		body := fmt.Sprintf("database:\n  driver: sqlite\n  path: %s\nlogging:\n  level: %s\nreconciler:\n  schedule: \"@every 1h\"\n", path, level)
		require.NoError(t, os.WriteFile(cfgm.Path(), []byte(body), 0o600))
	}

	// The watcher starts asynchronously; keep writing until it picks the file up.
	// Each write restarts the 250ms debounce, so the tick must be longer.
	require.Eventually(t, func() bool {
		if cfgm.Get().Logging.Level == "warn" {
			return true
		}
		write(dbPath, "warn")
		return false
	}, 10*time.Second, 500*time.Millisecond)

	write(filepath.Join(t.TempDir(), "elsewhere.db"), "debug")
	assert.Never(t, func() bool {
		return cfgm.Get().Logging.Level == "debug"
	}, time.Second, 50*time.Millisecond)
	assert.Equal(t, dbPath, cfgm.Get().Database.Path)

	write(dbPath, "info")
	assert.Eventually(t, func() bool {
		return cfgm.Get().Logging.Level == "info"
	}, 5*time.Second, 50*time.Millisecond)
}
