package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := &Config{Database: DatabaseConfig{URL: "postgres://localhost/pricing"}}
	cfg.Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "price_event_created", cfg.Listener.Channel)
	assert.Equal(t, 10, cfg.Listener.Workers)
	assert.Equal(t, 256, cfg.Listener.QueueSize)
	assert.Equal(t, 5, cfg.Processor.MaxRetries)
	assert.Equal(t, "5m0s", cfg.Processor.DedupWindow)
	assert.Equal(t, 4, cfg.Processor.UrgentSeverity)
	assert.Equal(t, "@every 1m", cfg.Reconciler.Schedule)
	assert.Equal(t, 100, cfg.Reconciler.PageSize)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Addr)
	assert.Equal(t, 30*time.Second, Duration(cfg.ShutdownTimeout, 0))
	assert.True(t, cfg.Listener.IsEnabled())
	assert.True(t, cfg.Reconciler.IsEnabled())
}

func TestSQLiteDefaultsPath(t *testing.T) {
	t.Parallel()
	cfg := &Config{Database: DatabaseConfig{Driver: "sqlite"}}
	cfg.Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultSQLitePath, cfg.Database.Path)
	assert.True(t, cfg.Database.IsSQLite())
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &Config{
		Database:   DatabaseConfig{Driver: "mongo", MinConns: 5, MaxConns: 2},
		Logging:    LoggingConfig{Level: "loud"},
		Listener:   ListenerConfig{Enabled: &off, Workers: -1},
		Processor:  ProcessorConfig{MaxRetries: -1, DedupWindow: "soon"},
		Reconciler: ReconcilerConfig{Enabled: &off, Schedule: "whenever"},
	}
	cfg.Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown driver "mongo"`,
		"min_conns (5) exceeds max_conns (2)",
		`logging.level: unknown level "loud"`,
		"listener.workers",
		"processor.max_retries",
		"processor.dedup_window",
		"reconciler.schedule",
		"nothing would process events",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestPostgresRequiresURL(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	y, err := Decode("worker.yaml", []byte(`
database:
  driver: sqlite
  path: /tmp/pw.db
listener:
  enabled: false
processor:
  dedup_window: 0s
reconciler:
  schedule: "*/5 * * * *"
  rate_per_sec: 2.5
`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", y.Database.Driver)
	assert.False(t, y.Listener.IsEnabled())
	assert.Equal(t, "0s", y.Processor.DedupWindow)
	assert.Equal(t, 2.5, y.Reconciler.RatePerSec)

	j, err := Decode("worker.json", []byte(`{"metrics":{"enabled":true,"namespace":"pw"}}`))
	require.NoError(t, err)
	assert.True(t, j.Metrics.Enabled)
	assert.Equal(t, "pw", j.Metrics.Namespace)

	empty, err := Decode("worker.yml", nil)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, empty)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := Decode("worker.yaml", []byte("database:\n  drvier: sqlite\n"))
	assert.Error(t, err)
	_, err = Decode("worker.json", []byte(`{} {}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := &Config{Database: DatabaseConfig{URL: "postgres://file", Driver: "postgres"}}
	ApplyEnv(cfg, env(map[string]string{
		EnvDatabaseURL:  "postgres://env",
		EnvStoreDriver:  "sqlite",
		EnvLogLevel:     " debug ",
		EnvMetricsToken: "",
	}))
	assert.Equal(t, "postgres://env", cfg.Database.URL)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Empty(t, cfg.Metrics.Token)
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "worker.yaml", "database:\n  driver: sqlite\nlogging:\n  level: warn\n")
	m := NewConfigManager(p)
	m.SetLookupEnv(env(map[string]string{EnvLogLevel: "error"}))

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.Path)

	_, err = NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)
}

func TestManagerWithoutFile(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("")
	m.SetLookupEnv(env(map[string]string{EnvDatabaseURL: "postgres://db/pricing"}))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/pricing", cfg.Database.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.Watch(ctx))
}

func TestManagerReloadPublishes(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "worker.json", `{"database":{"driver":"sqlite"},"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	m.SetLookupEnv(env(nil))
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	m.reload(ctx)
	assert.Empty(t, ch, "unchanged content is not republished")

	require.NoError(t, os.WriteFile(p, []byte(`{"database":{"driver":"sqlite"},"logging":{"level":"debug"}}`), 0o600))
	m.reload(ctx)
	require.Len(t, ch, 1)
	assert.Equal(t, "debug", (<-ch).Logging.Level)

	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"shout"}}`), 0o600))
	m.reload(ctx)
	assert.Empty(t, ch)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestManagerWatchSeesWrite(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "worker.json", `{"database":{"driver":"sqlite"}}`)
	m := NewConfigManager(p)
	m.SetLookupEnv(env(nil))
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte(`{"database":{"driver":"sqlite"},"reconciler":{"page_size":7}}`), 0o600)
		select {
		case cfg := <-ch:
			return cfg.Reconciler.PageSize == 7
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Database: DatabaseConfig{URL: "postgres://a"}}
	oldCfg.Defaults()
	newCfg := *oldCfg
	newCfg.Logging.Level = "debug"

	changed, attrs, restart := SummarizeConfigChange(oldCfg, &newCfg)
	assert.Equal(t, []string{"logging"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Empty(t, restart)

	newCfg.Database.URL = "postgres://b"
	newCfg.Reconciler.PageSize = 50
	changed, _, restart = SummarizeConfigChange(oldCfg, &newCfg)
	assert.Equal(t, []string{"database", "logging", "reconciler"}, changed)
	assert.Equal(t, []string{"database", "reconciler"}, restart)

	changed, _, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
}

func TestLoggingFormat(t *testing.T) {
	t.Parallel()
	cfg := &Config{Database: DatabaseConfig{Driver: "sqlite"}, Logging: LoggingConfig{Format: "console"}}
	cfg.Defaults()
	require.NoError(t, cfg.Validate())

	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
}
