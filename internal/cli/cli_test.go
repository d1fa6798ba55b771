package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dashsync/internal/cachebridge"
	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/fakebackend"
	"github.com/ChuLiYu/dashsync/internal/storage/wal"
	"github.com/ChuLiYu/dashsync/internal/transport"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dashsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func testBatch(id string, messages ...string) types.LogBatch {
	b := types.LogBatch{ID: id, Producer: "node-1/s-1", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	for _, m := range messages {
		b.Entries = append(b.Entries, types.LogEntry{
			Level: types.LevelInfo, Message: m, NodeID: "node-1", SessionID: "s-1", Timestamp: b.CreatedAt,
		})
	}
	return b
}

// ============================================================================
// Commands
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "dashsync", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "resync", "cache"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestBuildCacheCommand(t *testing.T) {
	cmd := buildCacheCommand()

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.RunE)
	}
	assert.True(t, names["install"])
	assert.True(t, names["activate"])

	install := buildCacheInstallCommand()
	manifest := install.Flags().Lookup("manifest")
	require.NotNil(t, manifest)
	assert.Equal(t, "m", manifest.Shorthand)
	assert.NotNil(t, install.Flags().Lookup("activate"))
}

// ============================================================================
// Configuration
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: "http://backend.local:8080/"
  probe_grpc_addr: "backend.local:9000"
transport:
  connect_timeout: 3s
  backoff_base: 250ms
  backoff_max: 10s
  backoff_jitter: 0.5
  max_retries: 4
  queue_limit: 10
  channels: [wallet, nodes]
logs:
  min_level: warn
  batch_size: 20
  max_age: 2s
  idle_timeout: 30s
  dead_letter: "/tmp/dl.wal"
scheduler:
  interval: 500ms
  alerts:
    - name: payout
      at: 2024-06-01T09:00:00Z
      message: "Payout window"
      level: warn
cache:
  enabled: true
  generation: v7
  manifest: [/assets/app.js]
orchestrator:
  poll_interval: 15s
  snapshot_backups: 2
  log_window: 50
  fallback:
    wallet:
      balance: "0.00"
api:
  allowed_origins: ["https://dash.example"]
log:
  format: console
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://backend.local:8080", cfg.Backend.BaseURL)
	assert.Equal(t, "ws://backend.local:8080/ws", cfg.Backend.StreamURL)

	tc := cfg.transportConfig()
	assert.Equal(t, 3*time.Second, tc.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, tc.Backoff.Base)
	assert.Equal(t, 0.5, tc.Backoff.Jitter)
	assert.Equal(t, 4, tc.MaxRetries)
	assert.Equal(t, []types.Domain{types.DomainWallet, types.DomainNodes}, tc.Channels)

	_, isGRPC := cfg.prober().(transport.GRPCHealthProber)
	assert.True(t, isGRPC)

	lc := cfg.logBufferConfig()
	assert.Equal(t, types.LevelWarn, lc.MinLevel)
	assert.Equal(t, 20, lc.BatchSize)
	assert.Equal(t, 2*time.Second, lc.MaxAge)
	assert.Equal(t, 30*time.Second, lc.IdleTimeout)
	assert.Equal(t, "/tmp/dl.wal", cfg.Logs.DeadLetter)

	oc := cfg.orchestratorConfig()
	assert.Equal(t, 15*time.Second, oc.PollInterval)
	assert.Equal(t, 50, oc.LogWindow)
	require.Contains(t, oc.Fallback, types.DomainWallet)
	assert.JSONEq(t, `{"balance":"0.00"}`, string(oc.Fallback[types.DomainWallet]))
	require.Len(t, oc.Alerts, 1)
	assert.Equal(t, "payout", oc.Alerts[0].Name)
	assert.Equal(t, types.LevelWarn, oc.Alerts[0].Level)
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), oc.Alerts[0].At.UTC())

	assert.Equal(t, 2, cfg.Orchestrator.SnapshotBackups)
	cfg.Orchestrator.SnapshotPath = filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, cfg.snapshotManager(nil).Write(types.NewStateSnapshot()))
	require.NoError(t, cfg.snapshotManager(nil).Write(types.NewStateSnapshot()))
	backups, err := cfg.snapshotManager(nil).Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 1, "snapshot_backups reaches the snapshot manager")

	cc := cfg.cacheConfig()
	assert.Equal(t, "http://backend.local:8080", cc.Origin, "cache origin defaults to the backend")
	assert.Equal(t, "v7", cc.Generation)
	assert.Equal(t, cachebridge.Manifest{Generation: "v7", Paths: []string{"/assets/app.js"}}, cfg.manifest())

	assert.Equal(t, 500*time.Millisecond, cfg.schedulerConfig().Interval)
	assert.Equal(t, "console", cfg.envOptions().Format)
	assert.Equal(t, []string{"https://dash.example"}, cfg.apiConfig().AllowedOrigins)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: "https://backend.local"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://backend.local/ws", cfg.Backend.StreamURL)
	assert.Equal(t, types.AllDomains, cfg.transportConfig().Channels)
	assert.Equal(t, types.LevelInfo, cfg.logBufferConfig().MinLevel)
	assert.Equal(t, "data/deadletter.wal", cfg.Logs.DeadLetter)
	assert.Equal(t, "data/cache.db", cfg.Cache.DBPath)
	assert.Equal(t, "v1", cfg.Cache.Generation)
	assert.Equal(t, "data/snapshot.json", cfg.Orchestrator.SnapshotPath)
	assert.Equal(t, "127.0.0.1:8787", cfg.API.ListenAddress)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)

	probe, ok := cfg.prober().(transport.HTTPProber)
	require.True(t, ok)
	assert.Equal(t, "https://backend.local/healthz", probe.URL)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing base url", `log: {level: info}`},
		{"relative base url", `backend: {base_url: "backend.local"}`},
		{"http stream url", "backend: {base_url: \"http://b\", stream_url: \"http://b/ws\"}"},
		{"unknown channel", "backend: {base_url: \"http://b\"}\ntransport: {channels: [weather]}"},
		{"jitter out of range", "backend: {base_url: \"http://b\"}\ntransport: {backoff_jitter: 2}"},
		{"unknown log level", "backend: {base_url: \"http://b\"}\nlogs: {min_level: loud}"},
		{"alert without time", "backend: {base_url: \"http://b\"}\nscheduler: {alerts: [{name: a}]}"},
		{"alert without name", "backend: {base_url: \"http://b\"}\nscheduler: {alerts: [{at: 2024-01-01T00:00:00Z}]}"},
		{"relative manifest path", "backend: {base_url: \"http://b\"}\ncache: {manifest: [assets/app.js]}"},
		{"invalid fallback", "backend: {base_url: \"http://b\"}\norchestrator: {fallback: {wallet: {currency: DSC}}}"},
		{"unknown fallback domain", "backend: {base_url: \"http://b\"}\norchestrator: {fallback: {weather: {}}}"},
		{"bad log format", "backend: {base_url: \"http://b\"}\nlog: {format: xml}"},
		{"relative allowed origin", "backend: {base_url: \"http://b\"}\napi: {allowed_origins: [dash.example]}"},
		{"negative snapshot backups", "backend: {base_url: \"http://b\"}\norchestrator: {snapshot_backups: -1}"},
		{"bad metrics port", "backend: {base_url: \"http://b\"}\nmetrics: {port: 70000}"},
		{"not yaml", "backend: [unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := loadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestDefaultConfigFileIsValid(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.Cache.Enabled)
	assert.NotEmpty(t, cfg.Cache.Manifest)
	assert.Contains(t, cfg.orchestratorConfig().Fallback, types.DomainSovereignty)
}

// ============================================================================
// Redelivery
// ============================================================================

func openDeadLetters(t *testing.T, batches ...types.LogBatch) *wal.WAL {
	t.Helper()
	w, err := wal.Open(filepath.Join(t.TempDir(), "deadletter.wal"), wal.WithSync(false))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	for _, b := range batches {
		require.NoError(t, w.Store(b, wal.ReasonExhausted, fmt.Errorf("backend down")))
	}
	return w
}

func TestRedeliverEmpty(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	e := env.Real()
	w := openDeadLetters(t)

	res, err := redeliver(context.Background(), e.Log, w, transport.New(e, transport.Config{BaseURL: backend.URL()}))
	require.NoError(t, err)
	assert.Equal(t, resyncResult{}, res)
	assert.Empty(t, backend.Calls(), "nothing to deliver means no requests")
}

func TestRedeliverDeliversAndArchives(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	e := env.Real()
	w := openDeadLetters(t, testBatch("b1", "first", "second"), testBatch("b2", "third"))

	res, err := redeliver(context.Background(), e.Log, w, transport.New(e, transport.Config{BaseURL: backend.URL()}))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Records)
	assert.Equal(t, 2, res.Delivered)
	assert.Zero(t, res.Kept)
	assert.FileExists(t, res.Archive)

	var messages []string
	for _, entry := range backend.Logs() {
		messages = append(messages, entry.Message)
	}
	assert.Equal(t, []string{"first", "second", "third"}, messages, "write order is kept")

	n, err := w.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedeliverKeepsFailures(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.SetREST(false)
	e := env.Real()
	w := openDeadLetters(t, testBatch("b1", "first"), testBatch("b2", "second"))

	sink := transport.New(e, transport.Config{BaseURL: backend.URL(), RequestTimeout: time.Second})
	res, err := redeliver(context.Background(), e.Log, w, sink)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 2, res.Kept)

	var kept []wal.Record
	require.NoError(t, w.Replay(func(rec wal.Record) error {
		kept = append(kept, rec)
		return nil
	}))
	require.Len(t, kept, 2)
	assert.Equal(t, wal.ReasonExhausted, kept[0].Reason)
	b, err := kept[0].DecodeBatch()
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)

	backend.SetREST(true)
	res, err = redeliver(context.Background(), e.Log, w, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Len(t, backend.Logs(), 2)
}

func TestRedeliverMarksRejected(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.Reject(types.DomainLogs.RESTPath(), http.StatusUnprocessableEntity)
	e := env.Real()
	w := openDeadLetters(t, testBatch("b1", "bad"))

	res, err := redeliver(context.Background(), e.Log, w, transport.New(e, transport.Config{BaseURL: backend.URL()}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Kept)

	var reasons []wal.Reason
	require.NoError(t, w.Replay(func(rec wal.Record) error {
		reasons = append(reasons, rec.Reason)
		return nil
	}))
	assert.Equal(t, []wal.Reason{wal.ReasonRejected}, reasons)
}

func TestResyncCommand(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	dir := t.TempDir()
	deadLetter := filepath.Join(dir, "deadletter.wal")

	w, err := wal.Open(deadLetter)
	require.NoError(t, err)
	require.NoError(t, w.Store(testBatch("b1", "replayed"), wal.ReasonShutdown, nil))
	require.NoError(t, w.Close())

	path := writeConfig(t, fmt.Sprintf(`
backend:
  base_url: %q
logs:
  dead_letter: %q
`, backend.URL(), deadLetter))

	out, err := execute(t, "-c", path, "resync")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Redelivered 1 of 1 batches")
	require.Len(t, backend.Logs(), 1)
	assert.Equal(t, "replayed", backend.Logs()[0].Message)

	out, err = execute(t, "-c", path, "resync")
	require.NoError(t, err)
	assert.Contains(t, out, "No dead-lettered batches.")
}

// ============================================================================
// Cache commands
// ============================================================================

func assetOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/assets/app.js", "/assets/app.css":
			_, _ = w.Write([]byte("asset " + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCacheInstallAndActivate(t *testing.T) {
	origin := assetOrigin(t)
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	path := writeConfig(t, fmt.Sprintf(`
backend:
  base_url: %q
cache:
  enabled: true
  db_path: %q
  generation: v2
  manifest: [/assets/app.js, /assets/app.css]
`, origin.URL, dbPath))

	out, err := execute(t, "-c", path, "cache", "install", "--activate")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Installed 2 assets into generation v2")
	assert.Contains(t, out, "Generation v2 active")

	store, err := cachebridge.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer store.Close()
	entry, err := store.Get(context.Background(), "v2", "/assets/app.css")
	require.NoError(t, err)
	assert.Equal(t, "asset /assets/app.css", string(entry.Body))
}

func TestCacheInstallFailsOnMissingAsset(t *testing.T) {
	origin := assetOrigin(t)
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("generation: v3\npaths: [/assets/app.js, /assets/missing.js]\n"), 0o644))

	path := writeConfig(t, fmt.Sprintf(`
backend:
  base_url: %q
cache:
  db_path: %q
`, origin.URL, filepath.Join(dir, "cache.db")))

	out, err := execute(t, "-c", path, "cache", "install", "-m", manifest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/assets/missing.js")
	assert.NotContains(t, out, "Installed")
}

func TestCacheInstallNeedsPaths(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: "http://127.0.0.1:1"
`)
	_, err := execute(t, "-c", path, "cache", "install")
	assert.Error(t, err)
}

// ============================================================================
// Status
// ============================================================================

func TestStatusWithoutRunningClient(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
backend:
  base_url: "http://127.0.0.1:1"
logs:
  dead_letter: %q
orchestrator:
  snapshot_path: %q
api:
  enabled: true
  listen_address: "127.0.0.1:1"
`, filepath.Join(dir, "dl.wal"), filepath.Join(dir, "snapshot.json")))

	out, err := execute(t, "-c", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Dead Letters:  0 batches")
	assert.Contains(t, out, "Snapshot:      none")
	assert.Contains(t, out, "Asset Cache:   disabled")
	assert.Contains(t, out, "Client not running")
}

// ============================================================================
// App
// ============================================================================

func TestAppStartStop(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	dir := t.TempDir()

	path := writeConfig(t, fmt.Sprintf(`
backend:
  base_url: %q
logs:
  dead_letter: %q
cache:
  enabled: true
  db_path: %q
orchestrator:
  snapshot_path: %q
`, backend.URL(), filepath.Join(dir, "dl.wal"), filepath.Join(dir, "cache.db"), filepath.Join(dir, "snapshot.json")))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	app, err := NewApp(env.Real(), cfg)
	require.NoError(t, err)
	assert.Nil(t, app.API, "api disabled")
	assert.NotNil(t, app.Cache)

	require.NoError(t, app.Start(context.Background()))

	require.Eventually(t, func() bool {
		st, ok := app.Orchestrator.Domain(types.DomainWallet)
		return ok && st.Provenance == types.ProvenanceReal
	}, 5*time.Second, 20*time.Millisecond)

	st, _ := app.Orchestrator.Domain(types.DomainWallet)
	var wallet struct {
		Balance string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(st.Payload, &wallet))
	assert.Equal(t, "1200.50", wallet.Balance)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))
	assert.FileExists(t, filepath.Join(dir, "snapshot.json"))
}

func TestAppWarmStartWhileBackendDown(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	dir := t.TempDir()

	path := writeConfig(t, fmt.Sprintf(`
backend:
  base_url: %q
logs:
  dead_letter: %q
orchestrator:
  snapshot_path: %q
`, backend.URL(), filepath.Join(dir, "dl.wal"), filepath.Join(dir, "snapshot.json")))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	first, err := NewApp(env.Real(), cfg)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := first.Orchestrator.Domain(types.DomainNodes)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Stop(ctx))

	// the process "restarts" with no network
	backend.SetOnline(false)

	second, err := NewApp(env.Real(), cfg)
	require.NoError(t, err)
	require.NoError(t, second.Start(context.Background()))

	st, ok := second.Orchestrator.Domain(types.DomainNodes)
	require.True(t, ok, "state is restored before the first dial")
	assert.Equal(t, types.SourceRestored, st.Source)
	assert.Equal(t, types.ProvenanceReal, st.Provenance)
	assert.NotEqual(t, types.StateConnected, second.Orchestrator.ConnectionState())

	require.NoError(t, second.Stop(ctx))
}
