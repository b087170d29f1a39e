package cli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/extask-gateway/internal/config"
	"github.com/ChuLiYu/extask-gateway/internal/devengine"
)

func testConfig(t *testing.T, engineURL string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
engine:
  base_url: %s
  max_tasks: 2
  lock_duration: 30s
  poll_interval: 20ms
gateway:
  listen: "127.0.0.1:0"
  health_listen: "127.0.0.1:0"
integrations:
  - id: tribunal
    base_url: http://127.0.0.1:1
    login_url: http://127.0.0.1:1/login
    identity: robo
    secret: s3cr3t-value
topics:
  - name: consultar-processo
    integration: tribunal
    path: /processos/{numero}
metrics:
  enabled: false
devengine:
  listen: "127.0.0.1:0"
  sweep_interval: 10ms
`, engineURL)))
	require.NoError(t, err)
	return cfg
}

// runUntilCancelled runs fn, cancels it after d and returns its error.
func runUntilCancelled(t *testing.T, d time.Duration, fn func(ctx context.Context) error) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	time.Sleep(d)
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("command did not stop after cancellation")
		return nil
	}
}

// ============================================================================
// Command Tree Tests
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "extask", cmd.Use, "Root command should be 'extask'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
		assert.NotNil(t, c.RunE, "%s should have RunE", c.Use)
	}
	for _, name := range []string{"worker", "gateway", "devengine", "enqueue", "status"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildEnqueueCommand(t *testing.T) {
	cmd := buildEnqueueCommand()

	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand, "Should have -f shorthand")
	assert.NotNil(t, cmd.Flags().Lookup("engine"), "Should have --engine flag")
}

func TestBuildWorkerCommand(t *testing.T) {
	cmd := buildWorkerCommand()

	assert.Equal(t, "worker", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("worker-id"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

// ============================================================================
// enqueue / status Tests
// ============================================================================

func TestEnqueueTasks(t *testing.T) {
	eng := devengine.New(nil)
	srv := httptest.NewServer(devengine.NewRouter(eng, nil))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"topic": "consultar-processo", "variables": {"numero": "0001"}},
		{"topic": "consultar-processo", "variables": {"numero": "0002"}, "retries": 1}
	]`), 0o600))

	var out bytes.Buffer
	require.NoError(t, enqueueTasks(context.Background(), path, srv.URL, &out))

	assert.Equal(t, 2, eng.Stats().Pending)
	assert.Contains(t, out.String(), "2 tasks enqueued")
}

func TestEnqueueTasks_Errors(t *testing.T) {
	var out bytes.Buffer

	err := enqueueTasks(context.Background(), "/nonexistent/tasks.json", "http://127.0.0.1:1", &out)
	assert.ErrorContains(t, err, "failed to read task file")

	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"topic": "not a list"}`), 0o600))
	err = enqueueTasks(context.Background(), path, "http://127.0.0.1:1", &out)
	assert.ErrorContains(t, err, "failed to parse task file")

	srv := httptest.NewServer(devengine.NewRouter(devengine.New(nil), nil))
	defer srv.Close()
	require.NoError(t, os.WriteFile(path, []byte(`[{"variables": {}}]`), 0o600))
	err = enqueueTasks(context.Background(), path, srv.URL, &out)
	assert.ErrorContains(t, err, "engine answered 400")
}

func TestPrintStatusHidesSecrets(t *testing.T) {
	cfg := testConfig(t, "http://engine:8080")

	var out bytes.Buffer
	printStatus(&out, cfg)

	assert.Contains(t, out.String(), "consultar-processo")
	assert.Contains(t, out.String(), "http://engine:8080")
	assert.Contains(t, out.String(), "secret set")
	assert.NotContains(t, out.String(), "s3cr3t-value")
}

func TestPrintEngineStats(t *testing.T) {
	eng := devengine.New(nil)
	_, err := eng.Enqueue(devengine.NewTask{Topic: "a"})
	require.NoError(t, err)
	srv := httptest.NewServer(devengine.NewRouter(eng, nil))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, printEngineStats(context.Background(), &out, srv.URL))
	assert.Contains(t, out.String(), "Pending:         1")
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestRunDevEngineStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	err := runUntilCancelled(t, 50*time.Millisecond, func(ctx context.Context) error {
		return runDevEngine(ctx, cfg)
	})
	assert.NoError(t, err)
}

func TestRunGatewayStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	err := runUntilCancelled(t, 50*time.Millisecond, func(ctx context.Context) error {
		return runGateway(ctx, cfg)
	})
	assert.NoError(t, err)
}

func TestRunWorkerPollsUntilCancelled(t *testing.T) {
	eng := devengine.New(nil)
	srv := httptest.NewServer(devengine.NewRouter(eng, nil))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	err := runUntilCancelled(t, 100*time.Millisecond, func(ctx context.Context) error {
		return runWorker(ctx, cfg)
	})
	assert.NoError(t, err)
}

func TestRunWorkerRejectsUncoveredTopics(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	cfg.Engine.Topics = append(cfg.Engine.Topics, "emitir-guia")

	err := runWorker(context.Background(), cfg)
	assert.ErrorContains(t, err, "emitir-guia")
}

func TestRunDevEngineSavesSnapshot(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	cfg.DevEngine.SnapshotPath = filepath.Join(t.TempDir(), "engine.json")
	cfg.DevEngine.SnapshotInterval = time.Hour

	err := runUntilCancelled(t, 50*time.Millisecond, func(ctx context.Context) error {
		return runDevEngine(ctx, cfg)
	})
	require.NoError(t, err)

	_, err = os.Stat(cfg.DevEngine.SnapshotPath)
	assert.NoError(t, err, "a snapshot is written on shutdown")

	require.NoError(t, os.WriteFile(cfg.DevEngine.SnapshotPath, []byte("{"), 0o600))
	err = runDevEngine(context.Background(), cfg)
	assert.ErrorContains(t, err, "failed to restore dev engine")
}
