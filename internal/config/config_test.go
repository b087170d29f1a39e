package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/extask-gateway/internal/dispatcher"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

const minimalYAML = `
engine:
  base_url: http://engine:8080
  max_tasks: 4
  lock_duration: 30s
  lock_extend_margin: 10s
integrations:
  - id: tribunal
    base_url: http://tribunal
    login_url: http://tribunal/login
    identity: robo
    secret: s3cr3t
topics:
  - name: consultar-processo
    integration: tribunal
    method: get
    path: /processos/{numero}
    fields:
      - name: limit
        type: integer
        max: 100
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// ============================================================================
// Load Tests
// ============================================================================

func TestLoad_ValidYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "http://engine:8080", cfg.Engine.BaseURL)
	assert.Equal(t, 4, cfg.Engine.MaxTasks)
	assert.Equal(t, 30*time.Second, cfg.Engine.LockDuration)
	assert.Equal(t, 10*time.Second, cfg.Engine.LockExtendMargin)
	assert.Equal(t, []string{"consultar-processo"}, cfg.Engine.Topics, "topics default to every definition")
	assert.Equal(t, "GET", cfg.Topics[0].Method)

	// defaults survive for keys the file leaves out
	assert.Equal(t, time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 3, cfg.Engine.DefaultRetries)
	assert.Equal(t, ModeLocal, cfg.Gateway.Mode)
	assert.Equal(t, 10*time.Minute, cfg.Gateway.OutcomeCacheTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "engine: [not: valid"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoad_DefaultFile(t *testing.T) {
	t.Setenv("TRIBUNAL_SECRET", "from-env")
	t.Setenv("CRM_SECRET", "crm-env")

	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)

	assert.Len(t, cfg.Topics, 3)
	assert.Equal(t, "from-env", cfg.LoginEndpoints()["tribunal"].Secret)
	assert.Equal(t, 2*time.Minute, cfg.SessionConfig().RenewalBuffers["tribunal"])
}

func TestSecretEnv(t *testing.T) {
	yaml := `
integrations:
  - id: tribunal
    base_url: http://tribunal
    login_url: http://tribunal/login
    secret_env: EXTASK_TEST_SECRET
topics:
  - name: a
    integration: tribunal
    path: /a
`
	t.Setenv("EXTASK_TEST_SECRET", "resolved")
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "resolved", cfg.Integrations[0].Secret)

	os.Unsetenv("EXTASK_TEST_SECRET")
	_, err = Parse([]byte(yaml))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "EXTASK_TEST_SECRET")
}

// ============================================================================
// Validation Tests
// ============================================================================

func TestValidateFailsFast(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown integration", func(c *Config) { c.Topics[0].Integration = "erp" }, `unknown integration "erp"`},
		{"subscribed topic without definition", func(c *Config) { c.Engine.Topics = []string{"consultar-processo", "emitir-guia"} }, `subscribed topic "emitir-guia" has no definition`},
		{"non-positive max_tasks", func(c *Config) { c.Engine.MaxTasks = 0 }, "engine.max_tasks must be positive"},
		{"margin not below lock", func(c *Config) { c.Engine.LockExtendMargin = c.Engine.LockDuration }, "lock_extend_margin"},
		{"unknown mode", func(c *Config) { c.Gateway.Mode = "grpc" }, "gateway.mode"},
		{"http mode without url", func(c *Config) { c.Gateway.Mode = ModeHTTP; c.Gateway.URL = "" }, "gateway.url is required"},
		{"unknown field type", func(c *Config) { c.Topics[0].Fields[0].Type = "float" }, `unknown type "float"`},
		{"duplicate topic", func(c *Config) { c.Topics = append(c.Topics, c.Topics[0]) }, "defined more than once"},
		{"missing login url", func(c *Config) { c.Integrations[0].LoginURL = "" }, "login_url is required"},
		{"snapshot without interval", func(c *Config) {
			c.DevEngine.SnapshotPath = "engine.json"
			c.DevEngine.SnapshotInterval = 0
		}, "snapshot_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalYAML))
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	cfg.Engine.MaxTasks = -1
	cfg.Topics[0].Integration = "erp"
	err = cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_tasks")
	assert.Contains(t, err.Error(), `"erp"`)
}

// ============================================================================
// Builder Tests
// ============================================================================

type echoDelegate struct{}

func (echoDelegate) Delegate(ctx context.Context, topic string, taskID types.TaskID, vars types.Variables) types.Outcome {
	return types.Success(vars)
}

func TestBuilders(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	routes := cfg.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "tribunal", routes[0].Integration)
	assert.Equal(t, "/processos/{numero}", routes[0].Path)

	w := cfg.Worker("w-1")
	assert.Equal(t, "w-1", w.WorkerID)
	assert.Equal(t, 4, w.MaxTasks)
	assert.Equal(t, 10*time.Second, w.LockExtendMargin)

	ins := cfg.DownstreamIntegrations()
	require.Len(t, ins, 1)
	assert.Equal(t, "http://tribunal", ins[0].BaseURL)
	assert.Equal(t, DefaultRenewalBuffer, cfg.SessionConfig().DefaultRenewalBuffer)
	assert.Equal(t, 30*time.Second, cfg.ClassifierPolicy().DefaultBackoff)
	assert.Equal(t, "http://engine:8080", cfg.EngineClient().BaseURL)
}

func TestRegistryAppliesSchemas(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	registry, err := cfg.Registry(echoDelegate{})
	require.NoError(t, err)

	d := dispatcher.New(registry, nil)
	out := d.Handle(context.Background(), &types.Task{
		ID:        "t-1",
		Topic:     "consultar-processo",
		Variables: types.Variables{"limit": 150},
	})
	assert.Equal(t, types.OutcomeBusinessError, out.Kind)
	assert.Equal(t, "ERRO_VALIDACAO_CONSULTAR_PROCESSO", out.ErrorCode)

	cfg.Engine.Topics = append(cfg.Engine.Topics, "emitir-guia")
	_, err = cfg.Registry(echoDelegate{})
	assert.ErrorIs(t, err, dispatcher.ErrUnknownTopic)
}
