// ============================================================================
// Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration of the worker, the gateway and the dev engine.
//
// Sections:
//   engine        process engine endpoint and claiming policy
//   gateway       local or remote delegation, listeners, outcome cache,
//                 classification backoffs
//   integrations  downstream systems and their login contract
//   topics        topic -> integration route plus input schema
//   metrics       Prometheus endpoint
//   logging       slog level and format
//   devengine     in-memory engine listener and lock sweep
//
// Load applies defaults, resolves secret_env from the environment and then
// validates. Invalid configuration never starts a process.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/extask-gateway/internal/dispatcher"
)

// Gateway modes.
const (
	ModeLocal = "local"
	ModeHTTP  = "http"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete configuration.
type Config struct {
	Engine       EngineConfig        `yaml:"engine"`
	Gateway      GatewayConfig       `yaml:"gateway"`
	Integrations []IntegrationConfig `yaml:"integrations"`
	Topics       []TopicConfig       `yaml:"topics"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Logging      LoggingConfig       `yaml:"logging"`
	DevEngine    DevEngineConfig     `yaml:"devengine"`
}

type EngineConfig struct {
	BaseURL          string        `yaml:"base_url"`
	WorkerID         string        `yaml:"worker_id"` // empty: generated at startup
	Topics           []string      `yaml:"topics"`
	MaxTasks         int           `yaml:"max_tasks"`
	LockDuration     time.Duration `yaml:"lock_duration"`
	LockExtendMargin time.Duration `yaml:"lock_extend_margin"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxPollBackoff   time.Duration `yaml:"max_poll_backoff"`
	DefaultRetries   int           `yaml:"default_retries"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ReportTimeout    time.Duration `yaml:"report_timeout"`
}

type GatewayConfig struct {
	Mode               string        `yaml:"mode"` // local | http
	URL                string        `yaml:"url"`  // http mode: gateway base URL
	Listen             string        `yaml:"listen"`
	HealthListen       string        `yaml:"health_listen"`
	HealthAddr         string        `yaml:"health_addr"` // http mode: gRPC health target, empty skips the wait
	OutcomeCacheTTL    time.Duration `yaml:"outcome_cache_ttl"`
	DefaultBackoff     time.Duration `yaml:"default_backoff"`
	RateLimitBackoff   time.Duration `yaml:"rate_limit_backoff"`
	MaxRetryAfter      time.Duration `yaml:"max_retry_after"`
	UnreachableBackoff time.Duration `yaml:"unreachable_backoff"`
}

type IntegrationConfig struct {
	ID                  string        `yaml:"id"`
	BaseURL             string        `yaml:"base_url"`
	LoginURL            string        `yaml:"login_url"`
	Identity            string        `yaml:"identity"`
	Secret              string        `yaml:"secret"`
	SecretEnv           string        `yaml:"secret_env"`
	RenewalBuffer       time.Duration `yaml:"renewal_buffer"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	MaxCallTimeout      time.Duration `yaml:"max_call_timeout"`
	AuthHeader          string        `yaml:"auth_header"`
	AuthScheme          string        `yaml:"auth_scheme"`
	SessionFaultMarkers []string      `yaml:"session_fault_markers"`
}

type TopicConfig struct {
	Name           string        `yaml:"name"`
	Integration    string        `yaml:"integration"`
	Method         string        `yaml:"method"`
	Path           string        `yaml:"path"`
	Timeout        time.Duration `yaml:"timeout"`
	ResultVariable string        `yaml:"result_variable"`
	Fields         []FieldConfig `yaml:"fields"`
}

type FieldConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"` // string | integer | boolean | json
	Required  bool   `yaml:"required"`
	Min       *int64 `yaml:"min"`
	Max       *int64 `yaml:"max"`
	MaxLength int    `yaml:"max_length"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type DevEngineConfig struct {
	Listen        string        `yaml:"listen"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// SnapshotPath enables persistence across restarts when set.
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			BaseURL:        "http://localhost:8080",
			MaxTasks:       10,
			LockDuration:   5 * time.Minute,
			PollInterval:   time.Second,
			MaxPollBackoff: 30 * time.Second,
			DefaultRetries: 3,
			RequestTimeout: 10 * time.Second,
			ReportTimeout:  10 * time.Second,
		},
		Gateway: GatewayConfig{
			Mode:               ModeLocal,
			Listen:             ":8090",
			HealthListen:       ":8091",
			OutcomeCacheTTL:    10 * time.Minute,
			DefaultBackoff:     30 * time.Second,
			RateLimitBackoff:   time.Minute,
			MaxRetryAfter:      time.Hour,
			UnreachableBackoff: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		DevEngine: DevEngineConfig{
			Listen:           ":8080",
			SweepInterval:    time.Second,
			SnapshotInterval: 30 * time.Second,
		},
	}
}

// Load reads, defaults, resolves and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolveSecrets() error {
	for i := range c.Integrations {
		in := &c.Integrations[i]
		if in.SecretEnv == "" {
			continue
		}
		v, ok := os.LookupEnv(in.SecretEnv)
		if !ok {
			return fmt.Errorf("%w: integration %q: environment variable %s is not set", ErrInvalid, in.ID, in.SecretEnv)
		}
		in.Secret = v
	}
	return nil
}

func (c *Config) normalize() {
	c.Gateway.Mode = strings.ToLower(strings.TrimSpace(c.Gateway.Mode))
	c.Engine.Topics = lo.Uniq(c.Engine.Topics)
	if len(c.Engine.Topics) == 0 {
		c.Engine.Topics = c.TopicNames()
	}
	for i := range c.Topics {
		if c.Topics[i].Method == "" {
			c.Topics[i].Method = "POST"
		}
		c.Topics[i].Method = strings.ToUpper(c.Topics[i].Method)
	}
}

// TopicNames returns the names of all defined topics in file order.
func (c *Config) TopicNames() []string {
	return lo.Map(c.Topics, func(t TopicConfig, _ int) string { return t.Name })
}

// Topic returns the definition of name.
func (c *Config) Topic(name string) (TopicConfig, bool) {
	return lo.Find(c.Topics, func(t TopicConfig) bool { return t.Name == name })
}

// Validate reports every problem found, not only the first.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	e := c.Engine
	if e.MaxTasks <= 0 {
		add("engine.max_tasks must be positive, got %d", e.MaxTasks)
	}
	if e.LockDuration <= 0 {
		add("engine.lock_duration must be positive, got %s", e.LockDuration)
	}
	if e.LockExtendMargin < 0 || (e.LockExtendMargin > 0 && e.LockExtendMargin >= e.LockDuration) {
		add("engine.lock_extend_margin %s must be below lock_duration %s", e.LockExtendMargin, e.LockDuration)
	}
	if e.DefaultRetries < 0 {
		add("engine.default_retries must not be negative, got %d", e.DefaultRetries)
	}

	switch c.Gateway.Mode {
	case ModeLocal:
	case ModeHTTP:
		if c.Gateway.URL == "" {
			add("gateway.url is required in http mode")
		}
	default:
		add("gateway.mode must be %q or %q, got %q", ModeLocal, ModeHTTP, c.Gateway.Mode)
	}

	if c.DevEngine.SnapshotPath != "" && c.DevEngine.SnapshotInterval <= 0 {
		add("devengine.snapshot_interval must be positive when snapshot_path is set")
	}

	ids := lo.Map(c.Integrations, func(in IntegrationConfig, _ int) string { return in.ID })
	for _, dup := range lo.FindDuplicates(ids) {
		add("integration %q is defined more than once", dup)
	}
	for _, in := range c.Integrations {
		if in.ID == "" {
			add("integration without id")
			continue
		}
		if in.BaseURL == "" {
			add("integration %q: base_url is required", in.ID)
		}
		if in.LoginURL == "" {
			add("integration %q: login_url is required", in.ID)
		}
	}

	names := c.TopicNames()
	for _, dup := range lo.FindDuplicates(names) {
		add("topic %q is defined more than once", dup)
	}
	for _, t := range c.Topics {
		if t.Name == "" {
			add("topic without name")
			continue
		}
		if !lo.Contains(ids, t.Integration) {
			add("topic %q references unknown integration %q", t.Name, t.Integration)
		}
		if t.Path == "" {
			add("topic %q: path is required", t.Name)
		}
		for _, f := range t.Fields {
			if !validFieldType(f.Type) {
				add("topic %q field %q: unknown type %q", t.Name, f.Name, f.Type)
			}
			if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
				add("topic %q field %q: min %d is above max %d", t.Name, f.Name, *f.Min, *f.Max)
			}
		}
	}

	if len(e.Topics) == 0 {
		add("engine.topics is empty and no topics are defined")
	}
	for _, missing := range lo.Without(e.Topics, names...) {
		add("subscribed topic %q has no definition", missing)
	}

	if errs == nil {
		return nil
	}
	errs.ErrorFormat = func(list []error) string {
		return strings.Join(lo.Map(list, func(err error, _ int) string { return err.Error() }), "; ")
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errs)
}

func validFieldType(t string) bool {
	switch dispatcher.FieldType(t) {
	case dispatcher.TypeString, dispatcher.TypeInteger, dispatcher.TypeBoolean, dispatcher.TypeJSON:
		return true
	}
	return false
}
