// Package config loads callflow settings from defaults, a YAML file, a .env
// file and CALLFLOW_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rendis/callflow/internal/capability"
	"github.com/rendis/callflow/internal/logging"
	"github.com/rendis/callflow/internal/normalize"
	"github.com/rendis/callflow/internal/reasoning"
	"github.com/rendis/callflow/internal/scheduler"
	"github.com/rendis/callflow/internal/steps"
	"github.com/rendis/callflow/pkg/schema"
)

// Reasoning providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Capability provider types.
const (
	ProviderTypeMCP = "mcp"
	ProviderTypeSQL = "sql"
)

// SQL drivers for capability providers.
const (
	DriverPostgres = "postgres"
	DriverLibSQL   = "libsql"
)

// DefaultPath is read when no config path is given. A missing file is not an error.
const DefaultPath = "callflow.yaml"

// Config holds the top-level application configuration.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Reasoning    ReasoningConfig    `yaml:"reasoning"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Store        StoreConfig        `yaml:"store"`
	Queue        QueueConfig        `yaml:"queue"`
	HTTP         HTTPConfig         `yaml:"http"`
	Retention    RetentionConfig    `yaml:"retention"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// ReasoningConfig selects the LLM backend.
type ReasoningConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
}

// CapabilitiesConfig describes where the data capabilities come from.
type CapabilitiesConfig struct {
	Credential    string            `yaml:"credential"`
	CredentialArg string            `yaml:"credential_arg"`
	AuthSentinel  string            `yaml:"auth_sentinel"`
	Timeout       time.Duration     `yaml:"timeout"`
	Breaker       BreakerConfig     `yaml:"breaker"`
	Providers     []ProviderConfig  `yaml:"providers"`
	Select        map[string]string `yaml:"select"` // capability name -> jq projection
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	HalfOpenMax      int           `yaml:"half_open_max"`
}

// ProviderConfig binds one capability namespace to an MCP server or a database.
type ProviderConfig struct {
	Namespace string            `yaml:"namespace"`
	Type      string            `yaml:"type"`
	Transport string            `yaml:"transport"` // mcp: streamable or sse
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Driver    string            `yaml:"driver"` // sql: postgres or libsql
	DSN       string            `yaml:"dsn"`
}

type WorkflowConfig struct {
	RepeatWindow   time.Duration `yaml:"repeat_window"`
	HistoryFilter  string        `yaml:"history_filter"`
	UpdateFilter   string        `yaml:"update_filter"`
	MaxReviewTurns int           `yaml:"max_review_turns"`
	MaxHops        int           `yaml:"max_hops"`
}

// StoreConfig locates the run record database. An empty Path disables persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

type QueueConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	Stream     string        `yaml:"stream"`
	Group      string        `yaml:"group"`
	Consumer   string        `yaml:"consumer"`
	DeadLetter string        `yaml:"dead_letter"`
	OutStream  string        `yaml:"out_stream"`
	OutMaxLen  int64         `yaml:"out_max_len"`
	Count      int64         `yaml:"count"`
	Block      time.Duration `yaml:"block"`
	// ReclaimIdle is how long a failed record stays pending before it is retried.
	ReclaimIdle   time.Duration `yaml:"reclaim_idle"`
	MaxDeliveries int           `yaml:"max_deliveries"`
}

type HTTPConfig struct {
	Addr       string        `yaml:"addr"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// RetentionConfig controls the purge of old run records. An empty Schedule disables it.
type RetentionConfig struct {
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type DispatcherConfig struct {
	Size int `yaml:"size"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	breaker := capability.DefaultBreakerConfig()
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Reasoning: ReasoningConfig{
			Provider:    ProviderOpenAI,
			Model:       "gpt-4o-mini",
			Temperature: 0,
		},
		Capabilities: CapabilitiesConfig{
			CredentialArg: capability.DefaultCredentialArg,
			AuthSentinel:  normalize.DefaultSentinel,
			Timeout:       30 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: breaker.FailureThreshold,
				Cooldown:         breaker.Cooldown,
				HalfOpenMax:      breaker.HalfOpenMax,
			},
		},
		Workflow: WorkflowConfig{
			RepeatWindow:   steps.DefaultRepeatWindow,
			HistoryFilter:  steps.DefaultHistoryFilter,
			UpdateFilter:   steps.DefaultUpdateFilter,
			MaxReviewTurns: reasoning.DefaultMaxTurns,
			MaxHops:        32,
		},
		Store: StoreConfig{Path: "file:callflow.db"},
		Queue: QueueConfig{
			Addr:      "localhost:6379",
			Stream:    "callflow:records",
			Group:     "callflow",
			Consumer:  "callflow-1",
			OutStream: "callflow:results",
			OutMaxLen: 10000,
			Count:     10,
			Block:     5 * time.Second,

			ReclaimIdle:   time.Minute,
			MaxDeliveries: 5,
		},
		HTTP:       HTTPConfig{Addr: ":8080", RunTimeout: 5 * time.Minute},
		Retention:  RetentionConfig{Schedule: scheduler.DefaultSchedule, MaxAge: 30 * 24 * time.Hour},
		Dispatcher: DispatcherConfig{Size: 4},
	}
}

// LoadOptions locates the config sources.
type LoadOptions struct {
	Path    string // YAML file; falls back to CALLFLOW_CONFIG, then DefaultPath
	EnvFile string // dotenv file; defaults to ".env"
}

// Load builds the configuration and validates it.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	path := opts.Path
	if path == "" {
		path = os.Getenv("CALLFLOW_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		// godotenv.Load never overrides variables already present.
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "%v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "must be json or text, got %q", c.Log.Format)
	}

	switch c.Reasoning.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return invalid("reasoning.provider", "must be %s or %s, got %q", ProviderOpenAI, ProviderGemini, c.Reasoning.Provider)
	}
	if c.Reasoning.Model == "" {
		return invalid("reasoning.model", "is required")
	}

	seen := make(map[string]bool)
	for i, p := range c.Capabilities.Providers {
		field := fmt.Sprintf("capabilities.providers[%d]", i)
		switch p.Namespace {
		case capability.NamespaceCustomer, capability.NamespaceOperations:
		default:
			return invalid(field+".namespace", "unknown namespace %q", p.Namespace)
		}
		if seen[p.Namespace] {
			return invalid(field+".namespace", "namespace %q configured twice", p.Namespace)
		}
		seen[p.Namespace] = true
		switch p.Type {
		case ProviderTypeMCP:
			if p.URL == "" {
				return invalid(field+".url", "is required for mcp providers")
			}
			switch p.Transport {
			case "", capability.TransportStreamable, capability.TransportSSE:
			default:
				return invalid(field+".transport", "unknown transport %q", p.Transport)
			}
		case ProviderTypeSQL:
			if p.Driver != DriverPostgres && p.Driver != DriverLibSQL {
				return invalid(field+".driver", "must be %s or %s, got %q", DriverPostgres, DriverLibSQL, p.Driver)
			}
			if p.DSN == "" {
				return invalid(field+".dsn", "is required for sql providers")
			}
		default:
			return invalid(field+".type", "must be %s or %s, got %q", ProviderTypeMCP, ProviderTypeSQL, p.Type)
		}
	}
	if c.Capabilities.Timeout < 0 {
		return invalid("capabilities.timeout", "must not be negative")
	}

	if c.Workflow.RepeatWindow <= 0 {
		return invalid("workflow.repeat_window", "must be positive")
	}
	if c.Workflow.MaxReviewTurns < 1 {
		return invalid("workflow.max_review_turns", "must be at least 1")
	}
	if c.Workflow.MaxHops < 0 {
		return invalid("workflow.max_hops", "must not be negative")
	}

	if c.Queue.Enabled {
		if c.Queue.Addr == "" {
			return invalid("queue.addr", "is required when the queue is enabled")
		}
		if c.Queue.Stream == "" || c.Queue.Group == "" {
			return invalid("queue.stream", "stream and group are required when the queue is enabled")
		}
		if c.Queue.MaxDeliveries < 0 {
			return invalid("queue.max_deliveries", "must not be negative")
		}
	}

	if c.HTTP.Addr == "" {
		return invalid("http.addr", "is required")
	}
	if c.Retention.Schedule != "" {
		if c.Retention.MaxAge <= 0 {
			return invalid("retention.max_age", "must be positive when a schedule is set")
		}
		if err := scheduler.ValidateSchedule(c.Retention.Schedule); err != nil {
			return invalid("retention.schedule", "%v", err)
		}
	}
	if c.Dispatcher.Size < 1 {
		return invalid("dispatcher.size", "must be at least 1")
	}
	return nil
}

// StepsConfig maps the workflow section onto steps.Config.
func (c *Config) StepsConfig() steps.Config {
	return steps.Config{
		RepeatWindow:   c.Workflow.RepeatWindow,
		HistoryFilter:  c.Workflow.HistoryFilter,
		UpdateFilter:   c.Workflow.UpdateFilter,
		MaxReviewTurns: c.Workflow.MaxReviewTurns,
	}
}

// BreakerConfig maps the breaker section onto capability.BreakerConfig.
func (c *Config) BreakerConfig() capability.BreakerConfig {
	b := c.Capabilities.Breaker
	return capability.BreakerConfig{
		FailureThreshold: b.FailureThreshold,
		Cooldown:         b.Cooldown,
		HalfOpenMax:      b.HalfOpenMax,
	}
}

// Provider returns the provider bound to namespace.
func (c *Config) Provider(namespace string) (ProviderConfig, bool) {
	for _, p := range c.Capabilities.Providers {
		if p.Namespace == namespace {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func invalid(field, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s "+format, append([]any{field}, args...)...).
		WithDetails(map[string]any{"field": field})
}
