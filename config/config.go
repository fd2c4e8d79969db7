// Package config loads thoughtsearch configuration.
//
// Values are resolved with priority env > file > defaults. The file is YAML;
// environment variables use the THOUGHTSEARCH_ prefix, for example
// THOUGHTSEARCH_SEARCH_ROUNDS=5 or THOUGHTSEARCH_STEP_MODEL=llama3.1.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"github.com/scttfrdmn/thoughtsearch/budget"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "THOUGHTSEARCH_"

// Supported providers.
const (
	ProviderOllama  = "ollama"
	ProviderOpenAI  = "openai"
	ProviderGemini  = "gemini"
	ProviderBedrock = "bedrock"
)

// Config is the complete thoughtsearch configuration.
type Config struct {
	// Step configures the free-form generator used for expansion.
	Step ProviderConfig `yaml:"step" envPrefix:"STEP_"`

	// Structured configures the schema-constrained generator used for
	// sub-answers and consistency checks.
	Structured ProviderConfig `yaml:"structured" envPrefix:"STRUCTURED_"`

	Search        SearchConfig        `yaml:"search" envPrefix:"SEARCH_"`
	Resilience    ResilienceConfig    `yaml:"resilience" envPrefix:"RESILIENCE_"`
	Budget        BudgetConfig        `yaml:"budget" envPrefix:"BUDGET_"`
	Logging       LoggingConfig       `yaml:"logging" envPrefix:"LOG_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OTEL_"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint" envPrefix:"CHECKPOINT_"`
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
}

// ProviderConfig selects and configures an LLM provider.
type ProviderConfig struct {
	Provider string `yaml:"provider" env:"PROVIDER"`
	Model    string `yaml:"model" env:"MODEL"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL"`

	// APIKeyEnv names the environment variable holding the API key, so the
	// key itself never sits in the config file.
	APIKeyEnv string `yaml:"api_key_env" env:"API_KEY_ENV"`

	// Region is used by Bedrock.
	Region string `yaml:"region" env:"REGION"`

	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens   int     `yaml:"max_tokens" env:"MAX_TOKENS"`
}

// APIKey returns the value of the configured API key variable.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// SearchConfig configures the MCTS engine.
type SearchConfig struct {
	Rounds              int     `yaml:"rounds" env:"ROUNDS"`
	ExpansionRollouts   int     `yaml:"expansion_rollouts" env:"EXPANSION_ROLLOUTS"`
	SimulationRounds    int     `yaml:"simulation_rounds" env:"SIMULATION_ROUNDS"`
	ExplorationConstant float64 `yaml:"exploration_constant" env:"EXPLORATION_CONSTANT"`
	Concurrency         int     `yaml:"concurrency" env:"CONCURRENCY"`
}

// ResilienceConfig configures the generator middleware stack.
type ResilienceConfig struct {
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxAttempts      int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff       time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	RateLimit        float64       `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst            int           `yaml:"burst" env:"BURST"`
	BreakerThreshold int           `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	BreakerRecovery  time.Duration `yaml:"breaker_recovery" env:"BREAKER_RECOVERY"`
}

// BudgetConfig limits the tokens and money spent on model calls. Zero
// limits are unlimited.
type BudgetConfig struct {
	SessionTokens int     `yaml:"session_tokens" env:"SESSION_TOKENS"`
	SessionCost   float64 `yaml:"session_cost" env:"SESSION_COST"`
	GlobalTokens  int     `yaml:"global_tokens" env:"GLOBAL_TOKENS"`
	GlobalCost    float64 `yaml:"global_cost" env:"GLOBAL_COST"`

	// Action is "error" to refuse calls once a budget is spent or
	// "warning" to log and carry on.
	Action string `yaml:"action" env:"ACTION"`

	// Pricing overrides or adds per-model rates, in dollars per million
	// tokens. The "default" entry prices unknown models.
	Pricing map[string]budget.Rate `yaml:"pricing"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	Structured bool   `yaml:"structured" env:"STRUCTURED"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	ServiceName    string  `yaml:"service_name" env:"SERVICE_NAME"`
	TracingEnabled bool    `yaml:"tracing_enabled" env:"TRACING_ENABLED"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" env:"ENDPOINT"`
	Insecure       bool    `yaml:"insecure" env:"INSECURE"`
	ConsoleExport  bool    `yaml:"console_export" env:"CONSOLE_EXPORT"`
	SampleRatio    float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
	MetricsEnabled bool    `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
}

// CheckpointConfig selects a checkpoint backend.
type CheckpointConfig struct {
	// Backend is "none", "memory", "file" or "redis".
	Backend   string        `yaml:"backend" env:"BACKEND"`
	Dir       string        `yaml:"dir" env:"DIR"`
	RedisURL  string        `yaml:"redis_url" env:"REDIS_URL"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
	KeepLast  int           `yaml:"keep_last" env:"KEEP_LAST"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxRounds       int           `yaml:"max_rounds" env:"MAX_ROUNDS"`
}

// Default returns the default configuration: a local Ollama model for both
// generators and three rounds of search.
func Default() Config {
	provider := ProviderConfig{
		Provider:    ProviderOllama,
		Model:       "llama3.1",
		BaseURL:     "http://localhost:11434",
		Temperature: 0.7,
		MaxTokens:   1024,
	}
	structured := provider
	structured.Temperature = 0.2

	return Config{
		Step:       provider,
		Structured: structured,
		Search: SearchConfig{
			Rounds:              3,
			ExpansionRollouts:   3,
			SimulationRounds:    3,
			ExplorationConstant: math.Sqrt2,
			Concurrency:         4,
		},
		Resilience: ResilienceConfig{
			Timeout:          60 * time.Second,
			MaxAttempts:      3,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       10 * time.Second,
			RateLimit:        5,
			Burst:            5,
			BreakerThreshold: 5,
			BreakerRecovery:  30 * time.Second,
		},
		Budget: BudgetConfig{
			Action: budget.ActionError,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Observability: ObservabilityConfig{
			ServiceName:    "thoughtsearch",
			Insecure:       true,
			SampleRatio:    1.0,
			MetricsEnabled: true,
		},
		Checkpoint: CheckpointConfig{
			Backend:   "memory",
			Dir:       "./checkpoints",
			KeyPrefix: "thoughtsearch",
			TTL:       24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxRounds:       20,
		},
	}
}

// Load loads configuration with priority: env > file > defaults. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := env.Parse(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error

	for name, p := range map[string]ProviderConfig{"step": c.Step, "structured": c.Structured} {
		switch p.Provider {
		case ProviderOllama, ProviderOpenAI, ProviderGemini, ProviderBedrock:
		default:
			errs = append(errs, fmt.Errorf("%s.provider: unknown provider %q", name, p.Provider))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model: must be set", name))
		}
	}

	if c.Search.Rounds < 0 {
		errs = append(errs, fmt.Errorf("search.rounds: must be >= 0, got %d", c.Search.Rounds))
	}
	if c.Search.ExpansionRollouts < 1 {
		errs = append(errs, fmt.Errorf("search.expansion_rollouts: must be >= 1, got %d", c.Search.ExpansionRollouts))
	}
	if c.Search.SimulationRounds < 1 {
		errs = append(errs, fmt.Errorf("search.simulation_rounds: must be >= 1, got %d", c.Search.SimulationRounds))
	}
	if c.Search.ExplorationConstant < 0 {
		errs = append(errs, fmt.Errorf("search.exploration_constant: must be >= 0, got %g", c.Search.ExplorationConstant))
	}
	if c.Resilience.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("resilience.max_attempts: must be >= 1, got %d", c.Resilience.MaxAttempts))
	}
	if c.Resilience.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("resilience.rate_limit: must be >= 0, got %g", c.Resilience.RateLimit))
	}
	switch c.Budget.Action {
	case "", budget.ActionError, budget.ActionWarning:
	default:
		errs = append(errs, fmt.Errorf("budget.action: must be %q or %q, got %q", budget.ActionError, budget.ActionWarning, c.Budget.Action))
	}
	if c.Budget.SessionTokens < 0 || c.Budget.GlobalTokens < 0 || c.Budget.SessionCost < 0 || c.Budget.GlobalCost < 0 {
		errs = append(errs, errors.New("budget: limits must be >= 0"))
	}
	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("observability.sample_ratio: must be within [0, 1], got %g", c.Observability.SampleRatio))
	}

	switch c.Checkpoint.Backend {
	case "", "none", "memory":
	case "file":
		if c.Checkpoint.Dir == "" {
			errs = append(errs, errors.New("checkpoint.dir: required for the file backend"))
		}
	case "redis":
		if c.Checkpoint.RedisURL == "" {
			errs = append(errs, errors.New("checkpoint.redis_url: required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend: unknown backend %q", c.Checkpoint.Backend))
	}

	return errors.Join(errs...)
}
