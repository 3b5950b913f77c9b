// Package config loads the runtime configuration from a YAML file with
// environment overrides for secrets. The zero configuration is usable for
// tests; Load applies file values over the defaults and Validate catches the
// combinations the pipeline cannot run with.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

type (
	// Config is the full runtime configuration.
	Config struct {
		Model    Model    `yaml:"model"`
		Pipeline Pipeline `yaml:"pipeline"`
		Exec     Exec     `yaml:"exec"`
		Search   Search   `yaml:"search"`
		Viz      Viz      `yaml:"viz"`
	}

	// Model selects and tunes the language model provider.
	Model struct {
		// Provider is "anthropic" or "openai".
		Provider string `yaml:"provider"`
		// Name is the provider-specific model identifier.
		Name string `yaml:"name"`
		// APIKey is never read from the file; it comes from the environment
		// (ANTHROPIC_API_KEY or OPENAI_API_KEY, FINSIGHT_API_KEY wins).
		APIKey string `yaml:"-"`
		// MaxTokens caps completions. Zero uses the adapter default.
		MaxTokens int `yaml:"max_tokens"`
		// Temperature is the default sampling temperature.
		Temperature float64 `yaml:"temperature"`
		// RateLimitTPM enables the adaptive rate limiter when positive,
		// expressed in tokens per minute.
		RateLimitTPM float64 `yaml:"rate_limit_tpm"`
	}

	// Pipeline tunes the orchestrator.
	Pipeline struct {
		// StageTimeout bounds each stage including retries.
		StageTimeout time.Duration `yaml:"stage_timeout"`
		// RetryAttempts bounds per-stage retries.
		RetryAttempts int `yaml:"retry_attempts"`
		// FailurePolicy is "abort" or "continue-degraded".
		FailurePolicy string `yaml:"failure_policy"`
	}

	// Exec tunes the code execution engine.
	Exec struct {
		// Timeout is the wall-clock bound per invocation.
		Timeout time.Duration `yaml:"timeout"`
		// MaxSteps is the execution step budget per invocation; zero disables
		// the budget.
		MaxSteps uint64 `yaml:"max_steps"`
	}

	// Search tunes the deep search agent.
	Search struct {
		// Iterations bounds query refinements.
		Iterations int `yaml:"iterations"`
		// Results bounds hits fetched per query.
		Results int `yaml:"results"`
	}

	// Viz tunes chart refinement.
	Viz struct {
		// MaxIterations bounds refinement attempts per chart.
		MaxIterations int `yaml:"max_iterations"`
		// ScoreThreshold ends a session early once reached.
		ScoreThreshold float64 `yaml:"score_threshold"`
	}
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Model: Model{
			Provider:    ProviderAnthropic,
			Name:        "claude-sonnet-4-5",
			Temperature: 0.2,
		},
		Pipeline: Pipeline{
			StageTimeout:  5 * time.Minute,
			RetryAttempts: 3,
			FailurePolicy: "continue-degraded",
		},
		Exec: Exec{
			Timeout:  30 * time.Second,
			MaxSteps: 5_000_000,
		},
		Search: Search{Iterations: 3, Results: 5},
		Viz:    Viz{MaxIterations: 3, ScoreThreshold: 0.9},
	}
}

// Load reads path (optional) over the defaults and applies environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FINSIGHT_API_KEY"); v != "" {
		c.Model.APIKey = v
		return
	}
	switch c.Model.Provider {
	case ProviderAnthropic:
		c.Model.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		c.Model.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	switch c.Model.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("config: unknown model provider %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return errors.New("config: model name is required")
	}
	if c.Pipeline.RetryAttempts < 1 {
		return errors.New("config: pipeline retry attempts must be at least 1")
	}
	switch c.Pipeline.FailurePolicy {
	case "abort", "continue-degraded":
	default:
		return fmt.Errorf("config: unknown failure policy %q", c.Pipeline.FailurePolicy)
	}
	if c.Viz.ScoreThreshold < 0 || c.Viz.ScoreThreshold > 1 {
		return fmt.Errorf("config: viz score threshold %v outside [0,1]", c.Viz.ScoreThreshold)
	}
	return nil
}
