// Package config loads the turn engine's tunables: model limits, tool
// retry/timeout defaults, and the Agent Loop's step/retry/failure caps. It
// follows the teacher's functional-options construction style
// (toolregistry.RunnerOption, planner.Option) layered over a YAML document,
// with environment variables overriding individual fields for deployment
// without redeploying the config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/analystai/orchestrator/runtime/toolregistry"
)

// Loop bounds the Agent Loop's convergence behavior, per spec §4.7.
type Loop struct {
	// StepLimit caps the number of planner iterations in one turn.
	StepLimit int `yaml:"step_limit"`
	// MaxInvalidRetries caps consecutive invalid planner-output retries.
	MaxInvalidRetries int `yaml:"max_invalid_retries"`
	// ToolFailureBreaker terminates the turn once any single tool fails this
	// many times.
	ToolFailureBreaker int `yaml:"tool_failure_breaker"`
	// ObservationsMax is the configured observations cap. No component reads
	// it: the Observations section renders at most section.MaxObservations
	// entries, and the observation builder keeps every entry.
	ObservationsMax int `yaml:"observations_max"`
}

// Model describes one named model's token limit and default sampling
// parameters. The turn engine looks models up by ModelClass for the planner
// and by a separate small-model id for the Judge/Suggester/title generator.
type Model struct {
	ID          string  `yaml:"id"`
	TokenLimit  int     `yaml:"token_limit"`
	Temperature float32 `yaml:"temperature"`
}

// Config is the turn engine's full runtime configuration.
type Config struct {
	Loop Loop `yaml:"loop"`

	// PlannerModel is the model driving the Agent Loop's planner turns.
	PlannerModel Model `yaml:"planner_model"`
	// SuggesterModel is the small/cheap model used for the Judge and the
	// Suggester per spec §4.10.
	SuggesterModel Model `yaml:"suggester_model"`

	// ToolRetry/ToolTimeout seed toolregistry.NewRunner's defaults; a zero
	// field falls back to toolregistry's own package defaults.
	ToolRetry   toolregistry.RetryPolicy   `yaml:"tool_retry"`
	ToolTimeout toolregistry.TimeoutPolicy `yaml:"tool_timeout"`

	// MongoURI is the connection string for the Block Persistence store (C9).
	MongoURI string `yaml:"mongo_uri"`
	// MongoDatabase names the database Block Persistence writes to.
	MongoDatabase string `yaml:"mongo_database"`
}

// Default returns the spec's documented defaults (step_limit=10,
// max_invalid_retries=2, tool failure breaker=3, observations_max=8; tool
// retry/timeout left zero-valued so toolregistry substitutes its own
// defaults).
func Default() Config {
	return Config{
		Loop: Loop{
			StepLimit:          10,
			MaxInvalidRetries:  2,
			ToolFailureBreaker: 3,
			ObservationsMax:    8,
		},
		PlannerModel: Model{
			ID:          "claude-sonnet",
			TokenLimit:  200_000,
			Temperature: 0.2,
		},
		SuggesterModel: Model{
			ID:          "gpt-4o-mini",
			TokenLimit:  128_000,
			Temperature: 0.3,
		},
		MongoDatabase: "orchestrator",
	}
}

// Option mutates a Config under construction. Mirrors the teacher's
// RunnerOption/planner.Option style.
type Option func(*Config)

// WithMongoURI overrides the Mongo connection string.
func WithMongoURI(uri string) Option {
	return func(c *Config) { c.MongoURI = uri }
}

// Load reads a YAML document from path, starting from Default() and
// overlaying only the fields path sets, then applies opts, then applies
// environment variable overrides (highest precedence). A missing path is not
// an error: Load falls back to Default() plus env/opts so a bare
// environment-variable deployment works without a config file on disk.
func Load(path string, opts ...Option) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Loop.StepLimit <= 0 {
		return fmt.Errorf("config: loop.step_limit must be positive, got %d", c.Loop.StepLimit)
	}
	if c.Loop.ToolFailureBreaker <= 0 {
		return fmt.Errorf("config: loop.tool_failure_breaker must be positive, got %d", c.Loop.ToolFailureBreaker)
	}
	return nil
}

// envOverride applies f(val) when the named environment variable is set and
// non-empty.
func envOverride(name string, f func(string)) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		f(v)
	}
}

func envOverrideInt(name string, f func(int)) {
	envOverride(name, func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			f(n)
		}
	})
}

func envOverrideDuration(name string, f func(time.Duration)) {
	envOverride(name, func(v string) {
		if d, err := time.ParseDuration(v); err == nil {
			f(d)
		}
	})
}

// applyEnvOverrides layers ORCHESTRATOR_-prefixed environment variables over
// cfg, per SPEC_FULL.md §2's "environment variable overrides" requirement.
func applyEnvOverrides(cfg *Config) {
	envOverrideInt("ORCHESTRATOR_LOOP_STEP_LIMIT", func(n int) { cfg.Loop.StepLimit = n })
	envOverrideInt("ORCHESTRATOR_LOOP_MAX_INVALID_RETRIES", func(n int) { cfg.Loop.MaxInvalidRetries = n })
	envOverrideInt("ORCHESTRATOR_LOOP_TOOL_FAILURE_BREAKER", func(n int) { cfg.Loop.ToolFailureBreaker = n })
	envOverrideInt("ORCHESTRATOR_LOOP_OBSERVATIONS_MAX", func(n int) { cfg.Loop.ObservationsMax = n })

	envOverride("ORCHESTRATOR_PLANNER_MODEL_ID", func(v string) { cfg.PlannerModel.ID = v })
	envOverrideInt("ORCHESTRATOR_PLANNER_MODEL_TOKEN_LIMIT", func(n int) { cfg.PlannerModel.TokenLimit = n })

	envOverride("ORCHESTRATOR_SUGGESTER_MODEL_ID", func(v string) { cfg.SuggesterModel.ID = v })

	envOverrideInt("ORCHESTRATOR_TOOL_RETRY_MAX_ATTEMPTS", func(n int) { cfg.ToolRetry.MaxAttempts = n })
	envOverrideDuration("ORCHESTRATOR_TOOL_RETRY_BACKOFF_INITIAL", func(d time.Duration) { cfg.ToolRetry.BackoffInitial = d })
	envOverrideDuration("ORCHESTRATOR_TOOL_TIMEOUT_HARD", func(d time.Duration) { cfg.ToolTimeout.HardTimeout = d })

	envOverride("ORCHESTRATOR_MONGO_URI", func(v string) { cfg.MongoURI = v })
	envOverride("ORCHESTRATOR_MONGO_DATABASE", func(v string) { cfg.MongoDatabase = v })
}
