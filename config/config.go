// Package config loads the process configuration: defaults, then an
// optional YAML file, then PATCHPILOT_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/patchpilot/store"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "PATCHPILOT_"

// Config is the full process configuration.
type Config struct {
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	LogNoColor bool   `yaml:"log_no_color" env:"LOG_NO_COLOR"`

	Provider string `yaml:"provider" env:"PROVIDER" validate:"required"`
	Models   Models `yaml:"models" envPrefix:"MODEL_"`

	MaxOutputTokens int     `yaml:"max_output_tokens" env:"MAX_OUTPUT_TOKENS" validate:"gte=1"`
	Temperature     float64 `yaml:"temperature" env:"TEMPERATURE" validate:"gte=0,lte=2"`

	FirstByteTimeout       time.Duration `yaml:"first_byte_timeout" env:"FIRST_BYTE_TIMEOUT" validate:"gt=0"`
	StreamFailureThreshold int           `yaml:"stream_failure_threshold" env:"STREAM_FAILURE_THRESHOLD" validate:"gte=1"`
	StreamCooldown         time.Duration `yaml:"stream_cooldown" env:"STREAM_COOLDOWN"`
	ExecutionBudget        time.Duration `yaml:"execution_budget" env:"EXECUTION_BUDGET" validate:"gte=0"`
	CheckpointReserve      time.Duration `yaml:"checkpoint_reserve" env:"CHECKPOINT_RESERVE" validate:"gte=0"`
	// MaxResumes caps checkpoint continuations per execution. Zero disables the cap.
	MaxResumes int `yaml:"max_resumes" env:"MAX_RESUMES" validate:"gte=0"`
	// Tokenizer is "chars" for a length heuristic or "tiktoken".
	Tokenizer string `yaml:"tokenizer" env:"TOKENIZER" validate:"oneof=chars tiktoken"`

	Dispatch Dispatch `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Loop     Loop     `yaml:"loop" envPrefix:"LOOP_"`
	Verify   Verify   `yaml:"verify" envPrefix:"VERIFY_"`
	Store    Store    `yaml:"store" envPrefix:"STORE_"`
	Jobs     Jobs     `yaml:"jobs" envPrefix:"JOBS_"`
	Metrics  Metrics  `yaml:"metrics" envPrefix:"METRICS_"`
}

// Models names the model used by each tier.
type Models struct {
	Fast     string `yaml:"fast" env:"FAST" validate:"required"`
	Standard string `yaml:"standard" env:"STANDARD" validate:"required"`
	Deep     string `yaml:"deep" env:"DEEP" validate:"required"`
}

// Dispatch holds tool dispatcher limits.
type Dispatch struct {
	Workers         int `yaml:"workers" env:"WORKERS" validate:"gte=1"`
	LookupSoftLimit int `yaml:"lookup_soft_limit" env:"LOOKUP_SOFT_LIMIT" validate:"gte=1"`
	LookupHardLimit int `yaml:"lookup_hard_limit" env:"LOOKUP_HARD_LIMIT" validate:"gtefield=LookupSoftLimit"`
	ExcerptAfter    int `yaml:"excerpt_after" env:"EXCERPT_AFTER" validate:"gte=1"`
	SwitchAfter     int `yaml:"switch_after" env:"SWITCH_AFTER" validate:"gtefield=ExcerptAfter"`
	ExcerptLines    int `yaml:"excerpt_lines" env:"EXCERPT_LINES" validate:"gte=1"`
}

// Loop holds driver and context limits.
type Loop struct {
	Nudges            int     `yaml:"nudges" env:"NUDGES" validate:"gte=0"`
	EscalationDepth   int     `yaml:"escalation_depth" env:"ESCALATION_DEPTH" validate:"gte=0"`
	MinimalIterations int     `yaml:"minimal_iterations" env:"MINIMAL_ITERATIONS" validate:"gte=1"`
	HybridIterations  int     `yaml:"hybrid_iterations" env:"HYBRID_ITERATIONS" validate:"gte=1"`
	MaximalIterations int     `yaml:"maximal_iterations" env:"MAXIMAL_ITERATIONS" validate:"gte=1"`
	StallIterations   int     `yaml:"stall_iterations" env:"STALL_ITERATIONS" validate:"gte=1"`
	MessageBudget     float64 `yaml:"message_budget" env:"MESSAGE_BUDGET" validate:"gt=0,lte=1"`
	TrimTrigger       float64 `yaml:"trim_trigger" env:"TRIM_TRIGGER" validate:"gt=0,lte=1"`
	AnchorFraction    float64 `yaml:"anchor_fraction" env:"ANCHOR_FRACTION" validate:"gt=0,lte=1"`
	NegligibleText    int     `yaml:"negligible_text" env:"NEGLIGIBLE_TEXT" validate:"gte=0"`
}

// Verify holds verification gate settings.
type Verify struct {
	// Policy overrides the gate level per category, e.g. reference: hard.
	Policy      map[string]string `yaml:"policy" env:"POLICY" validate:"dive,oneof=soft hard"`
	InlineEvery int               `yaml:"inline_every" env:"INLINE_EVERY" validate:"gte=1"`
	InlineMax   int               `yaml:"inline_max" env:"INLINE_MAX" validate:"gte=0"`
}

// Store selects and configures the persistence backend.
type Store struct {
	Backend    string         `yaml:"backend" env:"BACKEND" validate:"oneof=memory sqlite file s3"`
	SQLitePath string         `yaml:"sqlite_path" env:"SQLITE_PATH" validate:"required_if=Backend sqlite"`
	FileRoot   string         `yaml:"file_root" env:"FILE_ROOT" validate:"required_if=Backend file"`
	S3         store.S3Config `yaml:"s3" envPrefix:"S3_"`
}

// Jobs configures background continuations.
type Jobs struct {
	Workers     int           `yaml:"workers" env:"WORKERS" validate:"gte=1"`
	Delay       time.Duration `yaml:"delay" env:"DELAY"`
	RetryDelay  time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" validate:"gte=1"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR" validate:"required_if=Enabled true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Provider: "anthropic",
		Models: Models{
			Fast:     "claude-haiku-4-5",
			Standard: "claude-sonnet-4-5",
			Deep:     "claude-opus-4-1",
		},
		MaxOutputTokens:        8192,
		Temperature:            0.2,
		FirstByteTimeout:       20 * time.Second,
		StreamFailureThreshold: 2,
		StreamCooldown:         5 * time.Minute,
		ExecutionBudget:        5 * time.Minute,
		CheckpointReserve:      45 * time.Second,
		MaxResumes:             5,
		Tokenizer:              "chars",
		Dispatch: Dispatch{
			Workers:         4,
			LookupSoftLimit: 8,
			LookupHardLimit: 14,
			ExcerptAfter:    3,
			SwitchAfter:     5,
			ExcerptLines:    40,
		},
		Loop: Loop{
			Nudges:            2,
			EscalationDepth:   1,
			MinimalIterations: 8,
			HybridIterations:  16,
			MaximalIterations: 30,
			StallIterations:   4,
			MessageBudget:     0.6,
			TrimTrigger:       0.8,
			AnchorFraction:    0.75,
			NegligibleText:    40,
		},
		Verify: Verify{InlineEvery: 2, InlineMax: 3},
		Store:  Store{Backend: "memory"},
		Jobs: Jobs{
			Workers:     2,
			Delay:       time.Second,
			RetryDelay:  5 * time.Second,
			MaxAttempts: 3,
		},
		Metrics: Metrics{Addr: ":9464"},
	}
}

// Load reads the configuration from the OS filesystem. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path, nil)
}

// LoadFs applies the YAML file at path on fsys and then the environment.
// environ overrides the process environment when non-nil.
func LoadFs(fsys afero.Fs, path string, environ map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(fsys, path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("config file %s does not exist", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ExecutionBudget > 0 && c.ExecutionBudget <= c.CheckpointReserve {
		return fmt.Errorf("invalid config: execution_budget %s must exceed checkpoint_reserve %s", c.ExecutionBudget, c.CheckpointReserve)
	}
	return nil
}
