package chatcore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level orchestrator configuration.
type Config struct {
	Primary  PrimaryConfig  `yaml:"primary"`
	Fallback FallbackConfig `yaml:"fallback"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Retry    RetryConfig    `yaml:"retry"`
	CacheTTL time.Duration  `yaml:"cache_ttl"`
}

// PrimaryConfig configures the primary provider: one API key and upstream
// model ID per model class.
type PrimaryConfig struct {
	BaseURL string                      `yaml:"base_url"`
	Models  map[ModelClass]PrimaryModel `yaml:"models"`
}

// PrimaryModel is the credential pair for one primary model class.
type PrimaryModel struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// FallbackConfig configures the fallback provider: endpoint, key, and
// upstream model ID per model class, plus an optional dedicated research
// model.
type FallbackConfig struct {
	Models   map[ModelClass]FallbackModel `yaml:"models"`
	Research FallbackModel                `yaml:"research"`
}

// FallbackModel is the endpoint triple for one fallback model class.
type FallbackModel struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// BreakerConfig tunes the per-upstream circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// RetryConfig tunes the in-attempt retry of transient upstream errors.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// LoadConfig reads and parses a YAML config file. Environment variables
// in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("chatcore: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("chatcore: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Primary.Models) == 0 && len(c.Fallback.Models) == 0 {
		return fmt.Errorf("chatcore: config: at least one provider model is required")
	}

	for class := range c.Primary.Models {
		if !validClass(class) {
			return fmt.Errorf("chatcore: config: primary: invalid model class %q", class)
		}
	}
	for class, m := range c.Fallback.Models {
		if !validClass(class) {
			return fmt.Errorf("chatcore: config: fallback: invalid model class %q", class)
		}
		if m.URL == "" {
			return fmt.Errorf("chatcore: config: fallback %s: url is required", class)
		}
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("chatcore: config: retry: max_attempts must not be negative")
	}
	return nil
}

func validClass(class ModelClass) bool {
	switch class {
	case ClassPro, ClassTurbo, ClassMini, ClassImage:
		return true
	default:
		return false
	}
}

// withDefaults fills zero-valued tuning knobs.
func (c Config) withDefaults() Config {
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = defaultFailureThreshold
	}
	if c.Breaker.RecoveryTimeout == 0 {
		c.Breaker.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}
