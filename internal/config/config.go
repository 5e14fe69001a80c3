package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the engine configuration. It is loaded from a JSON file
// when one is given and from the environment otherwise.
type Config struct {
	JobsDir       string `json:"jobs_dir" envconfig:"JOBS_DIR" default:"jobs"`
	SecretsFile   string `json:"secrets_file" envconfig:"SECRETS_FILE" default:"secrets.json"`
	PassphraseEnv string `json:"passphrase_env" envconfig:"PASSPHRASE_ENV" default:"CONDUIT_PASSPHRASE"`
	WatchJobs     bool   `json:"watch_jobs" envconfig:"WATCH_JOBS" default:"true"`
	WatchSecrets  bool   `json:"watch_secrets" envconfig:"WATCH_SECRETS" default:"true"`
	DebounceMs    int    `json:"debounce_ms" envconfig:"DEBOUNCE_MS" default:"500"`
	MaxConcurrent int    `json:"max_concurrent" envconfig:"MAX_CONCURRENT" default:"10"`
	GraceSeconds  int    `json:"grace_seconds" envconfig:"GRACE_SECONDS" default:"30"`
	APIPort       string `json:"api_port" envconfig:"API_PORT" default:"8080"`
	APIEnabled    bool   `json:"api_enabled" envconfig:"API_ENABLED" default:"true"`
}

// Load reads the config file at path, falling back to environment
// variables (including a .env file) when the file does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if err := godotenv.Load(); err != nil {
			if err := godotenv.Load(".env.local"); err != nil {
				fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
			}
		}
		var cfg Config
		if err := envconfig.Process("CONDUIT", &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
		return &cfg, cfg.Validate()
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		JobsDir:       "jobs",
		SecretsFile:   "secrets.json",
		PassphraseEnv: "CONDUIT_PASSPHRASE",
		WatchJobs:     true,
		WatchSecrets:  true,
		DebounceMs:    500,
		MaxConcurrent: 10,
		GraceSeconds:  30,
		APIPort:       "8080",
		APIEnabled:    true,
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.JobsDir == "" {
		return fmt.Errorf("jobs_dir is required")
	}
	if c.SecretsFile == "" {
		return fmt.Errorf("secrets_file is required")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	return nil
}

// Passphrase returns the envelope passphrase, empty in plain-JSON mode.
func (c *Config) Passphrase() string {
	return os.Getenv(c.PassphraseEnv)
}

// Debounce returns the secret watcher debounce interval.
func (c *Config) Debounce() time.Duration {
	if c.DebounceMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// GracePeriod returns the shutdown grace period.
func (c *Config) GracePeriod() time.Duration {
	if c.GraceSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.GraceSeconds) * time.Second
}
