// Package config loads jobwire process configuration from a file and
// JOBWIRE_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aura-studio/jobwire"
)

// Config is the top-level configuration loaded from file/env.
// Redis has no defaults: a missing host/port is reported by
// jobwire.ResolveConnection instead of silently pointing at localhost.
type Config struct {
	Redis             jobwire.RedisConfig `json:"redis" yaml:"redis"`
	Prefix            string              `json:"prefix" yaml:"prefix"`
	Queue             string              `json:"queue" yaml:"queue"`
	Concurrency       int                 `json:"concurrency" yaml:"concurrency"`
	LockDurationMs    int                 `json:"lockDurationMs" yaml:"lockDurationMs"`
	DispatchTimeoutMs int                 `json:"dispatchTimeoutMs" yaml:"dispatchTimeoutMs"`
	HealthAddr        string              `json:"healthAddr" yaml:"healthAddr"`
	LogLevel          string              `json:"logLevel" yaml:"logLevel"`
	LogFormat         string              `json:"logFormat" yaml:"logFormat"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Prefix:            "jobwire",
		Concurrency:       jobwire.DefaultConcurrency,
		LockDurationMs:    int(jobwire.DefaultLockDuration / time.Millisecond),
		DispatchTimeoutMs: int(jobwire.DefaultDispatchTimeout / time.Millisecond),
		HealthAddr:        ":8080",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads configuration from a JSON or YAML file (by extension) over the
// defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c Config) LockDuration() time.Duration {
	return time.Duration(c.LockDurationMs) * time.Millisecond
}

func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutMs) * time.Millisecond
}

// Validate checks the non-Redis settings. Redis settings are validated when
// the connection is resolved.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("config: concurrency must be >= 1"))
	}
	if c.LockDurationMs <= 0 {
		errs = append(errs, errors.New("config: lockDurationMs must be > 0"))
	}
	if c.DispatchTimeoutMs <= 0 {
		errs = append(errs, errors.New("config: dispatchTimeoutMs must be > 0"))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, errors.New("config: logFormat must be text or json"))
	}
	return errors.Join(errs...)
}
