// Package config loads the optional TOML configuration file.
//
// Every key has a default, so a missing file section keeps the built-in
// value. Unknown keys are rejected so typos do not silently fall back to
// defaults.
package config

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type Config struct {
	// Backlog is the listen(2) backlog.
	Backlog int `toml:"backlog"`
	// MaxEvents bounds the readiness events returned by one wait call.
	MaxEvents int     `toml:"max_events"`
	Log       Log     `toml:"log"`
	Metrics   Metrics `toml:"metrics"`
}

type Log struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type Metrics struct {
	// Addr serves /metrics when non-empty.
	Addr string `toml:"addr"`
}

func Default() Config {
	return Config{
		Backlog:   5,
		MaxEvents: 1024,
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "decode config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, errors.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Backlog <= 0 {
		return errors.Errorf("backlog must be positive, got %d", c.Backlog)
	}
	if c.MaxEvents <= 0 {
		return errors.Errorf("max_events must be positive, got %d", c.MaxEvents)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return errors.New("log rotation limits must not be negative")
	}
	return nil
}
