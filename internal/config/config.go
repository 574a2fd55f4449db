package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	PollInterval time.Duration `yaml:"-"`
	RawInterval  string        `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"-"`
	RawMaxWait   string        `yaml:"max_wait"`

	Mainline    string      `yaml:"mainline"`
	MergeMethod string      `yaml:"merge_method"`
	LogFile     string      `yaml:"log_file"`
	Log         LogConfig   `yaml:"log"`
	Infra       InfraConfig `yaml:"infra"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type InfraConfig struct {
	// Dir holds the terraform configuration scanned for the organization
	// declaration. Relative paths resolve against the repository root.
	Dir      string `yaml:"dir"`
	Disabled bool   `yaml:"disabled"`
}

// Load reads the repo-local config file. A missing file yields defaults:
// the whole file is optional, every knob has a working zero-config value.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() error {
	if c.RawInterval == "" {
		c.RawInterval = "60s"
	}
	d, err := time.ParseDuration(c.RawInterval)
	if err != nil {
		return fmt.Errorf("parse poll_interval %q: %w", c.RawInterval, err)
	}
	c.PollInterval = d

	if c.RawMaxWait == "" {
		c.RawMaxWait = "3600s"
	}
	w, err := time.ParseDuration(c.RawMaxWait)
	if err != nil {
		return fmt.Errorf("parse max_wait %q: %w", c.RawMaxWait, err)
	}
	c.MaxWait = w

	if c.Mainline == "" {
		c.Mainline = "main"
	}
	if c.MergeMethod == "" {
		c.MergeMethod = "squash"
	}
	if c.LogFile == "" {
		c.LogFile = ".autoland/logs/autoland.log"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Infra.Dir == "" {
		c.Infra.Dir = "terraform"
	}
	return nil
}

func (c *Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.RawInterval)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("max_wait must be positive, got %s", c.RawMaxWait)
	}
	switch c.MergeMethod {
	case "squash", "merge":
	default:
		return fmt.Errorf("invalid merge_method %q (squash|merge)", c.MergeMethod)
	}
	return nil
}
