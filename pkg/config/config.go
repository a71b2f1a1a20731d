// Package config loads the checkpointd service document. The same YAML file
// carries the checkpointing policy section, which pkg/policy parses.
package config

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wilhg/ckpt/pkg/errmodel"
	"github.com/wilhg/ckpt/pkg/logging"
	"github.com/wilhg/ckpt/pkg/otel"
	"github.com/wilhg/ckpt/pkg/policy"
)

const (
	DefaultDatabaseURL  = "sqlite:file:ckpt.sqlite?_pragma=busy_timeout(5000)"
	DefaultArtifactsDir = "checkpoints"
	DefaultAddr         = ":8080"
	DefaultSweepGrace   = time.Hour
)

// Config is the service document.
type Config struct {
	DatabaseURL  string         `yaml:"database_url"`
	ArtifactsDir string         `yaml:"artifacts_dir"`
	Addr         string         `yaml:"addr"`
	SweepGrace   time.Duration  `yaml:"sweep_grace"`
	Logging      logging.Config `yaml:"logging"`
	Tracing      Tracing        `yaml:"tracing"`

	// Path is the file Config was read from; empty for defaults.
	Path string `yaml:"-"`
}

// Tracing mirrors the file-settable part of otel.Config.
type Tracing struct {
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns a Config with every field set.
func Default() *Config {
	return &Config{
		DatabaseURL:  DefaultDatabaseURL,
		ArtifactsDir: DefaultArtifactsDir,
		Addr:         DefaultAddr,
		SweepGrace:   DefaultSweepGrace,
		Logging:      logging.Config{Level: "info", Format: logging.FormatConsole},
		Tracing:      Tracing{Exporter: otel.ExporterNone},
	}
}

// Load reads path (optional) over the defaults and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, errmodel.Config("not_found", "config file does not exist", map[string]any{"path": path}, err)
			}
			return nil, errmodel.Config("unreadable", "cannot read config file", map[string]any{"path": path}, err)
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, errmodel.Parse("malformed", "config file is not valid YAML", map[string]any{"path": path}, err)
			}
		}
		cfg.Path = path
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.ArtifactsDir = getEnv("CKPT_ARTIFACTS_DIR", c.ArtifactsDir)
	c.Addr = getEnv("CKPT_ADDR", c.Addr)
	c.Logging.Level = getEnv("CKPT_LOG_LEVEL", c.Logging.Level)
	c.Tracing.Exporter = getEnv("CKPT_TRACE_EXPORTER", c.Tracing.Exporter)
	if v := os.Getenv("CKPT_TRACE_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Tracing.SampleRatio = f
		}
	}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var causes []error
	if c.DatabaseURL == "" {
		causes = append(causes, errors.New("database_url is empty"))
	}
	if c.ArtifactsDir == "" {
		causes = append(causes, errors.New("artifacts_dir is empty"))
	}
	if c.SweepGrace < 0 {
		causes = append(causes, errors.New("sweep_grace is negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		causes = append(causes, errors.New("tracing.sample_ratio must be within [0,1]"))
	}
	switch c.Tracing.Exporter {
	case "", otel.ExporterNone, otel.ExporterStdout:
	default:
		causes = append(causes, errors.New("tracing.exporter must be none or stdout"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		causes = append(causes, err)
	}
	if len(causes) > 0 {
		return errmodel.Validation("invalid_config", "config has invalid fields", map[string]any{"path": c.Path}, causes...)
	}
	return nil
}

// Policies loads the checkpointing section from the config file.
func (c *Config) Policies(required ...policy.Kind) (map[policy.Kind]policy.Policy, error) {
	if c.Path == "" {
		return nil, errmodel.Config("no_policy_source", "no config file to read checkpointing policies from", nil, nil)
	}
	return policy.LoadFile(c.Path, required...)
}

// Otel converts the tracing section for otel.Init.
func (c *Config) Otel(version string) otel.Config {
	return otel.Config{
		ServiceName:    "checkpointd",
		ServiceVersion: version,
		Exporter:       c.Tracing.Exporter,
		SampleRatio:    c.Tracing.SampleRatio,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
