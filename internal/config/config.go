// Package config loads client settings from an optional YAML file and
// DEEPSEARCH_ environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "deepsearch.yaml"

const envPrefix = "DEEPSEARCH_"

type Config struct {
	Client    ClientConfig           `koanf:"client"`
	Research  domain.ResearchOptions `koanf:"research"`
	Storage   StorageConfig          `koanf:"storage"`
	Console   ConsoleConfig          `koanf:"console"`
	Log       LogConfig              `koanf:"log"`
	Telemetry TelemetryConfig        `koanf:"telemetry"`
}

type ClientConfig struct {
	BaseURL   string `koanf:"base_url"`
	APIKey    string `koanf:"api_key"`
	UserAgent string `koanf:"user_agent"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type ConsoleConfig struct {
	Port int `koanf:"port"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var defaults = map[string]any{
	"client.base_url":        "http://localhost:8000",
	"client.user_agent":      "deepsearch-client/1.0",
	"research.report_format": string(domain.ReportFormal),
	"storage.type":           "memory",
	"storage.sqlite.path":    "deepsearch.db",
	"console.port":           8080,
	"log.level":              "info",
	"log.format":             "json",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty; a missing file is fine), then
// applies environment overrides such as DEEPSEARCH_CLIENT__BASE_URL, then
// defaults for anything still unset.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Client.APIKey = substituteEnvVars(cfg.Client.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated settings and the default research options.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "sqlite", "none":
	default:
		return fmt.Errorf("storage.type: unknown value %q", c.Storage.Type)
	}
	if c.Storage.Type == "sqlite" && c.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required for sqlite storage")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unknown value %q", c.Log.Format)
	}
	if err := domain.ValidateQuery("-", c.Research); err != nil {
		return fmt.Errorf("research: %w", err)
	}
	return nil
}

// SlogLevel maps log.level to a slog level, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
