package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/stacker/internal/core/deployment"
	"github.com/artpar/stacker/internal/shell/docker"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds the tool configuration. The topology itself is read from the
// topology file, not from here.
type Config struct {
	Project      string             `mapstructure:"project"`
	File         string             `mapstructure:"file"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	State        StateConfig        `mapstructure:"state"`
	Status       StatusConfig       `mapstructure:"status"`
	Log          LogConfig          `mapstructure:"log"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// OrchestratorConfig tunes service startup, supervision and shutdown.
type OrchestratorConfig struct {
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	StopGrace        time.Duration `mapstructure:"stop_grace"`
	Backoff          BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig bounds the delay between supervised restarts.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// StateConfig holds run history configuration.
type StateConfig struct {
	// DSN of the run history database. Empty disables history.
	DSN string `mapstructure:"dsn"`
	// Keep is the number of runs retained per project; 0 keeps all.
	Keep int `mapstructure:"keep"`
}

// StatusConfig holds the status HTTP server configuration used by attached up.
type StatusConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c StatusConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OrchestratorConfig converts the loaded settings for the orchestrator.
func (c *Config) OrchestratorConfig(project, projectDir string) docker.Config {
	home, _ := os.UserHomeDir()
	return docker.Config{
		Project:          project,
		ProjectDir:       projectDir,
		HomeDir:          home,
		ReadinessTimeout: c.Orchestrator.ReadinessTimeout,
		ProbeInterval:    c.Orchestrator.ProbeInterval,
		StopGrace:        c.Orchestrator.StopGrace,
		Backoff: deployment.BackoffConfig{
			Initial:    c.Orchestrator.Backoff.Initial,
			Max:        c.Orchestrator.Backoff.Max,
			Multiplier: c.Orchestrator.Backoff.Multiplier,
		},
	}
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("project", "")
	v.SetDefault("file", "stack.yaml")
	v.SetDefault("docker.host", "")
	v.SetDefault("orchestrator.readiness_timeout", "60s")
	v.SetDefault("orchestrator.probe_interval", "500ms")
	v.SetDefault("orchestrator.stop_grace", "10s")
	v.SetDefault("orchestrator.backoff.initial", "1s")
	v.SetDefault("orchestrator.backoff.max", "30s")
	v.SetDefault("orchestrator.backoff.multiplier", 2.0)
	v.SetDefault("state.dsn", "./.stacker/state.db")
	v.SetDefault("state.keep", 50)
	v.SetDefault("status.enabled", true)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 9464)
	v.SetDefault("status.shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults; a broken one is an error.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("STACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to w so that command output on stdout stays machine-readable.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
