// Package config provides configuration management for hAIvemind.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// Config holds all configuration sections for hAIvemind.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Oracles   OraclesConfig   `mapstructure:"oracles"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WorkspaceConfig holds the on-disk workspace layout configuration.
type WorkspaceConfig struct {
	Root               string `mapstructure:"root"`
	CheckpointInterval int    `mapstructure:"checkpointInterval"` // in seconds
	ShutdownGrace      int    `mapstructure:"shutdownGrace"`      // in seconds
}

// SchedulerConfig holds task-runner admission defaults. Per-project
// settings files override these values.
type SchedulerConfig struct {
	MaxConcurrency  int      `mapstructure:"maxConcurrency"`
	MaxRetriesTotal int      `mapstructure:"maxRetriesTotal"`
	CostCeiling     *float64 `mapstructure:"costCeiling"` // nil = unlimited
	AllowConcurrent bool     `mapstructure:"allowConcurrent"`
}

// ModelSpec is one entry in the tier escalation table.
type ModelSpec struct {
	Model      string  `mapstructure:"model" json:"model"`
	Multiplier float64 `mapstructure:"multiplier" json:"multiplier"`
}

// AgentsConfig holds worker subprocess configuration.
type AgentsConfig struct {
	Backend      string                       `mapstructure:"backend"`      // mock, cli, docker
	AgentTimeout int                          `mapstructure:"agentTimeout"` // in seconds
	KillGrace    int                          `mapstructure:"killGrace"`    // in seconds
	OutputCap    int                          `mapstructure:"outputCap"`    // bytes per agent
	Tiers        map[v1.ModelTier][]ModelSpec `mapstructure:"tiers"`
}

// OraclesConfig holds decomposer/verifier/planner subprocess configuration.
type OraclesConfig struct {
	DecomposeCommand    []string `mapstructure:"decomposeCommand"`
	VerifyCommand       []string `mapstructure:"verifyCommand"`
	PlanCommand         []string `mapstructure:"planCommand"`
	OrchestratorTimeout int      `mapstructure:"orchestratorTimeout"` // in seconds
	Mock                bool     `mapstructure:"mock"`
}

// NATSConfig holds NATS messaging configuration. An empty URL disables
// the NATS bridge and keeps all event delivery in-process.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CheckpointIntervalDuration returns the checkpoint interval as a time.Duration.
func (w *WorkspaceConfig) CheckpointIntervalDuration() time.Duration {
	return time.Duration(w.CheckpointInterval) * time.Second
}

// ShutdownGraceDuration returns the shutdown grace window as a time.Duration.
func (w *WorkspaceConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(w.ShutdownGrace) * time.Second
}

// AgentTimeoutDuration returns the per-agent timeout as a time.Duration.
func (a *AgentsConfig) AgentTimeoutDuration() time.Duration {
	return time.Duration(a.AgentTimeout) * time.Second
}

// KillGraceDuration returns the SIGTERM-to-SIGKILL grace window.
func (a *AgentsConfig) KillGraceDuration() time.Duration {
	return time.Duration(a.KillGrace) * time.Second
}

// OrchestratorTimeoutDuration returns the oracle call timeout.
func (o *OraclesConfig) OrchestratorTimeoutDuration() time.Duration {
	return time.Duration(o.OrchestratorTimeout) * time.Second
}

// DefaultTiers returns the built-in tier escalation table. Each tier
// lists models tried in order before escalating to the next tier.
func DefaultTiers() map[v1.ModelTier][]ModelSpec {
	return map[v1.ModelTier][]ModelSpec{
		v1.TierT0: {
			{Model: "ollama/qwen3-coder", Multiplier: 0},
		},
		v1.TierT1: {
			{Model: "copilot/gpt-5-mini", Multiplier: 0},
			{Model: "copilot/gpt-5", Multiplier: 1},
		},
		v1.TierT2: {
			{Model: "copilot/claude-sonnet-4.5", Multiplier: 1},
		},
		v1.TierT3: {
			{Model: "copilot/claude-opus-4.1", Multiplier: 3},
		},
	}
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HAIVEMIND_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Workspace defaults
	v.SetDefault("workspace.root", ".haivemind-workspace")
	v.SetDefault("workspace.checkpointInterval", 10)
	v.SetDefault("workspace.shutdownGrace", 30)

	// Scheduler defaults
	v.SetDefault("scheduler.maxConcurrency", 3)
	v.SetDefault("scheduler.maxRetriesTotal", 3)
	v.SetDefault("scheduler.allowConcurrent", false)

	// Agent defaults
	v.SetDefault("agents.backend", "cli")
	v.SetDefault("agents.agentTimeout", 300)
	v.SetDefault("agents.killGrace", 5)
	v.SetDefault("agents.outputCap", 1024*1024)

	// Oracle defaults
	v.SetDefault("oracles.decomposeCommand", []string{"haivemind-decompose"})
	v.SetDefault("oracles.verifyCommand", []string{"haivemind-verify"})
	v.SetDefault("oracles.planCommand", []string{})
	v.SetDefault("oracles.orchestratorTimeout", 300)
	v.SetDefault("oracles.mock", false)

	// NATS defaults - empty URL means in-process delivery only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "haivemind")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HAIVEMIND_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/haivemind/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HAIVEMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/haivemind/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(cfg.Agents.Tiers) == 0 {
		cfg.Agents.Tiers = DefaultTiers()
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root must be set")
	}
	if cfg.Workspace.CheckpointInterval <= 0 {
		errs = append(errs, "workspace.checkpointInterval must be positive")
	}

	if cfg.Scheduler.MaxConcurrency < 1 {
		errs = append(errs, "scheduler.maxConcurrency must be at least 1")
	}
	if cfg.Scheduler.MaxRetriesTotal < 0 {
		errs = append(errs, "scheduler.maxRetriesTotal must not be negative")
	}
	if cfg.Scheduler.CostCeiling != nil && *cfg.Scheduler.CostCeiling < 0 {
		errs = append(errs, "scheduler.costCeiling must not be negative")
	}

	if cfg.Agents.AgentTimeout <= 0 {
		errs = append(errs, "agents.agentTimeout must be positive")
	}
	if cfg.Agents.OutputCap <= 0 {
		errs = append(errs, "agents.outputCap must be positive")
	}
	for tier, specs := range cfg.Agents.Tiers {
		if len(specs) == 0 {
			errs = append(errs, fmt.Sprintf("agents.tiers.%s must list at least one model", tier))
		}
	}

	if cfg.Oracles.OrchestratorTimeout <= 0 {
		errs = append(errs, "oracles.orchestratorTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DefaultSettings returns the per-project settings derived from the
// scheduler defaults.
func (c *Config) DefaultSettings() v1.Settings {
	return v1.Settings{
		CostCeiling:     c.Scheduler.CostCeiling,
		MaxConcurrency:  c.Scheduler.MaxConcurrency,
		MaxRetriesTotal: c.Scheduler.MaxRetriesTotal,
		Escalation:      true,
	}
}
