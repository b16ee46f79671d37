// Package config provides configuration types and loading for the engine.
// Every section follows the same convention: SetDefaults fills zero values,
// Validate rejects inconsistent settings.
package config

import (
	"fmt"
)

// Config is the root configuration for the engine.
type Config struct {
	Database      DatabaseConfig               `yaml:"database"`
	LLMs          map[string]LLMProviderConfig `yaml:"llms"`
	Engine        EngineConfig                 `yaml:"engine"`
	Scheduler     SchedulerConfig              `yaml:"scheduler"`
	Observability ObservabilityConfig          `yaml:"observability"`
	Logging       LoggingConfig                `yaml:"logging"`
}

func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	for name, llm := range c.LLMs {
		llm.SetDefaults()
		c.LLMs[name] = llm
	}
	c.Engine.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Observability.SetDefaults()
	c.Logging.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llms.%s: %w", name, err)
		}
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// EngineConfig bounds agent and workflow execution.
type EngineConfig struct {
	// MaxIterations caps the reasoning loop of a single agent invocation.
	MaxIterations int `yaml:"max_iterations"`
	// LLMRetries is the number of in-turn retries on retryable provider errors.
	LLMRetries int `yaml:"llm_retries"`
	// DefaultStepTimeout is applied to steps without an explicit timeout (seconds).
	DefaultStepTimeout int `yaml:"default_step_timeout"`
	// MaxStepTimeout is the hard ceiling for per-step timeouts (seconds).
	MaxStepTimeout int `yaml:"max_step_timeout"`
}

func (c *EngineConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 5
	}
	if c.LLMRetries == 0 {
		c.LLMRetries = 2
	}
	if c.DefaultStepTimeout == 0 {
		c.DefaultStepTimeout = 300
	}
	if c.MaxStepTimeout == 0 {
		c.MaxStepTimeout = 3600
	}
}

func (c *EngineConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if c.DefaultStepTimeout < 1 || c.DefaultStepTimeout > c.MaxStepTimeout {
		return fmt.Errorf("default_step_timeout must be between 1 and %d", c.MaxStepTimeout)
	}
	return nil
}

// SchedulerConfig controls the cron scheduler and the approval timeout sweeper.
type SchedulerConfig struct {
	Enabled       bool `yaml:"enabled"`
	TickInterval  int  `yaml:"tick_interval"`  // seconds
	SweepInterval int  `yaml:"sweep_interval"` // seconds, approval timeout sweep
}

func (c *SchedulerConfig) SetDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = 60
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30
	}
}

func (c *SchedulerConfig) Validate() error {
	if c.TickInterval < 1 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-grpc" or "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp-grpc"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4317"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "flowmatic"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
}

func (c *ObservabilityConfig) Validate() error {
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp-grpc", "stdout":
		default:
			return fmt.Errorf("tracing.exporter must be otlp-grpc or stdout, got %q", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	return nil
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "simple" or "verbose"
	File   string `yaml:"file"`   // empty = stderr
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}
