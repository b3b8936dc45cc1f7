package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/agentloop/pkg/completion"
	"github.com/harun/agentloop/pkg/durable"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

// Config represents the main agentloop configuration
type Config struct {
	// Agent loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Completion providers
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Durable scheduler
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Conversation transcripts
	Transcripts TranscriptsConfig `json:"transcripts" mapstructure:"transcripts"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig configures the agent loop
type AgentConfig struct {
	Provider           string           `json:"provider" mapstructure:"provider"` // gemini, openai, anthropic
	Model              string           `json:"model" mapstructure:"model"`
	Instructions       string           `json:"instructions" mapstructure:"instructions"`
	MaxTokens          int              `json:"max_tokens" mapstructure:"max_tokens"`
	StepTimeoutSeconds int              `json:"step_timeout_seconds" mapstructure:"step_timeout_seconds"`
	MaxIterations      int              `json:"max_iterations" mapstructure:"max_iterations"` // 0 = unbounded
	Tools              ToolPolicyConfig `json:"tools" mapstructure:"tools"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// ProvidersConfig holds credentials per completion provider
type ProvidersConfig struct {
	Gemini    ProviderConfig `json:"gemini" mapstructure:"gemini"`
	OpenAI    ProviderConfig `json:"openai" mapstructure:"openai"`
	Anthropic ProviderConfig `json:"anthropic" mapstructure:"anthropic"`
}

// ProviderConfig holds one provider's credentials
type ProviderConfig struct {
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

// SchedulerConfig configures the durable workflow engine
type SchedulerConfig struct {
	DBPath             string  `json:"db_path" mapstructure:"db_path"`
	TaskQueue          string  `json:"task_queue" mapstructure:"task_queue"`
	MaxAttempts        int     `json:"max_attempts" mapstructure:"max_attempts"`
	InitialIntervalMs  int     `json:"initial_interval_ms" mapstructure:"initial_interval_ms"`
	MaxIntervalMs      int     `json:"max_interval_ms" mapstructure:"max_interval_ms"`
	BackoffCoefficient float64 `json:"backoff_coefficient" mapstructure:"backoff_coefficient"`
	RecoverySchedule   string  `json:"recovery_schedule" mapstructure:"recovery_schedule"`
	QueueWarnAfterMs   int     `json:"queue_warn_after_ms" mapstructure:"queue_warn_after_ms"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig configures the Prometheus endpoint served by the worker
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TranscriptsConfig configures JSONL conversation transcripts
type TranscriptsConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Dir         string `json:"dir" mapstructure:"dir"`
	MaxAgeHours int    `json:"max_age_hours" mapstructure:"max_age_hours"` // 0 keeps transcripts forever
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:           completion.ProviderGemini,
			Model:              "gemini-2.0-flash-exp",
			StepTimeoutSeconds: 30,
			MaxIterations:      0,
			Tools: ToolPolicyConfig{
				Allow: []string{"*"},
				Deny:  []string{},
			},
		},
		Scheduler: SchedulerConfig{
			TaskQueue:          "tool-invoking-agent-gemini-task-queue",
			MaxAttempts:        3,
			InitialIntervalMs:  1000,
			MaxIntervalMs:      10000,
			BackoffCoefficient: 2,
			RecoverySchedule:   durable.DefaultRecoverySchedule,
			QueueWarnAfterMs:   2000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
		Transcripts: TranscriptsConfig{
			Enabled:     true,
			MaxAgeHours: 0,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Providers.Gemini.APIKey = mask(c.Providers.Gemini.APIKey)
	masked.Providers.OpenAI.APIKey = mask(c.Providers.OpenAI.APIKey)
	masked.Providers.Anthropic.APIKey = mask(c.Providers.Anthropic.APIKey)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// StepTimeout returns the per-attempt step timeout
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Agent.StepTimeoutSeconds) * time.Second
}

// RetryPolicy returns the scheduler retry policy
func (c *Config) RetryPolicy() durable.RetryPolicy {
	return durable.RetryPolicy{
		MaxAttempts:        c.Scheduler.MaxAttempts,
		InitialInterval:    time.Duration(c.Scheduler.InitialIntervalMs) * time.Millisecond,
		BackoffCoefficient: c.Scheduler.BackoffCoefficient,
		MaxInterval:        time.Duration(c.Scheduler.MaxIntervalMs) * time.Millisecond,
	}
}

// QueueWarnAfter returns how long a queued workflow may wait before a warning
func (c *Config) QueueWarnAfter() time.Duration {
	return time.Duration(c.Scheduler.QueueWarnAfterMs) * time.Millisecond
}

// ToolPolicy returns the tool policy of the agent
func (c *Config) ToolPolicy() *toolexecutor.ToolPolicy {
	return &toolexecutor.ToolPolicy{
		Allow: append([]string(nil), c.Agent.Tools.Allow...),
		Deny:  append([]string(nil), c.Agent.Tools.Deny...),
	}
}

// Provider returns the credentials of the configured provider
func (c *Config) Provider() completion.ProviderConfig {
	var p ProviderConfig
	switch c.Agent.Provider {
	case completion.ProviderOpenAI:
		p = c.Providers.OpenAI
	case completion.ProviderAnthropic:
		p = c.Providers.Anthropic
	default:
		p = c.Providers.Gemini
	}
	return completion.ProviderConfig{
		Provider:  c.Agent.Provider,
		APIKey:    p.APIKey,
		BaseURL:   p.BaseURL,
		MaxTokens: c.Agent.MaxTokens,
	}
}

// Validate checks if the configuration is structurally valid
func (c *Config) Validate() error {
	switch c.Agent.Provider {
	case completion.ProviderGemini, completion.ProviderOpenAI, completion.ProviderAnthropic:
	default:
		return fmt.Errorf("invalid provider %s (must be: gemini, openai, anthropic)", c.Agent.Provider)
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("agent model is required")
	}
	if c.Agent.StepTimeoutSeconds <= 0 {
		return fmt.Errorf("agent step_timeout_seconds must be positive")
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent max_iterations must be >= 0")
	}
	if c.Scheduler.DBPath == "" {
		return fmt.Errorf("scheduler db_path is required")
	}
	if c.Scheduler.TaskQueue == "" {
		return fmt.Errorf("scheduler task_queue is required")
	}
	return nil
}

// ValidateCredentials checks that the configured provider has an API key
func (c *Config) ValidateCredentials() error {
	if c.Provider().APIKey == "" {
		return fmt.Errorf("no API key configured for provider %s", c.Agent.Provider)
	}
	return nil
}
