package config

import (
	"fmt"
	"strings"

	"github.com/harun/agentloop/pkg/completion"
	"github.com/harun/agentloop/pkg/durable"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates a completion provider name
func (v *Validator) ValidateProvider(provider string) error {
	valid := []string{completion.ProviderGemini, completion.ProviderOpenAI, completion.ProviderAnthropic}
	for _, p := range valid {
		if provider == p {
			return nil
		}
	}
	return fmt.Errorf("invalid provider: %s (must be one of: %s)", provider, strings.Join(valid, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case completion.ProviderAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case completion.ProviderOpenAI:
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateStepTimeout validates the per-step timeout in seconds
func (v *Validator) ValidateStepTimeout(seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("step timeout must be positive, got %d", seconds)
	}
	if seconds > 3600 {
		return fmt.Errorf("step timeout too large (max 3600), got %d", seconds)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("max tokens cannot be negative, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateSchedule validates a recovery cron expression
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil // Use default
	}
	if _, err := durable.ScheduleParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateRetry validates the scheduler retry settings
func (v *Validator) ValidateRetry(s SchedulerConfig) []error {
	var errs []error
	if s.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_attempts must be >= 1"))
	}
	if s.InitialIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("scheduler.initial_interval_ms must be >= 0"))
	}
	if s.MaxIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_interval_ms must be >= 0"))
	}
	if s.BackoffCoefficient < 1 {
		errs = append(errs, fmt.Errorf("scheduler.backoff_coefficient must be >= 1"))
	}
	return errs
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateProvider(cfg.Agent.Provider); err != nil {
		errors = append(errors, err)
	}
	if key := cfg.Provider().APIKey; key != "" {
		if err := v.ValidateAPIKey(key, cfg.Agent.Provider); err != nil {
			errors = append(errors, err)
		}
	}
	if err := v.ValidateModel(cfg.Agent.Model); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateStepTimeout(cfg.Agent.StepTimeoutSeconds); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
		errors = append(errors, err)
	}
	if cfg.Agent.MaxIterations < 0 {
		errors = append(errors, fmt.Errorf("agent.max_iterations must be >= 0"))
	}

	errors = append(errors, v.ValidateRetry(cfg.Scheduler)...)
	if err := v.ValidateSchedule(cfg.Scheduler.RecoverySchedule); err != nil {
		errors = append(errors, err)
	}
	if cfg.Scheduler.QueueWarnAfterMs < 0 {
		errors = append(errors, fmt.Errorf("scheduler.queue_warn_after_ms must be >= 0"))
	}

	if cfg.Transcripts.MaxAgeHours < 0 {
		errors = append(errors, fmt.Errorf("transcripts.max_age_hours must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
