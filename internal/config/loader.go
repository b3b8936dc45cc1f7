package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "AGENTLOOP"
	configDirName  = ".agentloop"
	configFileName = "agentloop.json"
)

// envAliases are environment variables honoured in addition to the
// AGENTLOOP_ prefixed form of every key.
var envAliases = map[string][]string{
	"providers.gemini.api_key":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"providers.openai.api_key":    {"OPENAI_API_KEY"},
	"providers.anthropic.api_key": {"ANTHROPIC_API_KEY"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// DefaultPath returns $HOME/.agentloop/agentloop.json
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configDirName, configFileName)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	return DefaultPath()
}

// newViper builds a viper instance seeded with every default so that
// environment variables override nested keys too.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	for key, aliases := range envAliases {
		names := append([]string{envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("agent.provider", cfg.Agent.Provider)
	v.SetDefault("agent.model", cfg.Agent.Model)
	v.SetDefault("agent.instructions", cfg.Agent.Instructions)
	v.SetDefault("agent.max_tokens", cfg.Agent.MaxTokens)
	v.SetDefault("agent.step_timeout_seconds", cfg.Agent.StepTimeoutSeconds)
	v.SetDefault("agent.max_iterations", cfg.Agent.MaxIterations)
	v.SetDefault("agent.tools.allow", cfg.Agent.Tools.Allow)
	v.SetDefault("agent.tools.deny", cfg.Agent.Tools.Deny)

	v.SetDefault("providers.gemini.base_url", "")
	v.SetDefault("providers.openai.base_url", "")
	v.SetDefault("providers.anthropic.base_url", "")

	v.SetDefault("scheduler.db_path", cfg.Scheduler.DBPath)
	v.SetDefault("scheduler.task_queue", cfg.Scheduler.TaskQueue)
	v.SetDefault("scheduler.max_attempts", cfg.Scheduler.MaxAttempts)
	v.SetDefault("scheduler.initial_interval_ms", cfg.Scheduler.InitialIntervalMs)
	v.SetDefault("scheduler.max_interval_ms", cfg.Scheduler.MaxIntervalMs)
	v.SetDefault("scheduler.backoff_coefficient", cfg.Scheduler.BackoffCoefficient)
	v.SetDefault("scheduler.recovery_schedule", cfg.Scheduler.RecoverySchedule)
	v.SetDefault("scheduler.queue_warn_after_ms", cfg.Scheduler.QueueWarnAfterMs)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetDefault("transcripts.enabled", cfg.Transcripts.Enabled)
	v.SetDefault("transcripts.dir", cfg.Transcripts.Dir)
	v.SetDefault("transcripts.max_age_hours", cfg.Transcripts.MaxAgeHours)

	v.SetDefault("data_dir", cfg.DataDir)
}

// Load loads the configuration from file and environment. A missing file is
// not an error; defaults and environment variables still apply.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := newViper()
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyPathDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPathDefaults fills file locations that derive from the data directory
func applyPathDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, configDirName)
	}

	if cfg.Scheduler.DBPath == "" {
		cfg.Scheduler.DBPath = filepath.Join(cfg.DataDir, "agentloop.db")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "agentloop.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.Transcripts.Dir == "" {
		cfg.Transcripts.Dir = filepath.Join(cfg.DataDir, "transcripts")
	}
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("agent", cfg.Agent)
	v.Set("providers", cfg.Providers)
	v.Set("scheduler", cfg.Scheduler)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("transcripts", cfg.Transcripts)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	// The file holds API keys
	if err := os.Chmod(configPath, 0600); err != nil {
		return fmt.Errorf("failed to restrict config file permissions: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
