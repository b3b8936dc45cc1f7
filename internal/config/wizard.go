package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/harun/agentloop/pkg/completion"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard on stdin and stdout
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard reading answers from in
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for a provider, its API key and a model, starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== agentloop configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	validator := NewValidator()

	for {
		provider, err := w.ask(fmt.Sprintf("Provider (gemini, openai, anthropic) [%s]: ", cfg.Agent.Provider))
		if err != nil {
			return nil, err
		}
		if provider == "" {
			provider = cfg.Agent.Provider
		}
		if err := validator.ValidateProvider(provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		if provider != cfg.Agent.Provider && cfg.Agent.Model == DefaultConfig().Agent.Model {
			cfg.Agent.Model = defaultModelFor(provider)
		}
		cfg.Agent.Provider = provider
		break
	}

	for {
		key, err := w.ask(fmt.Sprintf("%s API key: ", cfg.Agent.Provider))
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateAPIKey(key, cfg.Agent.Provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		setAPIKey(cfg, key)
		break
	}

	model, err := w.ask(fmt.Sprintf("Model [%s]: ", cfg.Agent.Model))
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.Agent.Model = model
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete.")
	return cfg, nil
}

func defaultModelFor(provider string) string {
	switch provider {
	case completion.ProviderOpenAI:
		return "gpt-4o-mini"
	case completion.ProviderAnthropic:
		return "claude-sonnet-4-20250514"
	default:
		return DefaultConfig().Agent.Model
	}
}

func setAPIKey(cfg *Config, key string) {
	switch cfg.Agent.Provider {
	case completion.ProviderOpenAI:
		cfg.Providers.OpenAI.APIKey = key
	case completion.ProviderAnthropic:
		cfg.Providers.Anthropic.APIKey = key
	default:
		cfg.Providers.Gemini.APIKey = key
	}
}

// ask prints prompt and reads one trimmed line
func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
