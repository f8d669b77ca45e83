package config

import "strconv"

// ClaudeConfig selects the CLI used to run stages.
type ClaudeConfig struct {
	// Command is the CLI binary name or path.
	Command string `koanf:"command" yaml:"command"`
	// Args are appended to every invocation.
	Args []string `koanf:"args" yaml:"args,omitempty"`
}

// StageConfig overrides settings for one stage.
type StageConfig struct {
	Model string `koanf:"model" yaml:"model,omitempty"` // Takes precedence over the prompt's front matter
}

// Config is the top-level kern configuration. Stages is keyed by stage
// number.
type Config struct {
	Claude         ClaudeConfig           `koanf:"claude" yaml:"claude"`
	SpecFile       string                 `koanf:"spec_file" yaml:"spec_file"`
	MaxFixAttempts int                    `koanf:"max_fix_attempts" yaml:"max_fix_attempts"`
	DefaultCount   int                    `koanf:"default_count" yaml:"default_count"`
	PromptsDir     string                 `koanf:"prompts_dir" yaml:"prompts_dir,omitempty"`
	UpdateURL      string                 `koanf:"update_url" yaml:"update_url"`
	Stages         map[string]StageConfig `koanf:"stages" yaml:"stages,omitempty"`
}

// StageModel returns the configured model override for a stage, or "".
func (c *Config) StageModel(number int) string {
	return c.Stages[strconv.Itoa(number)].Model
}
