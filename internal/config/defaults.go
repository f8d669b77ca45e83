package config

// DefaultUpdateURL is the install script used by `kern --update`.
const DefaultUpdateURL = "https://raw.githubusercontent.com/0xjgv/kern/main/install.sh"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Claude: ClaudeConfig{
			Command: "claude",
		},
		SpecFile:       "SPEC.md",
		MaxFixAttempts: 1,
		DefaultCount:   5,
		UpdateURL:      DefaultUpdateURL,
		Stages:         map[string]StageConfig{},
	}
}
