package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as a string ("90s", "10m") in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple worker kinds can share one provider.
type ProviderConfig struct {
	Command  string   `json:"command" toml:"command"`                       // CLI binary name (e.g., "claude", "codex", "goose")
	Args     []string `json:"args,omitempty" toml:"args,omitempty"`         // Default args appended to every invocation
	Type     string   `json:"type" toml:"type"`                             // Backend type: "claude", "codex", "goose"
	Provider string   `json:"provider,omitempty" toml:"provider,omitempty"` // Local LLM host for goose (e.g., "ollama")
}

// AgentConfig configures one worker kind: which provider generates its code
// and which commands verify it.
type AgentConfig struct {
	Provider       string   `json:"provider" toml:"provider"`                                   // Key into Providers map
	Model          string   `json:"model,omitempty" toml:"model,omitempty"`                     // Model override (e.g., "opus-4", "gpt-4.1")
	SystemPrompt   string   `json:"system_prompt,omitempty" toml:"system_prompt,omitempty"`     // Role-specific system prompt
	VerifyCommands []string `json:"verify_commands,omitempty" toml:"verify_commands,omitempty"` // Shell commands that must all pass
}

// SchedulerConfig bounds concurrency and the self-correction loop.
type SchedulerConfig struct {
	MaxConcurrent       int      `json:"max_concurrent,omitempty" toml:"max_concurrent,omitempty"`
	MaxAttempts         int      `json:"max_attempts,omitempty" toml:"max_attempts,omitempty"`
	GenerationTimeout   Duration `json:"generation_timeout,omitempty" toml:"generation_timeout,omitempty"`
	VerificationTimeout Duration `json:"verification_timeout,omitempty" toml:"verification_timeout,omitempty"`
	IdleAgentTTL        Duration `json:"idle_agent_ttl,omitempty" toml:"idle_agent_ttl,omitempty"`
	DispatchInterval    Duration `json:"dispatch_interval,omitempty" toml:"dispatch_interval,omitempty"`
	WorkDir             string   `json:"work_dir,omitempty" toml:"work_dir,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr        string   `json:"addr,omitempty" toml:"addr,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty" toml:"cors_origins,omitempty"`
	Debug       bool     `json:"debug,omitempty" toml:"debug,omitempty"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	DBPath string `json:"db_path,omitempty" toml:"db_path,omitempty"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" toml:"level,omitempty"`   // debug, info, warn, error
	Format string `json:"format,omitempty" toml:"format,omitempty"` // text or json
}

// Config is the top-level configuration.
type Config struct {
	Providers map[string]ProviderConfig `json:"providers" toml:"providers"`
	Agents    map[string]AgentConfig    `json:"agents" toml:"agents"` // keyed by worker kind
	Scheduler SchedulerConfig           `json:"scheduler" toml:"scheduler"`
	Server    ServerConfig              `json:"server" toml:"server"`
	Storage   StorageConfig             `json:"storage" toml:"storage"`
	Logging   LoggingConfig             `json:"logging" toml:"logging"`
}
