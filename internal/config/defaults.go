package config

import "time"

// DefaultConfig returns the default configuration with built-in providers and
// one profile per worker kind.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		Agents: map[string]AgentConfig{
			"lead": {
				Provider:     "claude",
				SystemPrompt: "You coordinate task planning and integration work.",
			},
			"backend-worker": {
				Provider:       "claude",
				SystemPrompt:   "You implement server-side features and write production code.",
				VerifyCommands: []string{"go build ./...", "go test ./..."},
			},
			"frontend-worker": {
				Provider:     "claude",
				SystemPrompt: "You implement user interface features.",
			},
			"test-worker": {
				Provider:       "claude",
				SystemPrompt:   "You write comprehensive tests and validate functionality.",
				VerifyCommands: []string{"go test ./..."},
			},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:       3,
			MaxAttempts:         3,
			GenerationTimeout:   Duration(10 * time.Minute),
			VerificationTimeout: Duration(5 * time.Minute),
			IdleAgentTTL:        Duration(15 * time.Minute),
			DispatchInterval:    Duration(2 * time.Second),
			WorkDir:             ".",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		Storage: StorageConfig{
			DBPath: ".taskforge/taskforge.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
