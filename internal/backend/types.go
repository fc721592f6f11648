package backend

// FileAction is what an applier does with a FileChange.
type FileAction string

const (
	ActionWrite  FileAction = "write"
	ActionDelete FileAction = "delete"
)

// FileChange is a single proposed edit produced by a generator.
type FileChange struct {
	Path    string     `json:"path"`
	Action  FileAction `json:"action"`
	Content string     `json:"content,omitempty"`
}

// Request carries everything a generation or verification call needs.
type Request struct {
	TaskID       string
	Title        string
	Description  string
	AgentType    string
	SystemPrompt string
	WorkDir      string
	Context      string   // Codebase index built by a ContextBuilder
	Diagnostics  []string // Failure output from previous attempts, oldest first
	Attempt      int      // Zero for the first generation
}

// Generation is the result of a code-generation call.
type Generation struct {
	Files     []FileChange `json:"files"`
	Summary   string       `json:"summary"`
	SessionID string       `json:"-"`
}

// Verification is the result of running tests or linters.
type Verification struct {
	Passed bool
	Output string
}

// Config defines how a generator talks to its provider CLI.
type Config struct {
	Type         string // "claude", "codex", or "goose"
	WorkDir      string
	Model        string
	Provider     string // For Goose local LLMs (e.g., "ollama", "lmstudio", "llama.cpp")
	SystemPrompt string
	Command      string // Overrides the executable name; defaults to Type
}
