package backend

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
)

// ErrMalformedOutput is returned when a provider reply carries no usable change set.
var ErrMalformedOutput = errors.New("malformed generator output")

// provider describes how to drive one CLI.
type provider struct {
	// args builds the command line. resume is true once the session exists.
	args func(cfg Config, prompt, session string, resume bool) []string
	// parse extracts the reply text and, when the CLI reports one, its session id.
	parse func(stdout, stderr []byte) (text, session string, err error)
	// newSession returns the session id to use on the first call, or "" when the
	// CLI assigns one itself.
	newSession func() string
}

var providers = map[string]provider{
	"claude": {
		args:       claudeArgs,
		parse:      parseClaudeOutput,
		newSession: func() string { return uuid.NewString() },
	},
	"codex": {
		args:       codexArgs,
		parse:      parseCodexOutput,
		newSession: func() string { return "" },
	},
	"goose": {
		args:       gooseArgs,
		parse:      parseGooseOutput,
		newSession: gooseSessionName,
	},
}

// CLIGenerator runs a provider CLI per generation. Self-correction attempts for
// the same task resume the provider session so earlier turns stay in context.
type CLIGenerator struct {
	cfg      Config
	provider provider
	procMgr  *ProcessManager

	mu       sync.Mutex
	sessions map[string]string // task ID -> provider session
}

// NewCLIGenerator creates a generator for cfg.Type. Unknown types fall back to claude.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewCLIGenerator(cfg Config, procMgr *ProcessManager) *CLIGenerator {
	p, ok := providers[cfg.Type]
	if !ok {
		cfg.Type = "claude"
		p = providers["claude"]
	}
	return &CLIGenerator{
		cfg:      cfg,
		provider: p,
		procMgr:  procMgr,
		sessions: make(map[string]string),
	}
}

// Name returns the provider type, used to key circuit breakers.
func (g *CLIGenerator) Name() string {
	return g.cfg.Type
}

// Generate sends the task prompt to the provider and parses the change set
// out of the reply.
func (g *CLIGenerator) Generate(ctx context.Context, req Request) (Generation, error) {
	g.mu.Lock()
	session, resume := g.sessions[req.TaskID]
	if !resume {
		session = g.provider.newSession()
	}
	g.mu.Unlock()

	cfg := g.cfg
	if req.SystemPrompt != "" {
		cfg.SystemPrompt = req.SystemPrompt
	}
	workDir := req.WorkDir
	if workDir == "" {
		workDir = cfg.WorkDir
	}

	name := cfg.Command
	if name == "" {
		name = cfg.Type
	}
	cmd := newCommand(ctx, name, g.provider.args(cfg, BuildPrompt(req), session, resume)...)
	cmd.Dir = workDir

	stdout, stderr, err := executeCommand(ctx, cmd, g.procMgr)
	if err != nil {
		return Generation{}, fmt.Errorf("%s command failed: %w", cfg.Type, err)
	}

	text, reported, err := g.provider.parse(stdout, stderr)
	if err != nil {
		return Generation{}, fmt.Errorf("failed to parse %s response: %w", cfg.Type, err)
	}
	if reported != "" {
		session = reported
	}
	if session != "" {
		g.mu.Lock()
		g.sessions[req.TaskID] = session
		g.mu.Unlock()
	}

	gen, err := ParseGeneration(text)
	if err != nil {
		return Generation{}, err
	}
	gen.SessionID = session
	return gen, nil
}

// Forget drops the provider session kept for a task.
func (g *CLIGenerator) Forget(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, taskID)
}

// BuildPrompt renders the generation prompt for a request.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n\n", req.TaskID, req.Title)
	if req.Description != "" {
		b.WriteString(req.Description)
		b.WriteString("\n\n")
	}
	if req.Context != "" {
		b.WriteString("Relevant files:\n")
		b.WriteString(req.Context)
		b.WriteString("\n\n")
	}
	if len(req.Diagnostics) > 0 {
		fmt.Fprintf(&b, "Previous attempt %d failed verification. Fix the problems below.\n", req.Attempt)
		for i, d := range req.Diagnostics {
			fmt.Fprintf(&b, "--- failure %d ---\n%s\n", i+1, d)
		}
		b.WriteString("\n")
	}
	b.WriteString(`Reply with a single JSON object: {"summary": "...", "files": [{"path": "relative/path", "action": "write" | "delete", "content": "..."}]}`)
	return b.String()
}

// ParseGeneration extracts the JSON change set from a model reply. Code fences
// and surrounding prose are ignored; broken JSON is repaired before decoding.
func ParseGeneration(text string) (Generation, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return Generation{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedOutput)
	}

	var gen Generation
	if err := json.Unmarshal([]byte(raw), &gen); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return Generation{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
		if err := json.Unmarshal([]byte(repaired), &gen); err != nil {
			return Generation{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
	}

	for i := range gen.Files {
		f := &gen.Files[i]
		if strings.TrimSpace(f.Path) == "" {
			return Generation{}, fmt.Errorf("%w: file %d has no path", ErrMalformedOutput, i)
		}
		switch f.Action {
		case "":
			f.Action = ActionWrite
		case ActionWrite, ActionDelete:
		default:
			return Generation{}, fmt.Errorf("%w: unknown action %q for %s", ErrMalformedOutput, f.Action, f.Path)
		}
	}
	return gen, nil
}

func extractJSONObject(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			text = rest[:j]
		} else {
			text = rest
		}
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		// Truncated reply; let the repair pass close it.
		return text[start:]
	}
	return text[start : end+1]
}

// claude: first call uses --session-id, subsequent calls use --resume.
func claudeArgs(cfg Config, prompt, session string, resume bool) []string {
	args := []string{"-p", prompt, "--output-format", "json"}
	if resume {
		args = append(args, "--resume", session)
	} else if session != "" {
		args = append(args, "--session-id", session)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}
	return args
}

// claudeResponse represents the JSON structure returned by Claude Code CLI.
// Example: {"session_id": "uuid", "result": "text"}; older releases nest
// content blocks under result.content.
type claudeResponse struct {
	SessionID string          `json:"session_id"`
	Result    json.RawMessage `json:"result"`
	IsError   bool            `json:"is_error"`
}

func parseClaudeOutput(stdout, _ []byte) (string, string, error) {
	var cr claudeResponse
	if err := json.Unmarshal(stdout, &cr); err != nil {
		return "", "", fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	if cr.IsError {
		return "", cr.SessionID, fmt.Errorf("claude reported an error: %s", string(cr.Result))
	}

	var text string
	if err := json.Unmarshal(cr.Result, &text); err == nil {
		return text, cr.SessionID, nil
	}

	var blocks struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(cr.Result, &blocks); err != nil {
		return "", cr.SessionID, fmt.Errorf("unexpected result shape: %w", err)
	}
	for _, item := range blocks.Content {
		if item.Type == "text" {
			text += item.Text
		}
	}
	return text, cr.SessionID, nil
}

// codex: first message is ["exec", prompt, "--json"], later ones resume the thread.
func codexArgs(cfg Config, prompt, session string, resume bool) []string {
	var args []string
	if resume && session != "" {
		args = []string{"resume", session, prompt, "--json"}
	} else {
		args = []string{"exec", prompt, "--json"}
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	return args
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
}

// parseCodexOutput reads the newline-delimited event stream, taking the thread
// id from ThreadStarted and the reply from the last TurnCompleted.
func parseCodexOutput(stdout, _ []byte) (string, string, error) {
	var threadID, content string
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return "", "", fmt.Errorf("failed to parse event: %w", err)
		}
		switch evt.Type {
		case "ThreadStarted":
			threadID = evt.ThreadID
		case "TurnCompleted":
			content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("error reading events: %w", err)
	}
	return content, threadID, nil
}

// goose: --name starts a session, --resume continues it.
func gooseArgs(cfg Config, prompt, session string, resume bool) []string {
	args := []string{"run", "--text", prompt, "--output-format", "json"}
	if resume {
		args = append(args, "--resume", "--name", session)
	} else {
		args = append(args, "--name", session)
	}
	if cfg.Provider != "" {
		args = append(args, "--provider", cfg.Provider)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system", cfg.SystemPrompt)
	}
	return args
}

func gooseSessionName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "taskforge-" + uuid.NewString()[:8]
	}
	return "taskforge-" + hex.EncodeToString(b)
}

// parseGooseOutput accepts a single JSON object, newline-delimited objects, or
// plain text when the installed goose does not support JSON output.
func parseGooseOutput(stdout, _ []byte) (string, string, error) {
	var single struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(stdout, &single); err == nil && single.Content != "" {
		return single.Content, "", nil
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var lineResp struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(line), &lineResp); err == nil && lineResp.Content != "" {
			contents = append(contents, lineResp.Content)
		}
	}
	if len(contents) > 0 {
		return strings.Join(contents, "\n"), "", nil
	}

	if len(bytes.TrimSpace(stdout)) == 0 {
		return "", "", fmt.Errorf("empty goose output")
	}
	return string(stdout), "", nil
}
