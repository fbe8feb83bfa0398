// Package runner wraps the claude CLI. Each request runs one CLI
// invocation with a JSON schema for structured output; conversations
// continue across messages via per-user session resume.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultSessionTimeout is how long a conversation stays resumable.
const DefaultSessionTimeout = 30 * time.Minute

// responseSchema constrains the CLI's structured output.
const responseSchema = `{
  "type": "object",
  "properties": {
    "response_text": {
      "type": "string",
      "description": "The text response to send to the user"
    },
    "send_voice": {
      "type": "boolean",
      "description": "Whether to send a voice message instead of/in addition to text"
    },
    "voice_text": {
      "type": "string",
      "description": "Text with [emotion] tags for TTS (e.g., '[excited] oh that's cool!')"
    },
    "conversation_finished": {
      "type": "boolean",
      "description": "Whether this topic/conversation is wrapped up"
    },
    "memories_to_save": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Important points to save to memory (preferences, decisions, project updates)"
    },
    "code_changes": {
      "type": "boolean",
      "description": "Set to true if you made code changes that require a restart"
    }
  },
  "required": ["response_text", "send_voice", "conversation_finished"]
}`

// disallowedTools blocks the CLI from touching secrets or wiping the tree.
var disallowedTools = []string{
	"Read(*.env*)",
	"Read(**/.env*)",
	"Bash(cat *.env*)",
	"Bash(cat **/.env*)",
	"Bash(rm -rf*)",
	"Bash(rm -r /*)",
}

// Config configures the CLI runner.
type Config struct {
	// BinaryPath overrides CLI discovery.
	BinaryPath string `yaml:"binary_path"`

	// WorkDir is the CLI's working directory. Defaults to ".".
	WorkDir string `yaml:"work_dir"`

	// Timezone for the local time line in prompts, IANA name.
	// Defaults to the system timezone.
	Timezone string `yaml:"timezone"`

	// SessionTimeout bounds conversation resume. Defaults to 30m.
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Request is one user message to run through the CLI.
type Request struct {
	Message    string
	UserID     string
	UserName   string
	Platform   string
	IsVoice    bool
	ImagePath  string
	QuotedText string
}

// Response is the CLI's structured output.
type Response struct {
	Text           string
	SendVoice      bool
	VoiceText      string
	Finished       bool
	MemoriesToSave []string
	CodeChanges    bool
	SessionID      string
	RawOutput      string
}

// Runner executes the claude CLI with session resume.
type Runner struct {
	binary       string
	workDir      string
	sessionsFile string
	timeout      time.Duration
	loc          *time.Location
	logger       *slog.Logger

	mu sync.Mutex // guards the sessions file
}

// New creates a Runner. The CLI binary is taken from cfg.BinaryPath or
// discovered in common install locations.
func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	binary := cfg.BinaryPath
	if binary == "" {
		binary = FindCLI()
	}
	if binary == "" {
		return nil, fmt.Errorf("runner: claude cli not found, set binary_path or CLAUDE_PATH")
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = "."
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("runner: resolve work dir: %w", err)
	}

	loc := time.Local
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("runner: load timezone %q: %w", cfg.Timezone, err)
		}
	}

	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}

	dataDir := filepath.Join(workDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("runner: create data dir: %w", err)
	}

	return &Runner{
		binary:       binary,
		workDir:      workDir,
		sessionsFile: filepath.Join(dataDir, "sessions.json"),
		timeout:      timeout,
		loc:          loc,
		logger:       logger.With("component", "runner"),
	}, nil
}

// FindCLI looks for the claude CLI in common install locations.
// CLAUDE_PATH takes precedence.
func FindCLI() string {
	home := os.Getenv("HOME")
	candidates := []string{
		filepath.Join(home, ".local", "bin", "claude"),
		filepath.Join(home, ".claude", "local", "claude"),
		"/usr/local/bin/claude",
		"/usr/bin/claude",
	}
	if p := os.Getenv("CLAUDE_PATH"); p != "" {
		candidates = append([]string{p}, candidates...)
	}
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode().Perm()&0o111 != 0 {
			return path
		}
	}
	return ""
}

// Run executes one CLI invocation for the request and returns the
// parsed structured output.
func (r *Runner) Run(ctx context.Context, req Request) (*Response, error) {
	prompt := r.buildPrompt(req)

	args := []string{
		"-p", prompt,
		"--output-format", "json",
		"--json-schema", responseSchema,
		"--permission-mode", "bypassPermissions",
		"--disallowedTools",
	}
	args = append(args, disallowedTools...)

	sessionID := r.SessionID(req.UserID)
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = r.workDir
	cmd.Env = append(os.Environ(), "CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("cli run finished",
		"user", req.UserID,
		"duration", time.Since(start).Round(time.Millisecond),
		"resumed", sessionID != "")

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		r.logger.Error("cli run failed", "error", err, "stderr", truncate(msg, 500))
		return nil, fmt.Errorf("runner: cli run: %s", truncate(msg, 200))
	}

	resp := parseOutput(stdout.String())
	if resp.SessionID == "" {
		resp.SessionID = sessionID
	}
	if resp.SessionID != "" {
		r.UpdateSession(req.UserID, resp.SessionID, resp.Finished)
	}
	return resp, nil
}

// buildPrompt assembles the context markers and the message.
func (r *Runner) buildPrompt(req Request) string {
	platform := req.Platform
	if platform == "" {
		platform = "chat"
	}
	now := time.Now().In(r.loc)

	var b strings.Builder
	fmt.Fprintf(&b, "[Platform: %s]\n", platform)
	if req.UserName != "" {
		fmt.Fprintf(&b, "[User: %s]\n", req.UserName)
	}
	fmt.Fprintf(&b, "[Local time: %s (%s)]\n", now.Format("2006-01-02 15:04"), now.Weekday())
	if req.IsVoice {
		b.WriteString("[Voice message transcription]\n")
	}
	if req.ImagePath != "" {
		fmt.Fprintf(&b, "[Image attached - use Read tool to view: %s]\n", req.ImagePath)
	}
	if req.QuotedText != "" {
		fmt.Fprintf(&b, "[Replying to: %s]\n", req.QuotedText)
	}
	fmt.Fprintf(&b, "\nMessage: %s", req.Message)
	return b.String()
}

// ---------- Output parsing ----------

type cliOutput struct {
	SessionID        string          `json:"session_id"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	Result           json.RawMessage `json:"result"`
}

type structuredResult struct {
	ResponseText         string   `json:"response_text"`
	SendVoice            bool     `json:"send_voice"`
	VoiceText            string   `json:"voice_text"`
	ConversationFinished bool     `json:"conversation_finished"`
	MemoriesToSave       []string `json:"memories_to_save"`
	CodeChanges          bool     `json:"code_changes"`
}

// parseOutput decodes the CLI's JSON output. Non-JSON output is passed
// through as plain text so the user still gets a reply.
func parseOutput(raw string) *Response {
	resp := &Response{RawOutput: raw}

	var outer cliOutput
	if err := json.Unmarshal([]byte(raw), &outer); err != nil {
		text := strings.TrimSpace(raw)
		if text == "" {
			text = "no response"
		}
		resp.Text = truncate(text, 1000)
		return resp
	}
	resp.SessionID = outer.SessionID

	payload := outer.StructuredOutput
	if len(payload) == 0 || string(payload) == "null" {
		payload = outer.Result
	}
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(raw)
	}

	// The payload may be a JSON string wrapping the real object.
	var asString string
	if err := json.Unmarshal(payload, &asString); err == nil {
		if asString == "" {
			resp.Text = "hmm, i didn't have anything to say"
			return resp
		}
		var inner structuredResult
		if err := json.Unmarshal([]byte(asString), &inner); err != nil {
			resp.Text = asString
			return resp
		}
		fillResponse(resp, inner)
		return resp
	}

	var result structuredResult
	if err := json.Unmarshal(payload, &result); err != nil {
		resp.Text = truncate(strings.TrimSpace(raw), 1000)
		return resp
	}
	fillResponse(resp, result)
	return resp
}

func fillResponse(resp *Response, result structuredResult) {
	resp.Text = result.ResponseText
	resp.SendVoice = result.SendVoice
	resp.VoiceText = result.VoiceText
	resp.Finished = result.ConversationFinished
	resp.MemoriesToSave = result.MemoriesToSave
	resp.CodeChanges = result.CodeChanges
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ---------- Session tracking ----------

type sessionEntry struct {
	SessionID    string `json:"session_id"`
	LastActivity int64  `json:"last_activity"`
}

// SessionID returns the resumable session for a user, or "" when none
// exists or the last one expired.
func (r *Runner) SessionID(userID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.loadSessions()
	entry, ok := sessions[userID]
	if !ok || entry.SessionID == "" {
		return ""
	}
	if time.Since(time.Unix(entry.LastActivity, 0)) > r.timeout {
		delete(sessions, userID)
		r.saveSessions(sessions)
		return ""
	}
	return entry.SessionID
}

// UpdateSession records session activity for a user. A finished
// conversation clears the session so the next message starts fresh.
func (r *Runner) UpdateSession(userID, sessionID string, finished bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.loadSessions()
	if finished {
		delete(sessions, userID)
	} else {
		sessions[userID] = sessionEntry{
			SessionID:    sessionID,
			LastActivity: time.Now().Unix(),
		}
	}
	r.saveSessions(sessions)
}

func (r *Runner) loadSessions() map[string]sessionEntry {
	sessions := make(map[string]sessionEntry)
	data, err := os.ReadFile(r.sessionsFile)
	if err != nil {
		return sessions
	}
	if err := json.Unmarshal(data, &sessions); err != nil {
		r.logger.Warn("sessions file unreadable, starting fresh", "error", err)
		return make(map[string]sessionEntry)
	}
	return sessions
}

func (r *Runner) saveSessions(sessions map[string]sessionEntry) {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(r.sessionsFile, data, 0o644); err != nil {
		r.logger.Warn("persist sessions failed", "error", err)
	}
}
