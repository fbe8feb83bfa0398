// Package session writes markdown conversation transcripts, one file per
// user session. Files are named YYYY-MM-DD_HH-MM_ongoing.md while active
// and renamed with the end time when the session closes.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const assistantLabel = "recall"

// Exchange is one parsed user/assistant message pair from a transcript.
type Exchange struct {
	Timestamp string
	User      string
	Message   string
	Response  string
}

// Logger appends conversation entries to per-session markdown files.
type Logger struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]string // user id -> transcript path
}

// NewLogger creates a session logger writing under dir.
func NewLogger(dir string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Logger{
		dir:    dir,
		logger: logger.With("component", "session"),
		active: make(map[string]string),
	}, nil
}

// LogIncoming records an incoming message immediately, before processing.
func (l *Logger) LogIncoming(userID, userName, message string, voice bool) error {
	now := time.Now()
	path, err := l.sessionFile(userID, now)
	if err != nil {
		return err
	}

	marker := ""
	if voice {
		marker = " [voice]"
	}
	entry := fmt.Sprintf("\n## %s\n\n*%s*%s: %s\n", now.Format("15:04"), userName, marker, message)
	return appendFile(path, entry)
}

// LogResponse appends the assistant's reply after the incoming entry.
// A response without an active session is dropped.
func (l *Logger) LogResponse(userID, response string) error {
	l.mu.Lock()
	path, ok := l.active[userID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return appendFile(path, fmt.Sprintf("\n*%s*: %s\n", assistantLabel, response))
}

// LogError records a failed exchange.
func (l *Logger) LogError(userID, userName, message, errMsg string) error {
	now := time.Now()
	path, err := l.sessionFile(userID, now)
	if err != nil {
		return err
	}
	entry := fmt.Sprintf("\n## %s\n\n*%s*: %s\n\n*%s* [ERROR]: %s\n",
		now.Format("15:04"), userName, message, assistantLabel, errMsg)
	return appendFile(path, entry)
}

// EndSession renames the user's ongoing transcript with the end time.
func (l *Logger) EndSession(userID string) error {
	l.mu.Lock()
	path, ok := l.active[userID]
	if ok {
		delete(l.active, userID)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	base := filepath.Base(path)
	if !strings.Contains(base, "_ongoing") {
		return nil
	}
	endTime := time.Now().Format("15-04")
	newPath := filepath.Join(filepath.Dir(path), strings.Replace(base, "_ongoing", "_"+endTime, 1))
	if err := os.Rename(path, newPath); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// CleanupOldSessions removes transcripts older than the given number of
// days, judged by the date prefix in the filename.
func (l *Logger) CleanupOldSessions(days int) error {
	cutoff := time.Now().AddDate(0, 0, -days)

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read sessions dir: %w", err)
	}
	for _, e := range entries {
		date, ok := fileDate(e.Name())
		if !ok {
			continue
		}
		if date.Before(cutoff) {
			os.Remove(filepath.Join(l.dir, e.Name()))
		}
	}
	return nil
}

// RecentContent returns the content of all transcripts from the last
// given number of days, newest first, as a single string.
func (l *Logger) RecentContent(days int) (string, error) {
	cutoff := time.Now().AddDate(0, 0, -days)

	names, err := l.transcriptNames()
	if err != nil {
		return "", err
	}

	var parts []string
	for _, name := range names {
		date, ok := fileDate(name)
		if !ok || date.Before(cutoff) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("--- Session: %s ---\n%s", name, content))
	}
	return strings.Join(parts, "\n\n"), nil
}

// LastMessages returns up to n exchanges across all transcripts, most
// recent first. Malformed blocks are skipped.
func (l *Logger) LastMessages(n int) ([]Exchange, error) {
	names, err := l.transcriptNames()
	if err != nil {
		return nil, err
	}

	var out []Exchange
	for _, name := range names {
		if len(out) >= n {
			break
		}
		date, ok := fileDate(name)
		if !ok {
			continue
		}
		content, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			continue
		}

		exchanges := parseTranscript(date.Format("2006-01-02"), string(content))
		for i := len(exchanges) - 1; i >= 0 && len(out) < n; i-- {
			out = append(out, exchanges[i])
		}
	}
	return out, nil
}

// FormatLastMessages renders the last n exchanges as readable text.
func (l *Logger) FormatLastMessages(n int) (string, error) {
	exchanges, err := l.LastMessages(n)
	if err != nil {
		return "", err
	}
	if len(exchanges) == 0 {
		return "No chat history found.", nil
	}

	parts := make([]string, len(exchanges))
	for i, ex := range exchanges {
		parts[i] = fmt.Sprintf("[%s]\n%s: %s\n%s: %s",
			ex.Timestamp, ex.User, ex.Message, assistantLabel, ex.Response)
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}

// sessionFile returns the user's transcript for today, creating a new one
// if none is active.
func (l *Logger) sessionFile(userID string, now time.Time) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dateStr := now.Format("2006-01-02")
	if path, ok := l.active[userID]; ok {
		if _, err := os.Stat(path); err == nil && strings.HasPrefix(filepath.Base(path), dateStr) {
			return path, nil
		}
	}

	name := fmt.Sprintf("%s_%s_ongoing.md", dateStr, now.Format("15-04"))
	path := filepath.Join(l.dir, name)
	if _, err := os.Stat(path); err != nil {
		if err := os.WriteFile(path, []byte(fmt.Sprintf("# Session %s\n", dateStr)), 0o644); err != nil {
			return "", fmt.Errorf("create session file: %w", err)
		}
	}
	l.active[userID] = path
	return path, nil
}

// transcriptNames lists transcript filenames, newest first.
func (l *Logger) transcriptNames() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// fileDate parses the YYYY-MM-DD prefix of a transcript filename.
func fileDate(name string) (time.Time, bool) {
	if len(name) < 10 {
		return time.Time{}, false
	}
	date, err := time.Parse("2006-01-02", name[:10])
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

// parseTranscript extracts exchanges from one transcript's content.
// Each block starts with "## HH:MM", followed by the user line and the
// assistant line.
func parseTranscript(date, content string) []Exchange {
	var out []Exchange
	blocks := strings.Split(content, "\n## ")
	for _, block := range blocks[1:] {
		nl := strings.IndexByte(block, '\n')
		if nl < 0 {
			continue
		}
		timeStr := strings.TrimSpace(block[:nl])
		if len(timeStr) != 5 || timeStr[2] != ':' {
			continue
		}
		body := block[nl+1:]

		marker := "\n*" + assistantLabel + "*: "
		i := strings.Index(body, marker)
		if i < 0 {
			continue
		}
		userPart := strings.TrimSpace(body[:i])
		response := strings.TrimSpace(body[i+len(marker):])

		user, message, ok := parseUserLine(userPart)
		if !ok {
			continue
		}
		out = append(out, Exchange{
			Timestamp: date + " " + timeStr,
			User:      user,
			Message:   message,
			Response:  response,
		})
	}
	return out
}

// parseUserLine splits "*Name* [voice]: message" into name and message.
func parseUserLine(line string) (user, message string, ok bool) {
	if !strings.HasPrefix(line, "*") {
		return "", "", false
	}
	end := strings.Index(line[1:], "*")
	if end < 0 {
		return "", "", false
	}
	user = line[1 : 1+end]
	rest := line[2+end:]
	rest = strings.TrimPrefix(rest, " [voice]")
	rest = strings.TrimPrefix(rest, ":")
	return user, strings.TrimSpace(rest), true
}

func appendFile(path, entry string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append session entry: %w", err)
	}
	return nil
}
