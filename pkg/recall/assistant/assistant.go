package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/recall/pkg/recall/channels"
	"github.com/jholhewres/recall/pkg/recall/messages"
	"github.com/jholhewres/recall/pkg/recall/runner"
	"github.com/jholhewres/recall/pkg/recall/scheduler"
	"github.com/jholhewres/recall/pkg/recall/session"
)

// processTimeout bounds one message end to end, CLI run included.
const processTimeout = 10 * time.Minute

// CLIRunner is the conversation backend.
type CLIRunner interface {
	Run(ctx context.Context, req runner.Request) (*runner.Response, error)
}

// MemoryStore is the part of the memory store the pipeline uses.
type MemoryStore interface {
	Save(ctx context.Context, content string) (string, error)
}

// Assistant processes normalized incoming messages: dedup, media
// handling, CLI invocation, reply delivery and bookkeeping.
type Assistant struct {
	channel  channels.Client
	runner   CLIRunner
	memories MemoryStore
	msgStore *messages.Store
	sessions *session.Logger
	allowed  map[string]bool
	logger   *slog.Logger
	exit     func(int)

	// inFlight dedups messages still being processed. The persistent
	// store only covers messages from previous runs.
	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates the assistant pipeline.
func New(channel channels.Client, cli CLIRunner, memories MemoryStore, msgStore *messages.Store, sessions *session.Logger, allowedUsers []string, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedUsers))
	for _, u := range allowedUsers {
		allowed[u] = true
	}
	return &Assistant{
		channel:  channel,
		runner:   cli,
		memories: memories,
		msgStore: msgStore,
		sessions: sessions,
		allowed:  allowed,
		logger:   logger.With("component", "assistant"),
		exit:     os.Exit,
		inFlight: make(map[string]bool),
	}
}

// Allowed reports whether a sender may talk to the assistant. An empty
// allow list admits everyone.
func (a *Assistant) Allowed(userID string) bool {
	return len(a.allowed) == 0 || a.allowed[userID]
}

// Process handles one incoming message and sends the reply. Intended to
// run in its own goroutine; the webhook returns before it finishes.
func (a *Assistant) Process(msg *channels.IncomingMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	if msg.MessageID != "" {
		if !a.claim(msg.MessageID) {
			a.logger.Info("skipping duplicate message", "id", msg.MessageID)
			return
		}
		defer a.release(msg.MessageID)

		if processed, err := a.msgStore.IsProcessed(msg.MessageID); err == nil && processed {
			a.logger.Info("skipping already processed message", "id", msg.MessageID)
			return
		}
	}

	if err := a.process(ctx, msg); err != nil {
		a.logger.Error("message processing failed", "id", msg.MessageID, "error", err)
		a.sessions.LogResponse(msg.From, "[ERROR]: "+err.Error())
		if _, sendErr := a.channel.SendText(ctx, msg.From, "oops, something went wrong on my end. give me a sec and try again?"); sendErr != nil {
			a.logger.Error("sending error notice failed", "error", sendErr)
		}
	}
}

func (a *Assistant) process(ctx context.Context, msg *channels.IncomingMessage) error {
	userName := msg.SenderName
	if userName == "" {
		userName = msg.From
	}

	quoted := a.lookupMessage(msg.ReplyToID)

	var (
		userMessage string
		isVoice     bool
		imagePath   string
	)
	switch {
	case msg.Type == "reaction" && msg.ReactionEmoji != "":
		if reacted := a.lookupMessage(msg.ReactionToID); reacted != "" {
			userMessage = fmt.Sprintf("[reacted with %s to: %q]", msg.ReactionEmoji, reacted)
		} else {
			userMessage = fmt.Sprintf("[reacted with %s]", msg.ReactionEmoji)
		}
	case msg.Type == "image" && msg.ImageID != "":
		path, err := a.downloadImage(ctx, msg.ImageID)
		if err != nil {
			return fmt.Errorf("download image: %w", err)
		}
		imagePath = path
		defer os.Remove(imagePath)
		userMessage = msg.ImageCaption
		if userMessage == "" {
			userMessage = "what do you see in this image?"
		}
	case msg.Type == "text" && msg.Text != "":
		userMessage = msg.Text
	default:
		a.logger.Warn("unsupported message type", "type", msg.Type)
		_, err := a.channel.SendText(ctx, msg.From, "sorry, i can only handle text and image messages right now")
		return err
	}

	// Record before running so replies to this message resolve later.
	if msg.MessageID != "" {
		a.recordMessage(msg.MessageID, userMessage, userName, "incoming")
	}
	a.sessions.LogIncoming(msg.From, userName, userMessage, isVoice)

	resp, err := a.runner.Run(ctx, runner.Request{
		Message:    userMessage,
		UserID:     msg.From,
		UserName:   msg.SenderName,
		Platform:   msg.Platform,
		IsVoice:    isVoice,
		ImagePath:  imagePath,
		QuotedText: quoted,
	})
	if err != nil {
		return err
	}

	a.sessions.LogResponse(msg.From, responseForLog(resp))
	if resp.Finished {
		a.sessions.EndSession(msg.From)
	}

	for _, content := range resp.MemoriesToSave {
		if _, err := a.memories.Save(ctx, content); err != nil {
			a.logger.Error("saving memory failed", "error", err)
		}
	}

	if resp.Text != "" {
		sentID, err := a.channel.SendText(ctx, msg.From, resp.Text)
		if err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
		if sentID != "" {
			a.recordMessage(sentID, resp.Text, "recall", "outgoing")
		}
	} else {
		a.logger.Info("no response text, staying silent")
	}

	// The service manager restarts the daemon to pick up code changes.
	if resp.CodeChanges {
		a.logger.Info("code changes reported, exiting for restart")
		a.exit(0)
	}
	return nil
}

// HandleScheduledJob runs a scheduled task through the CLI and returns
// the text to deliver.
func (a *Assistant) HandleScheduledJob(ctx context.Context, job *scheduler.Job) (string, error) {
	userID := job.ChatID
	if userID == "" {
		userID = "scheduler"
	}
	resp, err := a.runner.Run(ctx, runner.Request{
		Message:  fmt.Sprintf("[Scheduled task]\n%s", job.Task),
		UserID:   userID,
		Platform: job.Channel,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Deliver sends a scheduler result to a chat.
func (a *Assistant) Deliver(channel, chatID, message string) error {
	if channel != "" && channel != a.channel.Name() {
		return fmt.Errorf("channel %q not active (running %q)", channel, a.channel.Name())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sentID, err := a.channel.SendText(ctx, chatID, message)
	if err != nil {
		return err
	}
	if sentID != "" {
		a.recordMessage(sentID, message, "recall", "outgoing")
	}
	return nil
}

// ---------- Helpers ----------

func (a *Assistant) claim(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight[messageID] {
		return false
	}
	a.inFlight[messageID] = true
	return true
}

func (a *Assistant) release(messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, messageID)
}

// lookupMessage returns the stored content for a message id, or "".
func (a *Assistant) lookupMessage(id string) string {
	if id == "" {
		return ""
	}
	stored, err := a.msgStore.Get(id)
	if err != nil || stored == nil {
		return ""
	}
	return stored.Content
}

func (a *Assistant) recordMessage(id, content, sender, direction string) {
	err := a.msgStore.Record(messages.Message{
		ID:        id,
		Platform:  a.channel.Name(),
		Sender:    sender,
		Direction: direction,
		Content:   content,
	})
	if err != nil {
		a.logger.Error("recording message failed", "id", id, "error", err)
	}
}

// downloadImage fetches the image into a temp file for the CLI to read.
func (a *Assistant) downloadImage(ctx context.Context, imageID string) (string, error) {
	data, contentType, err := a.channel.DownloadMedia(ctx, imageID)
	if err != nil {
		return "", err
	}
	ext := ".jpg"
	switch {
	case strings.Contains(contentType, "png"):
		ext = ".png"
	case strings.Contains(contentType, "webp"):
		ext = ".webp"
	}
	f, err := os.CreateTemp("", "recall-image-*"+ext)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func responseForLog(resp *runner.Response) string {
	if resp.Text != "" {
		return resp.Text
	}
	return resp.VoiceText
}
