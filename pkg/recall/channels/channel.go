// Package channels implements chat platform clients for the webhook
// gateway. Each client verifies webhook authenticity, normalizes incoming
// payloads and sends replies through the platform's HTTP API.
package channels

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// IncomingMessage is the normalized form of a webhook message.
type IncomingMessage struct {
	Platform   string
	From       string // chat or user id replies go to
	SenderName string
	MessageID  string
	Timestamp  string

	// Type is "text", "audio", "image" or "reaction".
	Type string

	Text         string
	AudioID      string
	ImageID      string
	ImageCaption string

	// ReplyToID is set when the message replies to an earlier one.
	ReplyToID string

	// ReactionEmoji and ReactionToID are set for Type "reaction".
	ReactionEmoji string
	ReactionToID  string
}

// Client is a chat platform client.
type Client interface {
	// Name returns the platform name ("whatsapp", "telegram").
	Name() string

	// VerifySignature checks a webhook payload against the platform's
	// authenticity headers. Returns true when no secret is configured.
	VerifySignature(payload []byte, header http.Header) bool

	// ParseWebhook extracts the message from a webhook payload.
	// Returns (nil, nil) for payloads that carry nothing actionable
	// (status updates, unsupported events).
	ParseWebhook(payload []byte) (*IncomingMessage, error)

	// SendText sends a text message and returns the platform message id.
	SendText(ctx context.Context, to, text string) (string, error)

	// DownloadMedia fetches a media object by its platform id.
	DownloadMedia(ctx context.Context, mediaID string) (data []byte, contentType string, err error)
}

// ChallengeVerifier is implemented by platforms whose webhook registration
// uses a GET verification handshake.
type ChallengeVerifier interface {
	// VerifyChallenge validates the handshake and returns the response
	// body to echo back.
	VerifyChallenge(mode, token, challenge string) (string, bool)
}

// Config selects and configures the active platform client.
type Config struct {
	Platform string         `yaml:"platform"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// NewClient creates the client for the configured platform.
func NewClient(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Platform) {
	case "", "whatsapp":
		return NewWhatsAppClient(cfg.WhatsApp), nil
	case "telegram":
		return NewTelegramClient(cfg.Telegram), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
	}
}

// envOr returns the configured value, falling back to the given env var.
func envOr(configured, envVar string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(envVar)
}

// newChannelHTTPClient creates the HTTP client shared by platform clients.
func newChannelHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
