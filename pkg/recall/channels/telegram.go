// Package channels – telegram.go implements the Telegram Bot API client.
// Uses plain HTTP against api.telegram.org; webhook authenticity is
// checked via the secret token header.
package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramConfig configures the Telegram Bot API client. Empty fields
// fall back to the TELEGRAM_* environment variables.
type TelegramConfig struct {
	BotToken      string `yaml:"bot_token"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"`
}

// TelegramClient talks to the Telegram Bot API.
type TelegramClient struct {
	botToken      string
	webhookSecret string
	baseURL       string
	client        *http.Client
}

// NewTelegramClient creates a Telegram Bot API client.
func NewTelegramClient(cfg TelegramConfig) *TelegramClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	return &TelegramClient{
		botToken:      envOr(cfg.BotToken, "TELEGRAM_BOT_TOKEN"),
		webhookSecret: envOr(cfg.WebhookSecret, "TELEGRAM_WEBHOOK_SECRET"),
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        newChannelHTTPClient(),
	}
}

// Name returns the platform name.
func (c *TelegramClient) Name() string { return "telegram" }

// apiURL builds a Bot API method URL.
func (c *TelegramClient) apiURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
}

// VerifySignature compares the X-Telegram-Bot-Api-Secret-Token header
// with the configured secret. Skipped when no secret is configured.
func (c *TelegramClient) VerifySignature(_ []byte, header http.Header) bool {
	if c.webhookSecret == "" {
		return true
	}
	got := header.Get("X-Telegram-Bot-Api-Secret-Token")
	return hmac.Equal([]byte(got), []byte(c.webhookSecret))
}

// ---------- Webhook payload ----------

type tgUpdate struct {
	Message         *tgMessage        `json:"message"`
	EditedMessage   *tgMessage        `json:"edited_message"`
	MessageReaction *tgReactionUpdate `json:"message_reaction"`
}

type tgMessage struct {
	MessageID      int64      `json:"message_id"`
	Date           int64      `json:"date"`
	Text           string     `json:"text"`
	Caption        string     `json:"caption"`
	Chat           tgChat     `json:"chat"`
	From           *tgUser    `json:"from"`
	Voice          *tgFile    `json:"voice"`
	Audio          *tgFile    `json:"audio"`
	Photo          []tgFile   `json:"photo"`
	ReplyToMessage *tgMessage `json:"reply_to_message"`
}

type tgReactionUpdate struct {
	Chat        tgChat  `json:"chat"`
	User        *tgUser `json:"user"`
	MessageID   int64   `json:"message_id"`
	Date        int64   `json:"date"`
	NewReaction []struct {
		Emoji string `json:"emoji"`
	} `json:"new_reaction"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgUser struct {
	FirstName string `json:"first_name"`
}

type tgFile struct {
	FileID string `json:"file_id"`
}

// ParseWebhook extracts the message from a Bot API Update. Updates that
// carry nothing actionable return (nil, nil).
func (c *TelegramClient) ParseWebhook(payload []byte) (*IncomingMessage, error) {
	var update tgUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, fmt.Errorf("telegram: parse webhook: %w", err)
	}

	if r := update.MessageReaction; r != nil {
		emoji := ""
		if len(r.NewReaction) > 0 {
			emoji = r.NewReaction[0].Emoji
		}
		name := ""
		if r.User != nil {
			name = r.User.FirstName
		}
		reactedID := fmt.Sprintf("%d", r.MessageID)
		return &IncomingMessage{
			Platform:      "telegram",
			From:          fmt.Sprintf("%d", r.Chat.ID),
			SenderName:    name,
			MessageID:     "reaction_" + reactedID,
			Timestamp:     fmt.Sprintf("%d", r.Date),
			Type:          "reaction",
			ReactionEmoji: emoji,
			ReactionToID:  reactedID,
		}, nil
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil {
		return nil, nil
	}

	out := &IncomingMessage{
		Platform:  "telegram",
		From:      fmt.Sprintf("%d", msg.Chat.ID),
		MessageID: fmt.Sprintf("%d", msg.MessageID),
		Timestamp: fmt.Sprintf("%d", msg.Date),
	}
	if msg.From != nil {
		out.SenderName = msg.From.FirstName
	}
	if msg.ReplyToMessage != nil {
		out.ReplyToID = fmt.Sprintf("%d", msg.ReplyToMessage.MessageID)
	}

	switch {
	case msg.Voice != nil:
		out.Type = "audio"
		out.AudioID = msg.Voice.FileID
	case msg.Audio != nil:
		out.Type = "audio"
		out.AudioID = msg.Audio.FileID
	case len(msg.Photo) > 0:
		// The last photo size is the largest.
		out.Type = "image"
		out.ImageID = msg.Photo[len(msg.Photo)-1].FileID
		out.ImageCaption = msg.Caption
	case msg.Text != "":
		out.Type = "text"
		out.Text = msg.Text
	default:
		return nil, nil
	}
	return out, nil
}

// ---------- Sending ----------

type tgSendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// SendText sends a Markdown text message and returns the message id.
func (c *TelegramClient) SendText(ctx context.Context, to, text string) (string, error) {
	payload := map[string]any{
		"chat_id":    to,
		"text":       text,
		"parse_mode": "Markdown",
	}

	var resp tgSendResponse
	if err := c.postJSON(ctx, c.apiURL("sendMessage"), payload, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("telegram: send text: %s", resp.Description)
	}
	return fmt.Sprintf("%d", resp.Result.MessageID), nil
}

// DownloadMedia resolves a file id via getFile and downloads the content.
func (c *TelegramClient) DownloadMedia(ctx context.Context, fileID string) ([]byte, string, error) {
	var meta struct {
		OK     bool `json:"ok"`
		Result struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
	}
	url := c.apiURL("getFile") + "?file_id=" + fileID
	if err := c.getJSON(ctx, url, &meta); err != nil {
		return nil, "", err
	}
	if !meta.OK || meta.Result.FilePath == "" {
		return nil, "", fmt.Errorf("telegram: file %s not found", fileID)
	}

	downloadURL := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.botToken, meta.Result.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: create download request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telegram: download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read file: %w", err)
	}
	return data, guessContentType(meta.Result.FilePath), nil
}

// SetWebhook registers the webhook URL with Telegram, including the
// secret token when configured.
func (c *TelegramClient) SetWebhook(ctx context.Context, webhookURL string) error {
	payload := map[string]any{
		"url":             webhookURL,
		"allowed_updates": []string{"message", "edited_message", "message_reaction"},
	}
	if c.webhookSecret != "" {
		payload["secret_token"] = c.webhookSecret
	}

	var resp tgSendResponse
	if err := c.postJSON(ctx, c.apiURL("setWebhook"), payload, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("telegram: set webhook: %s", resp.Description)
	}
	return nil
}

// guessContentType maps a file extension to a MIME type.
func guessContentType(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return "application/octet-stream"
	}
	switch strings.ToLower(path[idx+1:]) {
	case "ogg", "oga":
		return "audio/ogg"
	case "mp3":
		return "audio/mpeg"
	case "m4a":
		return "audio/mp4"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// ---------- HTTP helpers ----------

func (c *TelegramClient) postJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *TelegramClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *TelegramClient) doJSON(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: API call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: API error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("telegram: unmarshal response: %w", err)
	}
	return nil
}
