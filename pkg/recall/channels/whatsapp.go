// Package channels – whatsapp.go implements the WhatsApp Business Cloud
// API client (graph.facebook.com). Incoming messages arrive via webhook;
// sends and media downloads go through the Graph API.
package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultGraphBaseURL = "https://graph.facebook.com/v21.0"

// WhatsAppConfig configures the WhatsApp Cloud API client. Empty fields
// fall back to the WHATSAPP_* environment variables.
type WhatsAppConfig struct {
	AccessToken   string `yaml:"access_token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	VerifyToken   string `yaml:"verify_token"`
	AppSecret     string `yaml:"app_secret"`

	// BusinessAccountID is the WABA id, needed only for Resubscribe.
	BusinessAccountID string `yaml:"business_account_id"`

	BaseURL string `yaml:"base_url"`
}

// WhatsAppClient talks to the WhatsApp Business Cloud API.
type WhatsAppClient struct {
	accessToken       string
	phoneNumberID     string
	verifyToken       string
	appSecret         string
	businessAccountID string
	baseURL           string
	client            *http.Client
}

// NewWhatsAppClient creates a WhatsApp Cloud API client.
func NewWhatsAppClient(cfg WhatsAppConfig) *WhatsAppClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	return &WhatsAppClient{
		accessToken:       envOr(cfg.AccessToken, "WHATSAPP_ACCESS_TOKEN"),
		phoneNumberID:     envOr(cfg.PhoneNumberID, "WHATSAPP_PHONE_NUMBER_ID"),
		verifyToken:       envOr(cfg.VerifyToken, "WHATSAPP_VERIFY_TOKEN"),
		appSecret:         envOr(cfg.AppSecret, "WHATSAPP_APP_SECRET"),
		businessAccountID: envOr(cfg.BusinessAccountID, "WHATSAPP_BUSINESS_ACCOUNT_ID"),
		baseURL:           strings.TrimRight(baseURL, "/"),
		client:            newChannelHTTPClient(),
	}
}

// Name returns the platform name.
func (c *WhatsAppClient) Name() string { return "whatsapp" }

// VerifyChallenge validates Meta's webhook subscription handshake.
func (c *WhatsAppClient) VerifyChallenge(mode, token, challenge string) (string, bool) {
	if mode == "subscribe" && token == c.verifyToken {
		return challenge, true
	}
	return "", false
}

// VerifySignature checks the X-Hub-Signature-256 HMAC of the payload.
// Verification is skipped when no app secret is configured.
func (c *WhatsAppClient) VerifySignature(payload []byte, header http.Header) bool {
	if c.appSecret == "" {
		return true
	}
	signature := header.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.appSecret))
	mac.Write(payload)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------- Webhook payload ----------

type waWebhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []waMessage `json:"messages"`
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio *struct {
		ID string `json:"id"`
	} `json:"audio"`
	Image *struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
	Reaction *struct {
		Emoji     string `json:"emoji"`
		MessageID string `json:"message_id"`
	} `json:"reaction"`
}

// ParseWebhook extracts the first message from a Cloud API webhook
// payload. Status-only payloads return (nil, nil).
func (c *WhatsAppClient) ParseWebhook(payload []byte) (*IncomingMessage, error) {
	var data waWebhookPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("whatsapp: parse webhook: %w", err)
	}

	if len(data.Entry) == 0 || len(data.Entry[0].Changes) == 0 {
		return nil, nil
	}
	value := data.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		return nil, nil
	}

	msg := value.Messages[0]
	out := &IncomingMessage{
		Platform:  "whatsapp",
		From:      msg.From,
		MessageID: msg.ID,
		Timestamp: msg.Timestamp,
		Type:      msg.Type,
	}
	if len(value.Contacts) > 0 {
		out.SenderName = value.Contacts[0].Profile.Name
	}
	if msg.Text != nil {
		out.Text = msg.Text.Body
	}
	if msg.Audio != nil {
		out.AudioID = msg.Audio.ID
	}
	if msg.Image != nil {
		out.ImageID = msg.Image.ID
		out.ImageCaption = msg.Image.Caption
	}
	if msg.Context != nil {
		out.ReplyToID = msg.Context.ID
	}
	if msg.Reaction != nil {
		out.Type = "reaction"
		out.ReactionEmoji = msg.Reaction.Emoji
		out.ReactionToID = msg.Reaction.MessageID
	}
	return out, nil
}

// ---------- Sending ----------

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// SendText sends a text message and returns the platform message id.
func (c *WhatsAppClient) SendText(ctx context.Context, to, text string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}

	var resp waSendResponse
	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	if err := c.postJSON(ctx, url, payload, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("whatsapp: send text: %s", resp.Error.Message)
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("whatsapp: send text: no message id in response")
	}
	return resp.Messages[0].ID, nil
}

// DownloadMedia fetches a media object: first the signed URL, then the
// content.
func (c *WhatsAppClient) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	var meta struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%s", c.baseURL, mediaID), &meta); err != nil {
		return nil, "", err
	}
	if meta.URL == "" {
		return nil, "", fmt.Errorf("whatsapp: media %s has no download url", mediaID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: create media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("whatsapp: download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: read media: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// Resubscribe re-registers the app on the WhatsApp Business Account so
// webhook deliveries resume after a subscription lapse.
func (c *WhatsAppClient) Resubscribe(ctx context.Context) error {
	if c.businessAccountID == "" {
		return fmt.Errorf("whatsapp: business account id not configured")
	}

	var resp struct {
		Success bool `json:"success"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	url := fmt.Sprintf("%s/%s/subscribed_apps", c.baseURL, c.businessAccountID)
	if err := c.postJSON(ctx, url, map[string]any{}, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("whatsapp: resubscribe: %s", resp.Error.Message)
	}
	if !resp.Success {
		return fmt.Errorf("whatsapp: resubscribe was not acknowledged")
	}
	return nil
}

// ---------- HTTP helpers ----------

func (c *WhatsAppClient) postJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *WhatsAppClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	return c.doJSON(req, out)
}

func (c *WhatsAppClient) doJSON(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: API call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("whatsapp: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whatsapp: API error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("whatsapp: unmarshal response: %w", err)
	}
	return nil
}
