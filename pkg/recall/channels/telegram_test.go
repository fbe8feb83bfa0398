package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTelegramTestClient(baseURL string) *TelegramClient {
	return NewTelegramClient(TelegramConfig{
		BotToken:      "bot-token",
		WebhookSecret: "hook-secret",
		BaseURL:       baseURL,
	})
}

func TestTelegramVerifySignature(t *testing.T) {
	t.Parallel()

	c := newTelegramTestClient("")

	h := http.Header{}
	h.Set("X-Telegram-Bot-Api-Secret-Token", "hook-secret")
	if !c.VerifySignature(nil, h) {
		t.Error("VerifySignature() rejected the correct secret token")
	}

	h.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	if c.VerifySignature(nil, h) {
		t.Error("VerifySignature() accepted a wrong secret token")
	}

	open := NewTelegramClient(TelegramConfig{BotToken: "t"})
	if !open.VerifySignature(nil, http.Header{}) {
		t.Error("VerifySignature() without secret should pass")
	}
}

func TestTelegramParseWebhookText(t *testing.T) {
	t.Parallel()

	payload := `{"update_id": 7, "message": {
		"message_id": 101,
		"date": 1756300000,
		"text": "buy milk",
		"chat": {"id": 4242},
		"from": {"first_name": "Ana"},
		"reply_to_message": {"message_id": 99, "chat": {"id": 4242}}
	}}`

	c := newTelegramTestClient("")
	msg, err := c.ParseWebhook([]byte(payload))
	if err != nil {
		t.Fatalf("ParseWebhook() error: %v", err)
	}
	if msg == nil {
		t.Fatal("ParseWebhook() = nil for a text message")
	}
	if msg.Platform != "telegram" || msg.From != "4242" || msg.SenderName != "Ana" {
		t.Errorf("sender fields = %+v", msg)
	}
	if msg.Type != "text" || msg.Text != "buy milk" {
		t.Errorf("content fields = %+v", msg)
	}
	if msg.MessageID != "101" || msg.ReplyToID != "99" {
		t.Errorf("id fields = %+v", msg)
	}
}

func TestTelegramParseWebhookMedia(t *testing.T) {
	t.Parallel()

	c := newTelegramTestClient("")

	voicePayload := `{"message": {"message_id": 1, "chat": {"id": 1},
		"voice": {"file_id": "voice-1"}}}`
	msg, err := c.ParseWebhook([]byte(voicePayload))
	if err != nil || msg == nil {
		t.Fatalf("ParseWebhook(voice) = %v, %v", msg, err)
	}
	if msg.Type != "audio" || msg.AudioID != "voice-1" {
		t.Errorf("voice fields = %+v", msg)
	}

	// The photo array is ordered smallest to largest.
	photoPayload := `{"message": {"message_id": 2, "chat": {"id": 1},
		"caption": "the view",
		"photo": [{"file_id": "small"}, {"file_id": "medium"}, {"file_id": "large"}]}}`
	msg, err = c.ParseWebhook([]byte(photoPayload))
	if err != nil || msg == nil {
		t.Fatalf("ParseWebhook(photo) = %v, %v", msg, err)
	}
	if msg.Type != "image" || msg.ImageID != "large" || msg.ImageCaption != "the view" {
		t.Errorf("photo fields = %+v", msg)
	}
}

func TestTelegramParseWebhookReaction(t *testing.T) {
	t.Parallel()

	payload := `{"message_reaction": {
		"chat": {"id": 4242},
		"user": {"first_name": "Ana"},
		"message_id": 77,
		"date": 1756300000,
		"new_reaction": [{"emoji": "👍"}]
	}}`

	c := newTelegramTestClient("")
	msg, err := c.ParseWebhook([]byte(payload))
	if err != nil || msg == nil {
		t.Fatalf("ParseWebhook(reaction) = %v, %v", msg, err)
	}
	if msg.Type != "reaction" || msg.ReactionEmoji != "👍" || msg.ReactionToID != "77" {
		t.Errorf("reaction fields = %+v", msg)
	}
	if msg.MessageID != "reaction_77" || msg.From != "4242" {
		t.Errorf("id fields = %+v", msg)
	}
}

func TestTelegramParseWebhookNonActionable(t *testing.T) {
	t.Parallel()

	c := newTelegramTestClient("")

	msg, err := c.ParseWebhook([]byte(`{"update_id": 8, "channel_post": {"text": "x"}}`))
	if err != nil || msg != nil {
		t.Errorf("ParseWebhook(channel_post) = %+v, %v, want nil, nil", msg, err)
	}

	// A message with no recognizable content is skipped too.
	msg, err = c.ParseWebhook([]byte(`{"message": {"message_id": 3, "chat": {"id": 1}, "sticker": {}}}`))
	if err != nil || msg != nil {
		t.Errorf("ParseWebhook(sticker) = %+v, %v, want nil, nil", msg, err)
	}
}

func TestTelegramSendText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botbot-token/sendMessage" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["chat_id"] != "4242" || body["text"] != "hi" || body["parse_mode"] != "Markdown" {
			t.Errorf("request body = %v", body)
		}
		fmt.Fprintln(w, `{"ok":true,"result":{"message_id":501}}`)
	}))
	defer srv.Close()

	c := newTelegramTestClient(srv.URL)
	id, err := c.SendText(context.Background(), "4242", "hi")
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if id != "501" {
		t.Errorf("SendText() id = %q", id)
	}
}

func TestTelegramSendTextAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"ok":false,"description":"chat not found"}`)
	}))
	defer srv.Close()

	c := newTelegramTestClient(srv.URL)
	if _, err := c.SendText(context.Background(), "0", "hi"); err == nil {
		t.Error("SendText() should surface the API error")
	}
}

func TestTelegramDownloadMedia(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/botbot-token/getFile":
			if got := r.URL.Query().Get("file_id"); got != "voice-1" {
				t.Errorf("file_id = %q", got)
			}
			fmt.Fprintln(w, `{"ok":true,"result":{"file_path":"voice/file_1.ogg"}}`)
		case "/file/botbot-token/voice/file_1.ogg":
			w.Write([]byte("oggdata"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTelegramTestClient(srv.URL)
	data, contentType, err := c.DownloadMedia(context.Background(), "voice-1")
	if err != nil {
		t.Fatalf("DownloadMedia() error: %v", err)
	}
	if string(data) != "oggdata" || contentType != "audio/ogg" {
		t.Errorf("DownloadMedia() = %q, %q", data, contentType)
	}
}

func TestTelegramSetWebhook(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botbot-token/setWebhook" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["url"] != "https://example.com/webhook" {
			t.Errorf("url = %v", body["url"])
		}
		if body["secret_token"] != "hook-secret" {
			t.Errorf("secret_token = %v", body["secret_token"])
		}
		fmt.Fprintln(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := newTelegramTestClient(srv.URL)
	if err := c.SetWebhook(context.Background(), "https://example.com/webhook"); err != nil {
		t.Fatalf("SetWebhook() error: %v", err)
	}
}

func TestGuessContentType(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"voice/file_1.ogg": "audio/ogg",
		"music/track.mp3":  "audio/mpeg",
		"photos/pic.JPG":   "image/jpeg",
		"photos/pic.png":   "image/png",
		"docs/readme":      "application/octet-stream",
		"docs/file.xyz":    "application/octet-stream",
	}
	for path, want := range tests {
		if got := guessContentType(path); got != want {
			t.Errorf("guessContentType(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{Platform: "whatsapp"})
	if err != nil || c.Name() != "whatsapp" {
		t.Errorf("NewClient(whatsapp) = %v, %v", c, err)
	}

	c, err = NewClient(Config{})
	if err != nil || c.Name() != "whatsapp" {
		t.Errorf("NewClient(default) = %v, %v", c, err)
	}

	c, err = NewClient(Config{Platform: "Telegram"})
	if err != nil || c.Name() != "telegram" {
		t.Errorf("NewClient(Telegram) = %v, %v", c, err)
	}

	if _, err := NewClient(Config{Platform: "irc"}); err == nil {
		t.Error("NewClient(irc) should fail")
	}
}
