// Package gateway provides the HTTP webhook server for incoming
// platform messages.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/recall/pkg/recall/assistant"
	"github.com/jholhewres/recall/pkg/recall/channels"
)

// maxWebhookBody caps webhook payload reads at 1 MiB.
const maxWebhookBody = 1 << 20

// Config configures the gateway listener.
type Config struct {
	Address string
}

// Gateway is the webhook HTTP server.
type Gateway struct {
	assistant *assistant.Assistant
	channel   channels.Client
	config    Config
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway.
func New(a *assistant.Assistant, channel channels.Client, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8000"
	}
	return &Gateway{
		assistant: a,
		channel:   channel,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
	}
}

// Handler returns the route handler, exposed for tests.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/webhook", g.handleWebhook)
	return mux
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.config.Address, "platform", g.channel.Name())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// handleWebhook dispatches on method: GET is the platform registration
// handshake, POST carries messages.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleVerification(w, r)
	case http.MethodPost:
		g.handleIncoming(w, r)
	default:
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification answers the webhook registration check. Platforms
// with a challenge handshake get the echo; the rest get a plain OK.
func (g *Gateway) handleVerification(w http.ResponseWriter, r *http.Request) {
	verifier, ok := g.channel.(channels.ChallengeVerifier)
	if !ok {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "OK")
		return
	}

	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")
	if mode == "" || token == "" || challenge == "" {
		g.writeError(w, "missing parameters", http.StatusBadRequest)
		return
	}

	body, ok := verifier.VerifyChallenge(mode, token, challenge)
	if !ok {
		g.logger.Warn("webhook verification failed")
		g.writeError(w, "verification failed", http.StatusForbidden)
		return
	}
	g.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, body)
}

// handleIncoming verifies, parses and queues one webhook delivery. The
// response returns immediately; processing happens in the background.
func (g *Gateway) handleIncoming(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		g.writeError(w, "read body failed", http.StatusBadRequest)
		return
	}

	if !g.channel.VerifySignature(body, r.Header) {
		g.logger.Warn("invalid webhook signature")
		g.writeError(w, "invalid signature", http.StatusForbidden)
		return
	}

	msg, err := g.channel.ParseWebhook(body)
	if err != nil {
		g.logger.Warn("webhook parse failed", "error", err)
		g.writeError(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if msg == nil {
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if !g.assistant.Allowed(msg.From) {
		g.logger.Warn("ignoring message from unauthorized user", "from", msg.From)
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	g.logger.Info("message received",
		"from", msg.From,
		"name", msg.SenderName,
		"type", msg.Type,
		"id", msg.MessageID)

	go g.assistant.Process(msg)

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"service":  "recall",
		"platform": g.channel.Name(),
		"uptime":   time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// ---------- Response helpers ----------

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("writing response failed", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	g.writeJSON(w, status, map[string]string{"error": msg})
}
