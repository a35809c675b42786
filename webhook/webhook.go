// Package webhook authenticates EventSub push deliveries. Verified chat
// notifications are acknowledged immediately and forwarded to the internal
// intake surface, keeping inbound authentication decoupled from dispatch.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/streambot/telemetry"
)

// EventSub webhook headers.
const (
	HeaderMessageID   = "Twitch-Eventsub-Message-Id"
	HeaderTimestamp   = "Twitch-Eventsub-Message-Timestamp"
	HeaderSignature   = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType = "Twitch-Eventsub-Message-Type"
)

// ComputeSignature returns "sha256=" + hex(HMAC-SHA256(secret, id‖ts‖body)).
func ComputeSignature(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the delivery signature and compares in constant
// time. The body must be the raw, unparsed request body.
func VerifySignature(secret, messageID, timestamp, signature string, body []byte) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := ComputeSignature(secret, messageID, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Handler is the webhook ingress HTTP handler.
type Handler struct {
	Secret       string // shared secret registered with the subscription
	IntakeURL    string // internal intake endpoint for verified notifications
	IntakeSecret string // pre-shared X-Intake-Secret value
	HTTPClient   *http.Client

	// Forwarded is incremented per successful downstream forward (tests).
	Forwarded atomic.Int64

	startedAt      time.Time
	startOnce      sync.Once
	mu             sync.Mutex
	lastEventAt    time.Time
	eventsReceived int64
}

func (h *Handler) http() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (h *Handler) noteEvent() {
	h.mu.Lock()
	h.lastEventAt = time.Now()
	h.eventsReceived++
	h.mu.Unlock()
}

// Routes registers the webhook endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	h.startOnce.Do(func() { h.startedAt = time.Now() })
	mux.HandleFunc("POST /eventsub", h.handleDelivery)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	last := h.lastEventAt
	count := h.eventsReceived
	h.mu.Unlock()
	resp := map[string]any{
		"status":          "ok",
		"started_at":      h.startedAt.UTC().Format(time.RFC3339),
		"events_received": count,
	}
	if !last.IsZero() {
		resp["last_event_at"] = last.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleDelivery authenticates one push delivery. Signature failure rejects
// before the body is ever parsed. Notifications are acknowledged with 200
// before forwarding so the platform's delivery-latency window is always met.
func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "webhook"))

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		telemetry.CountWebhook("bad_body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	msgID := r.Header.Get(HeaderMessageID)
	timestamp := r.Header.Get(HeaderTimestamp)
	signature := r.Header.Get(HeaderSignature)
	if !VerifySignature(h.Secret, msgID, timestamp, signature, body) {
		telemetry.CountWebhook("bad_signature")
		log.Warn("webhook signature mismatch", slog.String("message_id", msgID))
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	switch r.Header.Get(HeaderMessageType) {
	case "webhook_callback_verification":
		var payload struct {
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.Challenge == "" {
			telemetry.CountWebhook("bad_body")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		telemetry.CountWebhook("verification")
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, payload.Challenge)

	case "revocation":
		var payload struct {
			Subscription struct {
				Type   string `json:"type"`
				Status string `json:"status"`
			} `json:"subscription"`
		}
		_ = json.Unmarshal(body, &payload)
		telemetry.CountWebhook("revocation")
		log.Warn("webhook subscription revoked",
			slog.String("type", payload.Subscription.Type),
			slog.String("status", payload.Subscription.Status))
		fmt.Fprint(w, "ok")

	case "notification":
		if !json.Valid(body) {
			telemetry.CountWebhook("bad_body")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		h.noteEvent()
		telemetry.CountWebhook("ok")
		// Ack first; forwarding must never delay the platform's window.
		fmt.Fprint(w, "ok")
		go h.forward(body)

	default:
		telemetry.CountWebhook("unknown_type")
		fmt.Fprint(w, "ok")
	}
}

// forward hands the raw envelope to the intake surface with the shared
// secret header. Failures are logged only; the delivery was already acked.
func (h *Handler) forward(body []byte) {
	if h.IntakeURL == "" {
		return
	}
	req, err := http.NewRequest(http.MethodPost, h.IntakeURL, bytes.NewReader(body))
	if err != nil {
		slog.Error("intake request build failed", slog.Any("err", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Intake-Secret", h.IntakeSecret)
	resp, err := h.http().Do(req)
	if err != nil {
		slog.Error("intake forward failed", slog.Any("err", err))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusNoContent {
		slog.Error("intake forward rejected", slog.Int("status", resp.StatusCode))
		return
	}
	h.Forwarded.Add(1)
}

// NewServer builds the webhook HTTP server bound to addr.
func NewServer(addr string, h *Handler) *http.Server {
	mux := http.NewServeMux()
	h.Routes(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
