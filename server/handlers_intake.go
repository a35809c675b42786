package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/streambot/eventsub"
	"github.com/onnwee/streambot/telemetry"
)

// intakeMaxBody bounds relay payloads; EventSub notifications are small.
const intakeMaxBody = 1 << 20

// intakeEnvelope is the webhook-transport notification shape relayed by the
// ingress: subscription metadata plus the raw event object.
type intakeEnvelope struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// HandleIntake accepts relayed EventSub notifications from the webhook
// ingress, normalizes them, and injects them into the dispatch pipeline.
// The relay authenticates with the shared X-Intake-Secret header.
func (h *Handlers) HandleIntake(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "intake"))

	got := r.Header.Get("X-Intake-Secret")
	if h.cfg.IntakeSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.IntakeSecret)) != 1 {
		h.intakeBad.Add(1)
		log.Warn("intake rejected", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, intakeMaxBody))
	if err != nil {
		h.intakeBad.Add(1)
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	var env intakeEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Subscription.Type == "" || len(env.Event) == 0 {
		h.intakeBad.Add(1)
		log.Warn("intake payload malformed", slog.Any("err", err))
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	ev, ok := eventsub.Normalize(env.Subscription.Type, env.Event)
	if ok {
		select {
		case h.events <- ev:
		default:
			// Dispatch queue full; drop rather than stall the relay.
			log.Warn("intake event dropped, queue full", slog.String("type", env.Subscription.Type))
		}
	}
	h.intakeOK.Add(1)
	w.WriteHeader(http.StatusNoContent)
}
