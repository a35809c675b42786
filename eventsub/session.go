package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/onnwee/streambot/telemetry"
	"github.com/onnwee/streambot/twitchapi"
)

// DefaultEndpoint is the production EventSub WebSocket endpoint.
const DefaultEndpoint = "wss://eventsub.wss.twitch.tv/ws"

const (
	backoffBase = time.Second
	backoffCap  = 15 * time.Second
	jitterMax   = 250 * time.Millisecond
)

// Session owns one persistent EventSub connection: it dials, waits for the
// welcome, creates its topic subscriptions, and pumps notifications into the
// shared event channel. Reconnects and resubscribes indefinitely; it never
// gives up while its context is alive.
type Session struct {
	Label      string
	URL        string // defaults to DefaultEndpoint
	Helix      *twitchapi.HelixClient
	Tokens     twitchapi.TokenProvider // user token authorizing the subscriptions
	Topics     []Topic
	Events     chan<- Event
	HTTPClient *http.Client

	mu        sync.Mutex
	sessionID string

	seen seenRing
}

// SessionID returns the platform-assigned id of the current connection, or ""
// before the first welcome.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

func (s *Session) logger() *slog.Logger {
	return slog.With(slog.String("component", "eventsub"), slog.String("session", s.Label))
}

// Run keeps the session alive until ctx is cancelled. Connection failures
// retry with doubling backoff (1s base, 15s ceiling, up to 250ms jitter);
// the delay resets to the base after a successful welcome.
func (s *Session) Run(ctx context.Context) error {
	log := s.logger()
	delay := backoffBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		welcomed := false
		err := s.runOnce(ctx, func() { welcomed = true })
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if welcomed {
			delay = backoffBase
		}

		wait := delay + time.Duration(rand.Int63n(int64(jitterMax)))
		log.Warn("eventsub connection lost, reconnecting", slog.Any("err", err), slog.Duration("in", wait))
		if telemetry.SessionReconnects != nil {
			telemetry.SessionReconnects.WithLabelValues(s.Label).Inc()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if delay < backoffCap {
			delay *= 2
			if delay > backoffCap {
				delay = backoffCap
			}
		}
	}
}

// runOnce serves a single connection (including any in-protocol reconnect
// handovers) until it drops. onWelcome fires once per successful welcome so
// the outer loop can reset its backoff.
func (s *Session) runOnce(ctx context.Context, onWelcome func()) error {
	endpoint := s.URL
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	conn, err := s.dial(ctx, endpoint)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	log := s.logger()
	welcomed := false

	if telemetry.SessionsLiveGauge != nil {
		telemetry.SessionsLiveGauge.Inc()
		defer telemetry.SessionsLiveGauge.Dec()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("unparseable eventsub frame", slog.Any("err", err))
			continue
		}
		if env.Metadata.MessageID != "" && !s.seen.add(env.Metadata.MessageID) {
			continue // duplicate delivery
		}

		switch env.Metadata.MessageType {
		case "session_welcome":
			var sp sessionPayload
			if err := json.Unmarshal(env.Payload, &sp); err != nil {
				return err
			}
			s.setSessionID(sp.Session.ID)
			log.Info("eventsub session welcomed", slog.String("session_id", sp.Session.ID))
			if !welcomed {
				welcomed = true
				onWelcome()
				s.subscribeAll(ctx)
			}
			// A welcome after a handover carries over existing subscriptions.

		case "session_reconnect":
			var sp sessionPayload
			if err := json.Unmarshal(env.Payload, &sp); err != nil {
				return err
			}
			log.Info("eventsub reconnect requested", slog.String("url", sp.Session.ReconnectURL))
			next, err := s.dial(ctx, sp.Session.ReconnectURL)
			if err != nil {
				// Handover failed; drop the old connection and let the
				// outer loop redial the base endpoint.
				return err
			}
			// The old session id is dead the moment the platform asks for a
			// handover; new subscriptions must target the new connection.
			conn.Close(websocket.StatusNormalClosure, "reconnect handover")
			conn = next

		case "notification":
			var np notificationPayload
			if err := json.Unmarshal(env.Payload, &np); err != nil {
				log.Warn("unparseable notification payload", slog.Any("err", err))
				continue
			}
			ev, ok := Normalize(np.Subscription.Type, np.Event)
			if !ok {
				log.Debug("no translator for subscription type", slog.String("type", np.Subscription.Type))
				continue
			}
			telemetry.CountEvent(string(ev.Kind))
			select {
			case s.Events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}

		case "session_keepalive":
			// Nothing to do; the read itself is the liveness signal.

		case "revocation":
			var np notificationPayload
			_ = json.Unmarshal(env.Payload, &np)
			log.Warn("eventsub subscription revoked", slog.String("type", np.Subscription.Type))

		default:
			log.Debug("unknown eventsub message type", slog.String("type", env.Metadata.MessageType))
		}
	}
}

func (s *Session) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPClient: s.HTTPClient})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// subscribeAll creates every configured topic against the current session id.
// A per-topic failure (including a credential failure) is logged and skipped;
// the topic stays absent until the next fresh connection re-attempts it.
func (s *Session) subscribeAll(ctx context.Context) {
	log := s.logger()
	sessionID := s.SessionID()
	for _, t := range s.Topics {
		err := s.Helix.CreateEventSubSubscription(ctx, s.Tokens, twitchapi.SubscriptionRequest{
			Type:      t.Type,
			Version:   t.Version,
			Condition: t.Condition,
			SessionID: sessionID,
		})
		if err != nil {
			log.Error("subscription failed", slog.String("topic", t.Type), slog.Any("err", err))
			if telemetry.SubscribeFailures != nil {
				telemetry.SubscribeFailures.WithLabelValues(t.Type).Inc()
			}
			continue
		}
		log.Info("subscribed", slog.String("topic", t.Type))
	}
}

// seenRing is a fixed-size ring of recent message ids for best-effort
// duplicate suppression across keepalive replays.
type seenRing struct {
	mu   sync.Mutex
	ids  [64]string
	next int
}

// add records id and reports whether it was new.
func (r *seenRing) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.ids {
		if v == id {
			return false
		}
	}
	r.ids[r.next] = id
	r.next = (r.next + 1) % len(r.ids)
	return true
}
