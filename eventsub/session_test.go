package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/onnwee/streambot/twitchapi"
)

type fakeTokens string

func (f fakeTokens) Get(ctx context.Context) (string, error) { return string(f), nil }

// wsFrame builds one EventSub envelope.
func wsFrame(msgID, msgType string, payload any) map[string]any {
	return map[string]any{
		"metadata": map[string]any{
			"message_id":   msgID,
			"message_type": msgType,
		},
		"payload": payload,
	}
}

func TestSession_WelcomeSubscribeNotify(t *testing.T) {
	var subCount atomic.Int32
	var gotSessionID atomic.Value

	helixSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/eventsub/subscriptions" {
			t.Errorf("helix path = %s", r.URL.Path)
		}
		var payload struct {
			Type      string            `json:"type"`
			Transport map[string]string `json:"transport"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode subscription: %v", err)
		}
		gotSessionID.Store(payload.Transport["session_id"])
		subCount.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer helixSrv.Close()

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()
		welcome := wsFrame("m1", "session_welcome", map[string]any{
			"session": map[string]any{"id": "sess-abc"},
		})
		if err := wsjson.Write(ctx, conn, welcome); err != nil {
			return
		}
		// keepalive should be ignored
		_ = wsjson.Write(ctx, conn, wsFrame("m2", "session_keepalive", map[string]any{}))
		notify := wsFrame("m3", "notification", map[string]any{
			"subscription": map[string]any{"type": "channel.chat.message"},
			"event": map[string]any{
				"broadcaster_user_id": "111",
				"chatter_user_login":  "viewer",
				"message_id":          "msg-1",
				"message":             map[string]any{"text": "hello"},
			},
		})
		_ = wsjson.Write(ctx, conn, notify)
		// duplicate delivery must be suppressed
		_ = wsjson.Write(ctx, conn, notify)
		<-ctx.Done()
	}))
	defer wsSrv.Close()

	events := make(chan Event, 4)
	sess := &Session{
		Label:  "test",
		URL:    "ws" + strings.TrimPrefix(wsSrv.URL, "http"),
		Helix:  &twitchapi.HelixClient{ClientID: "cid", AppTokens: fakeTokens("app"), BaseURL: helixSrv.URL},
		Tokens: fakeTokens("user"),
		Topics: []Topic{
			{Type: "channel.chat.message", Version: "1", Condition: map[string]string{"broadcaster_user_id": "111"}},
			{Type: "channel.follow", Version: "2", Condition: map[string]string{"broadcaster_user_id": "111"}},
		},
		Events: events,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = sess.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-events:
		if ev.Kind != KindChat || ev.Text != "hello" || ev.UserLogin != "viewer" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for normalized event")
	}

	// The duplicate frame must not produce a second event.
	select {
	case ev := <-events:
		t.Errorf("unexpected duplicate event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	if got := subCount.Load(); got != 2 {
		t.Errorf("subscription creations = %d, want 2", got)
	}
	if id, _ := gotSessionID.Load().(string); id != "sess-abc" {
		t.Errorf("subscription session_id = %q, want sess-abc", id)
	}
	if sess.SessionID() != "sess-abc" {
		t.Errorf("SessionID() = %q, want sess-abc", sess.SessionID())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSession_SubscribeFailureNonFatal(t *testing.T) {
	var subCalls atomic.Int32
	helixSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := subCalls.Add(1)
		if n == 1 {
			http.Error(w, `{"error":"Forbidden"}`, http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer helixSrv.Close()

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, wsFrame("m1", "session_welcome", map[string]any{
			"session": map[string]any{"id": "sess-1"},
		}))
		<-ctx.Done()
	}))
	defer wsSrv.Close()

	events := make(chan Event, 1)
	sess := &Session{
		Label:  "test",
		URL:    "ws" + strings.TrimPrefix(wsSrv.URL, "http"),
		Helix:  &twitchapi.HelixClient{ClientID: "cid", AppTokens: fakeTokens("app"), BaseURL: helixSrv.URL},
		Tokens: fakeTokens("user"),
		Topics: []Topic{
			{Type: "channel.follow", Version: "2"},
			{Type: "channel.chat.message", Version: "1"},
		},
		Events: events,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for subCalls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("subscribe attempts = %d, want 2 (failure must not stop the rest)", subCalls.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSeenRing(t *testing.T) {
	var r seenRing
	if !r.add("a") {
		t.Error("first add(a) = false, want true")
	}
	if r.add("a") {
		t.Error("second add(a) = true, want false")
	}
	// Fill past capacity; the oldest entry falls out.
	for i := 0; i < 64; i++ {
		r.add(fmt.Sprintf("id-%d", i))
	}
	if !r.add("a") {
		t.Error("add(a) after eviction = false, want true")
	}
}

func TestBackoffConstants(t *testing.T) {
	// The reconnect schedule doubles from the base to the ceiling.
	d := backoffBase
	var steps []time.Duration
	for d < backoffCap {
		steps = append(steps, d)
		d *= 2
	}
	for i := 1; i < len(steps); i++ {
		if steps[i] <= steps[i-1] {
			t.Errorf("backoff not increasing: %v", steps)
		}
	}
	if backoffCap != 15*time.Second || backoffBase != time.Second || jitterMax != 250*time.Millisecond {
		t.Errorf("unexpected schedule: base=%v cap=%v jitter=%v", backoffBase, backoffCap, jitterMax)
	}
}

// TestSession_BackoffDoublesAndResets drives Run through two dial failures, a
// connection that welcomes and then drops, and a further failure, measuring
// the gap between attempts server-side: the delay doubles across consecutive
// failures and snaps back to the base after one successful welcome.
func TestSession_BackoffDoublesAndResets(t *testing.T) {
	if testing.Short() {
		t.Skip("reconnect schedule test sleeps for several seconds")
	}

	var mu sync.Mutex
	var attempts []time.Time

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n := len(attempts)
		attempts = append(attempts, time.Now())
		mu.Unlock()
		if n != 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = wsjson.Write(r.Context(), conn, wsFrame("b1", "session_welcome", map[string]any{
			"session": map[string]any{"id": "sess-b"},
		}))
		conn.Close(websocket.StatusNormalClosure, "dropping")
	}))
	defer wsSrv.Close()

	sess := &Session{
		Label:  "test",
		URL:    "ws" + strings.TrimPrefix(wsSrv.URL, "http"),
		Events: make(chan Event, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	deadline := time.After(15 * time.Second)
	for {
		mu.Lock()
		n := len(attempts)
		mu.Unlock()
		if n >= 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("attempts = %d, want 4", n)
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()

	mu.Lock()
	gaps := []time.Duration{
		attempts[1].Sub(attempts[0]),
		attempts[2].Sub(attempts[1]),
		attempts[3].Sub(attempts[2]),
	}
	mu.Unlock()

	if gaps[0] < backoffBase {
		t.Errorf("first retry after %v, want >= %v", gaps[0], backoffBase)
	}
	if gaps[1] < gaps[0] {
		t.Errorf("delay shrank across consecutive failures: %v then %v", gaps[0], gaps[1])
	}
	if gaps[1] < 2*backoffBase {
		t.Errorf("second retry after %v, want >= doubled %v", gaps[1], 2*backoffBase)
	}
	if gaps[2] >= 2*backoffBase {
		t.Errorf("retry after a welcome took %v, want reset near %v", gaps[2], backoffBase)
	}
}

// TestSession_ReconnectHandover covers the in-protocol reconnect: the first
// connection hands over a reconnect URL, the session dials it, adopts the new
// session id, keeps receiving notifications, and does not resubscribe.
func TestSession_ReconnectHandover(t *testing.T) {
	var subCount atomic.Int32
	helixSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subCount.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer helixSrv.Close()

	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, wsFrame("h1", "session_welcome", map[string]any{
			"session": map[string]any{"id": "sess-2"},
		}))
		_ = wsjson.Write(ctx, conn, wsFrame("h2", "notification", map[string]any{
			"subscription": map[string]any{"type": "channel.chat.message"},
			"event": map[string]any{
				"broadcaster_user_id": "111",
				"chatter_user_login":  "viewer",
				"message_id":          "msg-2",
				"message":             map[string]any{"text": "after handover"},
			},
		}))
		<-ctx.Done()
	}))
	defer second.Close()

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, wsFrame("f1", "session_welcome", map[string]any{
			"session": map[string]any{"id": "sess-1"},
		}))
		_ = wsjson.Write(ctx, conn, wsFrame("f2", "session_reconnect", map[string]any{
			"session": map[string]any{
				"id":            "sess-1",
				"reconnect_url": "ws" + strings.TrimPrefix(second.URL, "http"),
			},
		}))
		<-ctx.Done()
	}))
	defer first.Close()

	events := make(chan Event, 2)
	sess := &Session{
		Label:  "test",
		URL:    "ws" + strings.TrimPrefix(first.URL, "http"),
		Helix:  &twitchapi.HelixClient{ClientID: "cid", AppTokens: fakeTokens("app"), BaseURL: helixSrv.URL},
		Tokens: fakeTokens("user"),
		Topics: []Topic{
			{Type: "channel.chat.message", Version: "1", Condition: map[string]string{"broadcaster_user_id": "111"}},
		},
		Events: events,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	select {
	case ev := <-events:
		if ev.Text != "after handover" {
			t.Errorf("event = %+v, want post-handover notification", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event delivered over the handover connection")
	}

	if got := sess.SessionID(); got != "sess-2" {
		t.Errorf("SessionID() = %q, want sess-2 after handover", got)
	}
	// Subscriptions carry over on a handover welcome; only the first welcome
	// may create them.
	if got := subCount.Load(); got != 1 {
		t.Errorf("subscription creations = %d, want 1", got)
	}
}
