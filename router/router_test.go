package router

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/eventsub"
	"github.com/onnwee/streambot/testutil"
	"github.com/onnwee/streambot/twitchapi"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return ts
}

type recordedSend struct {
	channelID string
	text      string
	parent    string
}

type fakeSender struct {
	mu    sync.Mutex
	sends []recordedSend
}

func (f *fakeSender) Send(ctx context.Context, channelID, text, parent string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, recordedSend{channelID, text, parent})
	return fmt.Sprintf("sent-%d", len(f.sends)), nil
}

func (f *fakeSender) all() []recordedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedSend(nil), f.sends...)
}

func boolPtr(b bool) *bool { return &b }

// newTestRouter builds a router around a throwaway ledger, a fake sender,
// and a mutable clock. Returns the router, sender, db, and clock setter.
func newTestRouter(t *testing.T) (*Router, *fakeSender, *sql.DB, func(time.Time)) {
	t.Helper()
	database := testutil.SetupTestDB(t)
	sender := &fakeSender{}

	mock := testutil.NewMockTwitchServer(t)
	mock.MockAccept("/chat/announcements")
	mock.MockAccept("/chat/shoutouts")
	helix := &twitchapi.HelixClient{ClientID: "cid", BaseURL: mock.URL}

	now := mustTime(t, "2024-06-01T12:00:00Z")
	var mu sync.Mutex
	setNow := func(ts time.Time) { mu.Lock(); now = ts; mu.Unlock() }

	docs := config.NewDocuments("", "")
	reg := NewRegistry()
	if err := reg.Register(&Command{
		Name: "ping",
		Defaults: config.CommandPolicy{
			Aliases:         []string{"pong"},
			CooldownSeconds: 10,
			Response:        "pong ({latency}ms)",
		},
		Execute: func(ctx context.Context, inv Invocation) (Result, error) {
			return Result{Vars: map[string]string{"latency": "42"}}, nil
		},
	}); err != nil {
		t.Fatalf("register ping: %v", err)
	}

	r := &Router{
		Prefix:    "!",
		Registry:  reg,
		Docs:      docs,
		Cooldowns: NewMemoryCooldowns(),
		Deps: Deps{
			DB:     database,
			Helix:  helix,
			Cfg:    &config.Config{BotUserID: "bot-1", CmdPrefix: "!"},
			Docs:   docs,
			Sender: sender,
		},
		Clock: func() time.Time { mu.Lock(); defer mu.Unlock(); return now },
	}
	return r, sender, database, setNow
}

func chatEvent(text string) eventsub.Event {
	return eventsub.Event{
		Kind:         eventsub.KindChat,
		ChannelID:    "111",
		ChannelLogin: "streamer",
		UserID:       "222",
		UserLogin:    "viewer",
		UserName:     "Viewer",
		MessageID:    "msg-1",
		Text:         text,
	}
}

func usageRows(t *testing.T, database *sql.DB) []struct {
	Command string
	OK      int
	Reason  string
} {
	t.Helper()
	rows, err := database.Query(`SELECT command, ok, COALESCE(reason,'') FROM command_usage ORDER BY id`)
	if err != nil {
		t.Fatalf("query usage: %v", err)
	}
	defer rows.Close()
	var out []struct {
		Command string
		OK      int
		Reason  string
	}
	for rows.Next() {
		var r struct {
			Command string
			OK      int
			Reason  string
		}
		if err := rows.Scan(&r.Command, &r.OK, &r.Reason); err != nil {
			t.Fatalf("scan usage: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestDispatch_PingSuccess(t *testing.T) {
	r, sender, database, _ := newTestRouter(t)

	r.Dispatch(context.Background(), chatEvent("!ping"))

	sends := sender.all()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	if ok, _ := regexp.MatchString(`^pong \(\d+ms\)$`, sends[0].text); !ok {
		t.Errorf("send text = %q, want pong (Nms)", sends[0].text)
	}
	rows := usageRows(t, database)
	if len(rows) != 1 || rows[0].OK != 1 || rows[0].Command != "ping" {
		t.Errorf("usage rows = %+v, want one ok=1 ping row", rows)
	}
}

func TestDispatch_CooldownRejectsSecondInvocation(t *testing.T) {
	r, sender, database, setNow := newTestRouter(t)
	ctx := context.Background()
	base := mustTime(t, "2024-06-01T12:00:00Z")

	r.Dispatch(ctx, chatEvent("!ping"))
	setNow(base.Add(3 * time.Second))
	r.Dispatch(ctx, chatEvent("!ping"))

	if sends := sender.all(); len(sends) != 1 {
		t.Fatalf("sends = %d, want 1 (second invocation on cooldown)", len(sends))
	}
	rows := usageRows(t, database)
	if len(rows) != 2 {
		t.Fatalf("usage rows = %d, want 2", len(rows))
	}
	if rows[1].OK != 0 || rows[1].Reason != "cooldown" {
		t.Errorf("second row = %+v, want ok=0 reason=cooldown", rows[1])
	}

	// Past the window the command fires again.
	setNow(base.Add(11 * time.Second))
	r.Dispatch(ctx, chatEvent("!ping"))
	if sends := sender.all(); len(sends) != 2 {
		t.Errorf("sends = %d, want 2 after cooldown elapsed", len(sends))
	}
}

func TestDispatch_CooldownIsGlobalAcrossUsers(t *testing.T) {
	r, sender, database, _ := newTestRouter(t)
	ctx := context.Background()

	r.Dispatch(ctx, chatEvent("!ping"))

	other := chatEvent("!ping")
	other.UserID, other.UserLogin = "333", "someone_else"
	r.Dispatch(ctx, other)

	if sends := sender.all(); len(sends) != 1 {
		t.Errorf("sends = %d, want 1 (cooldown throttles volume, not users)", len(sends))
	}
	rows := usageRows(t, database)
	if len(rows) != 2 || rows[1].Reason != "cooldown" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestDispatch_AliasEquivalence(t *testing.T) {
	r, sender, database, _ := newTestRouter(t)

	r.Dispatch(context.Background(), chatEvent("!pong"))

	sends := sender.all()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	rows := usageRows(t, database)
	if len(rows) != 1 || rows[0].Command != "ping" {
		t.Errorf("alias must log under the canonical name: %+v", rows)
	}
}

func TestDispatch_NoPrefixNoRecord(t *testing.T) {
	r, sender, database, _ := newTestRouter(t)

	r.Dispatch(context.Background(), chatEvent("just chatting about ping"))

	if sends := sender.all(); len(sends) != 0 {
		t.Errorf("sends = %d, want 0", len(sends))
	}
	if rows := usageRows(t, database); len(rows) != 0 {
		t.Errorf("usage rows = %+v, want none", rows)
	}
}

func TestDispatch_UnknownCommandDropsSilently(t *testing.T) {
	r, sender, database, _ := newTestRouter(t)

	r.Dispatch(context.Background(), chatEvent("!nosuchcommand"))

	if sends := sender.all(); len(sends) != 0 {
		t.Errorf("sends = %d, want 0", len(sends))
	}
	if rows := usageRows(t, database); len(rows) != 0 {
		t.Errorf("usage rows = %+v, want none", rows)
	}
}

func TestDispatch_RoleForbidden(t *testing.T) {
	r, sender, database, _ := newTestRouter(t)
	if err := r.Registry.Register(&Command{
		Name:     "modonly",
		Defaults: config.CommandPolicy{Roles: []string{"mod"}, Response: "done"},
		Execute: func(ctx context.Context, inv Invocation) (Result, error) {
			return Result{}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	r.Dispatch(ctx, chatEvent("!modonly"))

	rows := usageRows(t, database)
	if len(rows) != 1 || rows[0].OK != 0 || rows[0].Reason != "forbidden" {
		t.Fatalf("rows = %+v, want one forbidden row", rows)
	}
	if sends := sender.all(); len(sends) != 1 {
		t.Errorf("denial reply missing: sends = %d", len(sends))
	}

	// A moderator passes the same gate.
	ev := chatEvent("!modonly")
	ev.IsMod = true
	r.Dispatch(ctx, ev)
	rows = usageRows(t, database)
	if rows[len(rows)-1].OK != 1 {
		t.Errorf("mod dispatch row = %+v, want ok=1", rows[len(rows)-1])
	}
}

func TestDispatch_RoleForbiddenSilent(t *testing.T) {
	r, sender, database, _ := newTestRouter(t)
	if err := r.Registry.Register(&Command{
		Name: "quiet",
		Defaults: config.CommandPolicy{
			Roles:        []string{"owner"},
			FailSilently: boolPtr(true),
			Response:     "ok",
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Dispatch(context.Background(), chatEvent("!quiet"))

	if sends := sender.all(); len(sends) != 0 {
		t.Errorf("failSilently must suppress the denial reply, got %d sends", len(sends))
	}
	rows := usageRows(t, database)
	if len(rows) != 1 || rows[0].Reason != "forbidden" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestDispatch_PerUserQuota(t *testing.T) {
	r, sender, database, _ := newTestRouter(t)
	if err := r.Registry.Register(&Command{
		Name:     "once",
		Defaults: config.CommandPolicy{LimitPerUser: 1, Response: "here you go"},
		Execute: func(ctx context.Context, inv Invocation) (Result, error) {
			return Result{}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	r.Dispatch(ctx, chatEvent("!once"))
	r.Dispatch(ctx, chatEvent("!once"))

	rows := usageRows(t, database)
	if len(rows) != 2 || rows[1].OK != 0 || rows[1].Reason != "limit_user" {
		t.Fatalf("rows = %+v, want second row limit_user", rows)
	}

	// A different user still has quota.
	ev := chatEvent("!once")
	ev.UserID, ev.UserLogin = "999", "fresh"
	r.Dispatch(ctx, ev)
	rows = usageRows(t, database)
	if rows[len(rows)-1].OK != 1 {
		t.Errorf("other user's dispatch = %+v, want ok=1", rows[len(rows)-1])
	}
	_ = sender
}

func TestDispatch_PerStreamQuota(t *testing.T) {
	r, _, database, _ := newTestRouter(t)
	if err := r.Registry.Register(&Command{
		Name:     "limited",
		Defaults: config.CommandPolicy{LimitPerStream: 2, Response: "x"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	for i, user := range []string{"a", "b", "c"} {
		ev := chatEvent("!limited")
		ev.UserID = fmt.Sprintf("u%d", i)
		ev.UserLogin = user
		r.Dispatch(ctx, ev)
	}

	rows := usageRows(t, database)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[2].OK != 0 || rows[2].Reason != "limit_stream" {
		t.Errorf("third row = %+v, want limit_stream", rows[2])
	}
}

func TestDispatch_ExecutorErrorRecorded(t *testing.T) {
	r, _, database, _ := newTestRouter(t)
	if err := r.Registry.Register(&Command{
		Name:     "broken",
		Defaults: config.CommandPolicy{Response: "never rendered", FailSilently: boolPtr(true)},
		Execute: func(ctx context.Context, inv Invocation) (Result, error) {
			return Result{}, fmt.Errorf("upstream exploded")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Dispatch(context.Background(), chatEvent("!broken"))

	rows := usageRows(t, database)
	if len(rows) != 1 || rows[0].OK != 0 || rows[0].Reason != "error" {
		t.Errorf("rows = %+v, want one error row", rows)
	}
}

func TestDispatch_ExecutorPanicContained(t *testing.T) {
	r, _, database, _ := newTestRouter(t)
	if err := r.Registry.Register(&Command{
		Name:     "explosive",
		Defaults: config.CommandPolicy{FailSilently: boolPtr(true), Response: "x"},
		Execute: func(ctx context.Context, inv Invocation) (Result, error) {
			panic("boom")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Dispatch(context.Background(), chatEvent("!explosive"))

	rows := usageRows(t, database)
	if len(rows) != 1 || rows[0].Reason != "error" {
		t.Errorf("rows = %+v, want one error row", rows)
	}
}

func TestDispatch_ConfigOnlyCommand(t *testing.T) {
	r, sender, database, _ := newTestRouter(t)
	r.Docs.SetForTest(config.CommandsDoc{
		Commands: map[string]config.CommandPolicy{
			"discord": {
				Aliases:  []string{"dc"},
				Response: "join us at discord.example/{channelLogin}",
			},
		},
	}, config.Settings{})

	r.Dispatch(context.Background(), chatEvent("!dc"))

	sends := sender.all()
	if len(sends) != 1 || sends[0].text != "join us at discord.example/streamer" {
		t.Fatalf("sends = %+v", sends)
	}
	rows := usageRows(t, database)
	if len(rows) != 1 || rows[0].Command != "discord" || rows[0].OK != 1 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestDispatch_OverrideWinsForPopulatedFields(t *testing.T) {
	r, sender, _, _ := newTestRouter(t)
	r.Docs.SetForTest(config.CommandsDoc{
		Commands: map[string]config.CommandPolicy{
			"ping": {Response: "custom {latency}ms pong"},
		},
	}, config.Settings{})

	r.Dispatch(context.Background(), chatEvent("!ping"))

	sends := sender.all()
	if len(sends) != 1 || sends[0].text != "custom 42ms pong" {
		t.Errorf("sends = %+v, want the overridden template", sends)
	}
}

func TestDispatch_TemplateOverrideAndSuppress(t *testing.T) {
	r, sender, database, _ := newTestRouter(t)
	if err := r.Registry.Register(&Command{
		Name:     "branchy",
		Defaults: config.CommandPolicy{Response: "default {state}"},
		Execute: func(ctx context.Context, inv Invocation) (Result, error) {
			if len(inv.Args) > 0 && inv.Args[0] == "quiet" {
				return Result{Suppress: true}, nil
			}
			return Result{
				Template: "offline branch for {login}",
			}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()

	r.Dispatch(ctx, chatEvent("!branchy"))
	if sends := sender.all(); len(sends) != 1 || sends[0].text != "offline branch for viewer" {
		t.Fatalf("sends = %+v", sends)
	}

	r.Dispatch(ctx, chatEvent("!branchy quiet"))
	if sends := sender.all(); len(sends) != 1 {
		t.Errorf("suppress must not send, got %d sends", len(sends))
	}
	rows := usageRows(t, database)
	if len(rows) != 2 || rows[1].OK != 1 {
		t.Errorf("suppressed dispatch still records ok=1: %+v", rows)
	}
}

func TestDispatch_ReplyThreading(t *testing.T) {
	r, sender, _, _ := newTestRouter(t)
	if err := r.Registry.Register(&Command{
		Name:     "threaded",
		Defaults: config.CommandPolicy{Response: "hi {login}", ReplyToUser: boolPtr(true)},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Dispatch(context.Background(), chatEvent("!threaded"))

	sends := sender.all()
	if len(sends) != 1 || sends[0].parent != "msg-1" {
		t.Errorf("sends = %+v, want reply threaded to msg-1", sends)
	}
}

func TestHandleNonChat_FollowMessage(t *testing.T) {
	r, sender, _, _ := newTestRouter(t)
	r.Docs.SetForTest(config.CommandsDoc{}, config.Settings{
		Templates: map[string]string{"follow": "welcome {userName}!"},
	})

	r.HandleEvent(context.Background(), eventsub.Event{
		Kind:         eventsub.KindFollow,
		ChannelID:    "111",
		ChannelLogin: "streamer",
		UserLogin:    "newfan",
		UserName:     "NewFan",
	})

	sends := sender.all()
	if len(sends) != 1 || sends[0].text != "welcome NewFan!" {
		t.Errorf("sends = %+v", sends)
	}
}

func TestHandleNonChat_DisabledKind(t *testing.T) {
	r, sender, _, _ := newTestRouter(t)
	off := false
	r.Docs.SetForTest(config.CommandsDoc{}, config.Settings{
		Events: map[string]config.EventToggle{"follow": {Enabled: &off}},
	})

	r.HandleEvent(context.Background(), eventsub.Event{
		Kind:      eventsub.KindFollow,
		ChannelID: "111",
		UserLogin: "newfan",
	})

	if sends := sender.all(); len(sends) != 0 {
		t.Errorf("disabled kind must not send, got %+v", sends)
	}
}

func TestTierName(t *testing.T) {
	cases := map[string]string{
		"1000":  "Tier 1",
		"2000":  "Tier 2",
		"3000":  "Tier 3",
		"Prime": "Prime",
		"9999":  "9999",
	}
	for in, want := range cases {
		if got := TierName(in); got != want {
			t.Errorf("TierName(%q) = %q, want %q", in, got, want)
		}
	}
}
