package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/eventsub"
	"github.com/onnwee/streambot/guard"
	"github.com/onnwee/streambot/router"
	"github.com/onnwee/streambot/testutil"
	"github.com/onnwee/streambot/twitchapi"
)

type nopSender struct {
	mu    sync.Mutex
	texts []string
}

func (n *nopSender) Send(ctx context.Context, channelID, text, parent string) (string, error) {
	n.mu.Lock()
	n.texts = append(n.texts, text)
	n.mu.Unlock()
	return "sent", nil
}

type staticTokens string

func (s staticTokens) Get(ctx context.Context) (string, error) { return string(s), nil }

func testDeps(t *testing.T, mock *testutil.MockTwitchServer) router.Deps {
	t.Helper()
	docs := config.NewDocuments("", "")
	docs.SetForTest(config.CommandsDoc{}, config.Settings{})
	return router.Deps{
		DB: testutil.SetupTestDB(t),
		Helix: &twitchapi.HelixClient{
			ClientID:  "cid",
			AppTokens: staticTokens("app"),
			BotTokens: staticTokens("bot"),
			BaseURL:   mock.URL,
		},
		Cfg:     &config.Config{CmdPrefix: "!", BotUserID: "bot-1"},
		Docs:    docs,
		Sender:  &nopSender{},
		Permits: guard.NewMemoryPermits(nil),
	}
}

func invocation(deps router.Deps, args ...string) router.Invocation {
	return router.Invocation{
		Event: eventsub.Event{
			Kind:         eventsub.KindChat,
			ChannelID:    "111",
			ChannelLogin: "streamer",
			UserID:       "222",
			UserLogin:    "viewer",
			MessageID:    "msg-1",
		},
		Args: args,
		Deps: deps,
	}
}

func TestRegisterAll(t *testing.T) {
	reg := router.NewRegistry()
	if err := RegisterAll(reg); err != nil {
		t.Fatalf("RegisterAll() error = %v", err)
	}
	for _, name := range builtinNames {
		if _, ok := reg.Lookup(name); !ok {
			t.Errorf("command %q not registered", name)
		}
	}
	// Alias resolution.
	if name, ok := reg.Canonical("shoutout"); !ok || name != "so" {
		t.Errorf("Canonical(shoutout) = %q, %v; want so", name, ok)
	}
	if name, ok := reg.Canonical("commands"); !ok || name != "help" {
		t.Errorf("Canonical(commands) = %q, %v; want help", name, ok)
	}
}

func TestPing(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	deps := testDeps(t, mock)

	res, err := Ping().Execute(context.Background(), invocation(deps))
	if err != nil {
		t.Fatalf("ping error = %v", err)
	}
	if _, ok := res.Vars["latency"]; !ok {
		t.Errorf("ping vars = %v, want latency", res.Vars)
	}
}

func TestUptime_Live(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	started := time.Now().Add(-90 * time.Minute).UTC().Format(time.RFC3339)
	mock.MockStreamResponse([]map[string]any{{
		"title":      "t",
		"game_name":  "g",
		"started_at": started,
	}})
	deps := testDeps(t, mock)

	res, err := Uptime().Execute(context.Background(), invocation(deps))
	if err != nil {
		t.Fatalf("uptime error = %v", err)
	}
	if res.Template != "" {
		t.Errorf("live stream should not use the offline branch")
	}
	if !strings.Contains(res.Vars["uptime"], "1h") {
		t.Errorf("uptime = %q, want ~1h30m", res.Vars["uptime"])
	}
}

func TestUptime_Offline(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockStreamResponse(nil)
	deps := testDeps(t, mock)

	res, err := Uptime().Execute(context.Background(), invocation(deps))
	if err != nil {
		t.Fatalf("uptime error = %v", err)
	}
	if !strings.Contains(res.Template, "offline") {
		t.Errorf("offline branch template = %q", res.Template)
	}
}

func TestShoutout(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockUserResponse("777", "friendo")
	deps := testDeps(t, mock)

	res, err := Shoutout().Execute(context.Background(), invocation(deps, "@Friendo"))
	if err != nil {
		t.Fatalf("so error = %v", err)
	}
	if res.Vars["target"] != "friendo" {
		t.Errorf("target = %q, want friendo (lowercased, @ stripped)", res.Vars["target"])
	}
	if len(res.Actions) != 1 || res.Actions[0].Kind != "shoutout" || res.Actions[0].Args["to"] != "777" {
		t.Errorf("actions = %+v", res.Actions)
	}
}

func TestShoutout_MissingArg(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	deps := testDeps(t, mock)

	res, err := Shoutout().Execute(context.Background(), invocation(deps))
	if err != nil {
		t.Fatalf("so error = %v", err)
	}
	if !strings.Contains(res.Message, "usage") {
		t.Errorf("message = %q, want usage hint", res.Message)
	}
}

func TestPermit_GrantsClampedTTL(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	deps := testDeps(t, mock)
	var s config.Settings
	s.Moderation.LinkGuard.PermitTTLSec = 7200 // above the one hour cap
	deps.Docs.SetForTest(config.CommandsDoc{}, s)
	ctx := context.Background()

	res, err := Permit().Execute(ctx, invocation(deps, "Chatter"))
	if err != nil {
		t.Fatalf("permit error = %v", err)
	}
	if res.Vars["seconds"] != "3600" {
		t.Errorf("seconds = %q, want clamped 3600", res.Vars["seconds"])
	}
	if ok, _ := deps.Permits.Allowed(ctx, "111", "chatter"); !ok {
		t.Error("permit was not granted")
	}
}

func TestHelp_ListsCommands(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	deps := testDeps(t, mock)
	deps.Docs.SetForTest(config.CommandsDoc{
		Commands: map[string]config.CommandPolicy{"discord": {Response: "x"}},
	}, config.Settings{})

	res, err := Help().Execute(context.Background(), invocation(deps))
	if err != nil {
		t.Fatalf("help error = %v", err)
	}
	for _, want := range []string{"!ping", "!discord", "!permit"} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("help output %q missing %q", res.Message, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		42 * time.Second:                      "42s",
		5*time.Minute + 3*time.Second:         "5m 3s",
		2*time.Hour + 15*time.Minute:          "2h 15m 0s",
		time.Hour + time.Minute + time.Second: "1h 1m 1s",
	}
	for in, want := range cases {
		if got := formatDuration(in); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", in, got, want)
		}
	}
}
