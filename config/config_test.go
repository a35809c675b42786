package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearBotEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "BROADCASTER_USER_ID",
		"BOT_USER_ID", "BOT_USERNAME", "CHANNELS", "CMD_PREFIX",
		"WEBHOOK_SECRET", "INTAKE_SECRET", "INTAKE_URL",
		"HTTP_ADDR", "WEBHOOK_ADDR", "DB_PATH", "DATA_DIR",
		"COMMANDS_CONFIG", "SETTINGS_CONFIG",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearBotEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CmdPrefix != "!" {
		t.Errorf("CmdPrefix = %q, want !", cfg.CmdPrefix)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.WebhookAddr != "127.0.0.1:8081" {
		t.Errorf("WebhookAddr = %q", cfg.WebhookAddr)
	}
	if cfg.DBPath != "data/bot.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.IntakeURL != "http://127.0.0.1:8080/_intake/chat" {
		t.Errorf("IntakeURL = %q", cfg.IntakeURL)
	}
	if cfg.CommandsPath != "config/commands.json" || cfg.SettingsPath != "config/settings.json" {
		t.Errorf("document paths = %q / %q", cfg.CommandsPath, cfg.SettingsPath)
	}
	if len(cfg.Channels) != 0 {
		t.Errorf("Channels = %v, want empty", cfg.Channels)
	}
}

func TestLoadChannelsParsing(t *testing.T) {
	clearBotEnv(t)
	t.Setenv("CHANNELS", " SomeChannel , other , ,Third")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := []string{"somechannel", "other", "third"}
	if len(cfg.Channels) != len(want) {
		t.Fatalf("Channels = %v, want %v", cfg.Channels, want)
	}
	for i, ch := range want {
		if cfg.Channels[i] != ch {
			t.Errorf("Channels[%d] = %q, want %q", i, cfg.Channels[i], ch)
		}
	}
}

func TestLoadBotLoginLowercased(t *testing.T) {
	clearBotEnv(t)
	t.Setenv("BOT_USERNAME", "MyBot")
	cfg, _ := Load()
	if cfg.BotLogin != "mybot" {
		t.Errorf("BotLogin = %q, want mybot", cfg.BotLogin)
	}
}

func TestLoadDataDirDerivesDBPath(t *testing.T) {
	clearBotEnv(t)
	t.Setenv("DATA_DIR", "/var/lib/streambot")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBPath != "/var/lib/streambot/bot.db" {
		t.Errorf("DBPath = %q, want derived from DATA_DIR", cfg.DBPath)
	}

	// An explicit DB_PATH wins over the derived default.
	t.Setenv("DB_PATH", "/tmp/other.db")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBPath != "/tmp/other.db" {
		t.Errorf("DBPath = %q, want explicit DB_PATH", cfg.DBPath)
	}
}

func TestValidateEventSubReady(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateEventSubReady(); err == nil {
		t.Error("expected error with no credentials")
	}
	cfg.TwitchClientID = "id"
	cfg.TwitchClientSecret = "secret"
	if err := cfg.ValidateEventSubReady(); err == nil {
		t.Error("expected error with missing user ids")
	}
	cfg.BroadcasterUserID = "123"
	cfg.BotUserID = "456"
	if err := cfg.ValidateEventSubReady(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateWebhookReady(t *testing.T) {
	cfg := &Config{WebhookSecret: "short"}
	if err := cfg.ValidateWebhookReady(); err == nil {
		t.Error("expected error for short secret")
	}
	cfg.WebhookSecret = "a-sufficiently-long-secret"
	if err := cfg.ValidateWebhookReady(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDocumentsReadJSONC(t *testing.T) {
	dir := t.TempDir()
	cmdsPath := filepath.Join(dir, "commands.json")
	setPath := filepath.Join(dir, "settings.json")
	cmds := `{
	// chat commands
	"commands": {
		"ping": {"response": "pong", "cooldownSeconds": 5},
		/* aliased */
		"so": {"aliases": ["shoutout"], "roles": ["mod"]}
	}
}`
	settings := `{
	"moderation": {"linkGuard": {"whitelistHosts": ["clips.twitch.tv"], "permitTtlSec": 60}},
	"greeting": {"enabled": true, "message": "hello // not a comment"}
}`
	if err := os.WriteFile(cmdsPath, []byte(cmds), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(setPath, []byte(settings), 0o644); err != nil {
		t.Fatal(err)
	}

	docs := NewDocuments(cmdsPath, setPath)
	if err := docs.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	p, ok := docs.Command("ping")
	if !ok || p.Response != "pong" || p.CooldownSeconds != 5 {
		t.Errorf("ping policy = %+v, ok=%v", p, ok)
	}
	so, ok := docs.Command("so")
	if !ok || len(so.Aliases) != 1 || so.Aliases[0] != "shoutout" {
		t.Errorf("so policy = %+v, ok=%v", so, ok)
	}
	st := docs.Settings()
	if len(st.Moderation.LinkGuard.WhitelistHosts) != 1 {
		t.Errorf("whitelist = %v", st.Moderation.LinkGuard.WhitelistHosts)
	}
	if st.Greeting.Message != "hello // not a comment" {
		t.Errorf("string containing slashes was mangled: %q", st.Greeting.Message)
	}
}

func TestMergePolicy(t *testing.T) {
	reply := true
	defaults := CommandPolicy{CooldownSeconds: 10, Roles: []string{"everyone"}, Response: "base"}
	override := CommandPolicy{CooldownSeconds: 3, ReplyToUser: &reply}
	merged := MergePolicy(defaults, override)
	if merged.CooldownSeconds != 3 {
		t.Errorf("CooldownSeconds = %d, want 3 (override wins)", merged.CooldownSeconds)
	}
	if len(merged.Roles) != 1 || merged.Roles[0] != "everyone" {
		t.Errorf("Roles = %v, want defaults kept", merged.Roles)
	}
	if merged.Response != "base" {
		t.Errorf("Response = %q, want base kept", merged.Response)
	}
	if !merged.Reply() {
		t.Error("ReplyToUser override lost")
	}
}
