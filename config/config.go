// Package config loads environment variables and the JSON policy documents
// used across the service. It applies sensible defaults so the binary can run
// locally with minimal setup. For required credentials use ValidateEventSubReady.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	// Twitch application + identities
	TwitchClientID     string
	TwitchClientSecret string
	BroadcasterUserID  string
	BotUserID          string
	BotLogin           string
	Channels           []string

	// Command routing
	CmdPrefix string

	// Webhook / intake
	WebhookSecret string
	IntakeSecret  string
	IntakeURL     string

	// Listen addresses
	HTTPAddr    string
	WebhookAddr string

	// Storage. DBPath defaults to bot.db inside DataDir.
	DataDir string
	DBPath  string

	// Policy documents
	CommandsPath string
	SettingsPath string
}

// Load reads environment variables and applies defaults. It doesn't fail if Twitch creds
// are missing; use ValidateEventSubReady() when you require live event ingestion.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.BroadcasterUserID = os.Getenv("BROADCASTER_USER_ID")
	cfg.BotUserID = os.Getenv("BOT_USER_ID")
	cfg.BotLogin = strings.ToLower(os.Getenv("BOT_USERNAME"))

	for _, ch := range strings.Split(os.Getenv("CHANNELS"), ",") {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			cfg.Channels = append(cfg.Channels, strings.ToLower(ch))
		}
	}

	cfg.CmdPrefix = os.Getenv("CMD_PREFIX")
	if cfg.CmdPrefix == "" {
		cfg.CmdPrefix = "!"
	}

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	cfg.IntakeSecret = os.Getenv("INTAKE_SECRET")
	cfg.IntakeURL = os.Getenv("INTAKE_URL")
	if cfg.IntakeURL == "" {
		cfg.IntakeURL = "http://127.0.0.1:8080/_intake/chat"
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	cfg.WebhookAddr = os.Getenv("WEBHOOK_ADDR")
	if cfg.WebhookAddr == "" {
		cfg.WebhookAddr = "127.0.0.1:8081"
	}

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	cfg.DBPath = os.Getenv("DB_PATH")
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "bot.db")
	}

	cfg.CommandsPath = os.Getenv("COMMANDS_CONFIG")
	if cfg.CommandsPath == "" {
		cfg.CommandsPath = "config/commands.json"
	}
	cfg.SettingsPath = os.Getenv("SETTINGS_CONFIG")
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = "config/settings.json"
	}

	return cfg, nil
}

// ValidateEventSubReady checks required fields for live event ingestion.
func (c *Config) ValidateEventSubReady() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	if c.BroadcasterUserID == "" || c.BotUserID == "" {
		return fmt.Errorf("missing twitch env: require BROADCASTER_USER_ID, BOT_USER_ID")
	}
	return nil
}

// ValidateWebhookReady checks required fields for the webhook ingress.
func (c *Config) ValidateWebhookReady() error {
	if len(c.WebhookSecret) < 16 {
		return fmt.Errorf("WEBHOOK_SECRET missing or shorter than 16 bytes")
	}
	return nil
}
