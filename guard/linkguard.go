package guard

import (
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/db"
	"github.com/onnwee/streambot/eventsub"
	"github.com/onnwee/streambot/telemetry"
)

// Sender posts a chat line; replyParentID threads it when non-empty.
type Sender interface {
	Send(ctx context.Context, channelID, text, replyParentID string) (string, error)
}

// Deleter removes a chat message with moderator authority.
type Deleter interface {
	DeleteChatMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error
}

// hostPattern matches scheme-optional host-like substrings in chat text.
var hostPattern = regexp.MustCompile(`(?i)(?:https?://)?((?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,})(?:[:/?#]\S*)?`)

// ExtractHosts returns the lowercased candidate hosts found in text.
func ExtractHosts(text string) []string {
	var hosts []string
	for _, m := range hostPattern.FindAllStringSubmatch(text, -1) {
		hosts = append(hosts, strings.ToLower(m[1]))
	}
	return hosts
}

// HostAllowed reports whether host matches the whitelist exactly or as a
// subdomain of a whitelisted entry.
func HostAllowed(host string, whitelist []string) bool {
	host = strings.ToLower(host)
	for _, w := range whitelist {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if host == w || strings.HasSuffix(host, "."+w) {
			return true
		}
	}
	return false
}

const defaultWarnTemplate = "@{login} links need a permit here, ask a mod for !permit"

// LinkGuard evaluates non-command chat lines against the whitelist and
// permit store, deleting and warning on violations.
type LinkGuard struct {
	Docs      *config.Documents
	Permits   PermitStore
	Sender    Sender
	Deleter   Deleter
	DB        *sql.DB
	Prefix    string // command prefix; prefixed lines are the router's business
	BotUserID string // moderator identity for deletes
	Clock     func() time.Time
}

func (g *LinkGuard) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

// Check evaluates one chat event. It returns true when the guard acted
// (deleted/warned), in which case normal command processing must not run.
func (g *LinkGuard) Check(ctx context.Context, ev eventsub.Event) bool {
	settings := g.Docs.Settings().Moderation.LinkGuard
	if !settings.On() {
		return false
	}
	// Broadcaster and moderators are exempt; command lines are governed by
	// the router's own role checks.
	if ev.IsBroadcaster || ev.IsMod {
		return false
	}
	if g.Prefix != "" && strings.HasPrefix(ev.Text, g.Prefix) {
		return false
	}

	hosts := ExtractHosts(ev.Text)
	if len(hosts) == 0 {
		return false
	}
	allAllowed := true
	for _, h := range hosts {
		if !HostAllowed(h, settings.WhitelistHosts) {
			allAllowed = false
			break
		}
	}
	if allAllowed {
		return false
	}

	if allowed, err := g.Permits.Allowed(ctx, ev.ChannelID, ev.UserLogin); err != nil {
		slog.Error("permit lookup failed", slog.Any("err", err))
	} else if allowed {
		return false
	}

	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "linkguard"),
		slog.String("channel", ev.ChannelLogin),
		slog.String("login", ev.UserLogin))

	warn := settings.WarnTemplate
	if warn == "" {
		warn = defaultWarnTemplate
	}
	warn = strings.ReplaceAll(warn, "{login}", ev.UserLogin)

	// Threaded warning preferred; if the offending message was already
	// removed the threaded send fails, so fall back to a plain mention.
	if _, err := g.Sender.Send(ctx, ev.ChannelID, warn, ev.MessageID); err != nil {
		log.Warn("threaded warning failed, sending plain", slog.Any("err", err))
		if _, err := g.Sender.Send(ctx, ev.ChannelID, warn, ""); err != nil {
			log.Error("warning send failed", slog.Any("err", err))
		}
	}

	action := "delete"
	if err := g.Deleter.DeleteChatMessage(ctx, ev.ChannelID, g.BotUserID, ev.MessageID); err != nil {
		log.Warn("message delete failed", slog.Any("err", err))
		action = "warn-only"
	}

	if err := db.InsertModerationEvent(ctx, g.DB, db.ModerationEvent{
		Ts:        g.now(),
		ChannelID: ev.ChannelID,
		Login:     ev.UserLogin,
		Action:    action,
		Reason:    "link",
		MessageID: ev.MessageID,
	}); err != nil {
		log.Error("moderation event write failed", slog.Any("err", err))
	}
	telemetry.CountLinkGuard(action)
	log.Info("link guard acted", slog.String("action", action))
	return true
}
