package router

import (
	"context"
	"log/slog"

	"github.com/onnwee/streambot/eventsub"
	"github.com/onnwee/streambot/telemetry"
)

// Built-in event message templates, overridable per kind through the
// settings document's templates block.
var defaultEventTemplates = map[eventsub.Kind]string{
	eventsub.KindFollow:  "Thanks for the follow, {userName}!",
	eventsub.KindSub:     "{userName} just subscribed with {tierName}!",
	eventsub.KindResub:   "{userName} resubscribed for {months} months ({tierName})!",
	eventsub.KindSubGift: "{userName} gifted {count} {tierName} subs!",
	eventsub.KindCheer:   "{userName} cheered {bits} bits!",
	eventsub.KindRaid:    "{userName} is raiding with {viewers} viewers, welcome!",
}

// TierName maps a platform tier code to its display name.
func TierName(tier string) string {
	switch tier {
	case "Prime", "prime":
		return "Prime"
	case "1000":
		return "Tier 1"
	case "2000":
		return "Tier 2"
	case "3000":
		return "Tier 3"
	default:
		return tier
	}
}

// handleNonChat posts the configured greeting message for follow/sub/cheer/
// raid style events. Raids additionally trigger a best-effort shoutout to
// the raiding broadcaster.
func (r *Router) handleNonChat(ctx context.Context, ev eventsub.Event) {
	settings := r.Docs.Settings()
	toggle := settings.Events[string(ev.Kind)]
	if toggle.Enabled != nil && !*toggle.Enabled {
		return
	}

	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "router"),
		slog.String("kind", string(ev.Kind)))

	userName := ev.UserName
	if userName == "" {
		userName = ev.UserLogin
	}
	if ev.Extra["anonymous"] == "true" {
		userName = toggle.AnonymousName
		if userName == "" {
			userName = "Anonymous"
		}
	}

	vars := map[string]string{
		"login":        ev.UserLogin,
		"userName":     userName,
		"displayName":  userName,
		"channelLogin": ev.ChannelLogin,
	}
	for k, v := range ev.Extra {
		vars[k] = v
	}
	if tier, ok := ev.Extra["tier"]; ok {
		vars["tierName"] = TierName(tier)
	}

	tmpl, ok := settings.Templates[string(ev.Kind)]
	if !ok {
		tmpl, ok = defaultEventTemplates[ev.Kind]
	}
	if ok && tmpl != "" {
		out := Render(tmpl, vars)
		if out != "" {
			if _, err := r.Deps.Sender.Send(ctx, ev.ChannelID, out, ""); err != nil {
				log.Error("event message send failed", slog.Any("err", err))
			}
		}
	}

	if ev.Kind == eventsub.KindRaid && ev.UserID != "" {
		if err := r.Deps.Helix.SendShoutout(ctx, ev.ChannelID, ev.UserID, r.Deps.Cfg.BotUserID); err != nil {
			log.Warn("raid shoutout failed", slog.Any("err", err))
		}
	}
}
