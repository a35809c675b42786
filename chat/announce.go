package chat

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/telemetry"
	"github.com/onnwee/streambot/twitchapi"
)

// ChatSender is the outbound surface the announcer needs (satisfied by
// *Sender; narrowed for tests).
type ChatSender interface {
	Send(ctx context.Context, channelID, text, replyParentID string) (string, error)
}

// Announcer posts the configured timed announcements into the broadcaster's
// chat. The settings document is re-read on every tick so hot reloads take
// effect without a restart.
type Announcer struct {
	Docs          *config.Documents
	Helix         *twitchapi.HelixClient
	Sender        ChatSender
	BroadcasterID string
	BotUserID     string

	// Tick overrides the scheduler resolution in tests.
	Tick time.Duration

	due map[int]time.Time
}

// Run drives the announcement schedule until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) {
	tick := a.Tick
	if tick <= 0 {
		tick = 30 * time.Second
	}
	a.due = make(map[int]time.Time)
	log := slog.With(slog.String("component", "announcer"))

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.step(ctx, now, log)
		}
	}
}

// step fires every announcement whose next-due instant has passed.
func (a *Announcer) step(ctx context.Context, now time.Time, log *slog.Logger) {
	items := a.Docs.Settings().Announcements
	liveChecked := false
	live := false

	for i, item := range items {
		if item.EveryMin <= 0 || item.Text == "" {
			continue
		}
		next, ok := a.due[i]
		if !ok {
			delay := item.EveryMin
			if item.InitialDelayMin != nil {
				delay = *item.InitialDelayMin
			}
			a.due[i] = now.Add(time.Duration(delay) * time.Minute)
			continue
		}
		if now.Before(next) {
			continue
		}

		if item.LiveOnly == nil || *item.LiveOnly {
			if !liveChecked {
				_, isLive, err := a.Helix.GetStream(ctx, a.BroadcasterID)
				if err != nil {
					log.Warn("live check failed, skipping announcements this tick", slog.Any("err", err))
					return
				}
				liveChecked, live = true, isLive
			}
			if !live {
				// Re-check on the next interval rather than every tick.
				a.due[i] = now.Add(time.Duration(item.EveryMin) * time.Minute)
				continue
			}
		}

		a.post(ctx, item, log)

		jitter := time.Duration(0)
		if item.JitterSec > 0 {
			jitter = time.Duration(rand.Intn(item.JitterSec)) * time.Second
		}
		a.due[i] = now.Add(time.Duration(item.EveryMin)*time.Minute + jitter)
	}
}

func (a *Announcer) post(ctx context.Context, item config.Announcement, log *slog.Logger) {
	var err error
	if item.Type == "announcement" {
		err = a.Helix.SendAnnouncement(ctx, a.BroadcasterID, a.BotUserID, item.Text, "")
	} else {
		_, err = a.Sender.Send(ctx, a.BroadcasterID, item.Text, "")
	}
	if err != nil {
		log.Warn("announcement post failed", slog.Any("err", err))
		return
	}
	if telemetry.AnnouncementsPosted != nil {
		telemetry.AnnouncementsPosted.Inc()
	}
}
