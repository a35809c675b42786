// Package chat handles the outbound side: rate-limited message sends, timed
// announcements, and the startup greeting.
package chat

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/streambot/telemetry"
	"github.com/onnwee/streambot/twitchapi"
)

// Sender posts chat messages through Helix behind a token-bucket limiter.
// Twitch allows roughly 20 messages per 30s for a regular bot account; the
// limiter keeps bursts under that without dropping sends.
type Sender struct {
	Helix     *twitchapi.HelixClient
	BotUserID string
	Limiter   *rate.Limiter
}

// NewSender builds a Sender with the standard chat rate limit.
func NewSender(helix *twitchapi.HelixClient, botUserID string) *Sender {
	return &Sender{
		Helix:     helix,
		BotUserID: botUserID,
		Limiter:   rate.NewLimiter(rate.Every(1500*time.Millisecond), 5),
	}
}

// Send posts text into channelID's chat, threaded under replyParentID when
// non-empty. Blocks on the rate limiter; honors ctx cancellation.
func (s *Sender) Send(ctx context.Context, channelID, text, replyParentID string) (string, error) {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	var id string
	var err error
	telemetry.TimeFunc(telemetry.ChatSendDuration, func() {
		id, err = s.Helix.SendChatMessage(ctx, channelID, s.BotUserID, text, replyParentID)
	})
	if err != nil {
		if telemetry.ChatSendsFailed != nil {
			telemetry.ChatSendsFailed.Inc()
		}
		slog.Error("chat send failed", slog.String("channel", channelID), slog.Any("err", err))
		return "", err
	}
	return id, nil
}
