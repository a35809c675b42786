package chat

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"time"

	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/db"
)

const greetingKVKey = "greeting:last_sent"

// SendGreeting posts the configured startup greeting, suppressed when the
// last greeting was sent within the configured minimum interval. The last
// send instant persists in the kv table so rapid restarts stay quiet.
func SendGreeting(ctx context.Context, dbx *sql.DB, sender ChatSender, channelID string, docs *config.Documents) error {
	g := docs.Settings().Greeting
	if !g.Enabled || g.Message == "" {
		return nil
	}
	log := slog.With(slog.String("component", "greeting"))

	minInterval := time.Duration(g.MinIntervalSec) * time.Second
	if minInterval > 0 {
		last, err := db.GetKV(ctx, dbx, greetingKVKey)
		if err != nil {
			return err
		}
		if last != "" {
			if sec, perr := strconv.ParseInt(last, 10, 64); perr == nil {
				if time.Since(time.Unix(sec, 0)) < minInterval {
					log.Info("greeting suppressed, sent recently")
					return nil
				}
			}
		}
	}

	if g.DelayMs > 0 {
		timer := time.NewTimer(time.Duration(g.DelayMs) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if _, err := sender.Send(ctx, channelID, g.Message, ""); err != nil {
		return err
	}
	return db.SetKV(ctx, dbx, greetingKVKey, strconv.FormatInt(time.Now().Unix(), 10))
}
