package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// UsageRecord is one append-only audit row; exactly one is written for every
// dispatch attempt that reaches a known command, successful or not.
type UsageRecord struct {
	Ts        time.Time
	StreamID  int64
	UserID    string
	Login     string
	Command   string
	OK        bool
	Reason    string
	MessageID string
}

// ModerationEvent is one append-only link-guard action row.
type ModerationEvent struct {
	Ts        time.Time
	ChannelID string
	Login     string
	Action    string // delete | warn-only
	Reason    string
	MessageID string
}

// InsertUsage appends a usage row to the ledger.
func InsertUsage(ctx context.Context, dbx *sql.DB, u UsageRecord) error {
	ok := 0
	if u.OK {
		ok = 1
	}
	ts := u.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO command_usage(ts, stream_id, user_id, login, command, ok, reason, message_id)
		 VALUES (?,?,?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), u.StreamID, u.UserID, u.Login, u.Command, ok, nullable(u.Reason), u.MessageID)
	return errors.Wrap(err, "insert usage")
}

// CountUserUsage counts prior successful invocations of command by userID
// within the current stream scope. Queried fresh per dispatch; there is no
// in-memory quota cache, so counts stay correct across restarts.
func CountUserUsage(ctx context.Context, dbx *sql.DB, streamID int64, userID, command string) (int, error) {
	var n int
	err := dbx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_usage WHERE stream_id=? AND user_id=? AND command=? AND ok=1`,
		streamID, userID, command).Scan(&n)
	return n, errors.Wrap(err, "count user usage")
}

// CountCommandUsage counts prior successful invocations of command by any user
// within the current stream scope.
func CountCommandUsage(ctx context.Context, dbx *sql.DB, streamID int64, command string) (int, error) {
	var n int
	err := dbx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_usage WHERE stream_id=? AND command=? AND ok=1`,
		streamID, command).Scan(&n)
	return n, errors.Wrap(err, "count command usage")
}

// InsertModerationEvent appends a moderation action row.
func InsertModerationEvent(ctx context.Context, dbx *sql.DB, ev ModerationEvent) error {
	ts := ev.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO moderation_events(ts, channel_id, login, action, reason, message_id)
		 VALUES (?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), ev.ChannelID, ev.Login, ev.Action, ev.Reason, ev.MessageID)
	return errors.Wrap(err, "insert moderation event")
}

// UpsertPermit grants or extends a link-guard permit for (channel, login).
func UpsertPermit(ctx context.Context, dbx *sql.DB, channelID, login string, expiresAt time.Time) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO permits(channel_id, login, expires_at) VALUES (?,?,?)
		 ON CONFLICT(channel_id, login) DO UPDATE SET expires_at=excluded.expires_at`,
		channelID, login, expiresAt.UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "upsert permit")
}

// GetPermit returns the permit expiry for (channel, login), if one exists.
func GetPermit(ctx context.Context, dbx *sql.DB, channelID, login string) (time.Time, bool, error) {
	var expStr string
	err := dbx.QueryRowContext(ctx,
		`SELECT expires_at FROM permits WHERE channel_id=? AND login=?`, channelID, login).Scan(&expStr)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "get permit")
	}
	t, perr := time.Parse(time.RFC3339Nano, expStr)
	if perr != nil {
		return time.Time{}, false, errors.Wrap(perr, "parse permit expiry")
	}
	return t, true, nil
}

// DeletePermit removes a permit row (lazy eviction on expired lookup).
func DeletePermit(ctx context.Context, dbx *sql.DB, channelID, login string) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM permits WHERE channel_id=? AND login=?`, channelID, login)
	return errors.Wrap(err, "delete permit")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
