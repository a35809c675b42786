package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/streambot/telemetry"
)

// HandleAdminReload forces a synchronous re-read of the command and settings
// documents, outside the fsnotify watch cycle.
func (h *Handlers) HandleAdminReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "admin"))
	if err := h.docs.Reload(); err != nil {
		log.Error("document reload failed", slog.Any("err", err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}
	log.Info("documents reloaded", slog.Int("commands", len(h.docs.Commands())))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "reloaded", "commands": len(h.docs.Commands())})
}

// parseLimitQuery extracts a bounded limit parameter from the query string.
func parseLimitQuery(r *http.Request, def, max int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if n > max {
				return max
			}
			return n
		}
	}
	return def
}

// HandleAdminUsage lists recent command usage rows from the ledger, newest first.
func (h *Handlers) HandleAdminUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseLimitQuery(r, 50, 500)
	rows, err := h.db.QueryContext(r.Context(),
		`SELECT ts, stream_id, user_id, login, command, ok, COALESCE(reason,''), COALESCE(message_id,'')
		 FROM command_usage ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rows.Close() }()

	type usageRow struct {
		Ts        string `json:"ts"`
		StreamID  int64  `json:"stream_id"`
		UserID    string `json:"user_id"`
		Login     string `json:"login"`
		Command   string `json:"command"`
		OK        bool   `json:"ok"`
		Reason    string `json:"reason,omitempty"`
		MessageID string `json:"message_id,omitempty"`
	}
	out := []usageRow{}
	for rows.Next() {
		var u usageRow
		var ok int
		if err := rows.Scan(&u.Ts, &u.StreamID, &u.UserID, &u.Login, &u.Command, &ok, &u.Reason, &u.MessageID); err != nil {
			http.Error(w, "scan failed", http.StatusInternalServerError)
			return
		}
		u.OK = ok == 1
		out = append(out, u)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleAdminModeration lists recent link guard actions, newest first.
func (h *Handlers) HandleAdminModeration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseLimitQuery(r, 50, 500)
	rows, err := h.db.QueryContext(r.Context(),
		`SELECT ts, channel_id, login, action, COALESCE(reason,''), COALESCE(message_id,'')
		 FROM moderation_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rows.Close() }()

	type modRow struct {
		Ts        string `json:"ts"`
		ChannelID string `json:"channel_id"`
		Login     string `json:"login"`
		Action    string `json:"action"`
		Reason    string `json:"reason,omitempty"`
		MessageID string `json:"message_id,omitempty"`
	}
	out := []modRow{}
	for rows.Next() {
		var m modRow
		if err := rows.Scan(&m.Ts, &m.ChannelID, &m.Login, &m.Action, &m.Reason, &m.MessageID); err != nil {
			http.Error(w, "scan failed", http.StatusInternalServerError)
			return
		}
		out = append(out, m)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
