package server

import (
	"encoding/json"
	"net/http"
	"time"
)

type sessionStatus struct {
	Label     string `json:"label"`
	SessionID string `json:"session_id,omitempty"`
	Connected bool   `json:"connected"`
}

type statusResponse struct {
	Service        string          `json:"service"`
	UptimeSeconds  int64           `json:"uptime_seconds"`
	BotLogin       string          `json:"bot_login,omitempty"`
	Channels       []string        `json:"channels"`
	CommandPrefix  string          `json:"command_prefix"`
	Commands       int             `json:"commands"`
	Sessions       []sessionStatus `json:"sessions"`
	IntakeAccepted int64           `json:"intake_accepted"`
	IntakeRejected int64           `json:"intake_rejected"`
}

// HandleStatus returns a JSON snapshot of the running bot: configured
// channels, EventSub session state, and intake counters.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res := statusResponse{
		Service:        "streambot",
		UptimeSeconds:  int64(time.Since(h.startedAt) / time.Second),
		BotLogin:       h.cfg.BotLogin,
		Channels:       h.cfg.Channels,
		CommandPrefix:  h.cfg.CmdPrefix,
		Commands:       len(h.docs.Commands()),
		IntakeAccepted: h.intakeOK.Load(),
		IntakeRejected: h.intakeBad.Load(),
	}
	for _, s := range h.sessions {
		id := s.SessionID()
		res.Sessions = append(res.Sessions, sessionStatus{
			Label:     s.Label,
			SessionID: id,
			Connected: id != "",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}
