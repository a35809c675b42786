// Package server exposes the bot's HTTP API: health and readiness probes,
// Prometheus metrics, a status snapshot, the webhook relay intake, and admin
// operations. It injects correlation IDs into request contexts for consistent
// logging.
package server

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/eventsub"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db        *sql.DB
	ctx       context.Context
	cfg       *config.Config
	docs      *config.Documents
	events    chan<- eventsub.Event
	sessions  []*eventsub.Session
	startedAt time.Time
	intakeOK  atomic.Int64
	intakeBad atomic.Int64
}

// NewHandlers creates a Handlers instance with the given dependencies.
// sessions may be nil when running in webhook-relay-only mode.
func NewHandlers(ctx context.Context, db *sql.DB, cfg *config.Config, docs *config.Documents, events chan<- eventsub.Event, sessions []*eventsub.Session) *Handlers {
	return &Handlers{
		db:        db,
		ctx:       ctx,
		cfg:       cfg,
		docs:      docs,
		events:    events,
		sessions:  sessions,
		startedAt: time.Now(),
	}
}
