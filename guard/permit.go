// Package guard pre-empts the router for non-command chat lines, deciding
// whether a line carries a disallowed external link and acting on it.
package guard

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/streambot/db"
)

// Permit TTL clamp bounds. Grants outside this window are pulled back in so
// a fat-fingered duration can never produce an unbounded exemption.
const (
	MinPermitTTL = time.Second
	MaxPermitTTL = time.Hour
)

// ClampTTL bounds a requested permit duration to [MinPermitTTL, MaxPermitTTL].
func ClampTTL(d time.Duration) time.Duration {
	if d < MinPermitTTL {
		return MinPermitTTL
	}
	if d > MaxPermitTTL {
		return MaxPermitTTL
	}
	return d
}

// PermitStore is the channel-scoped, TTL-keyed allow-list consulted by the
// link guard. Expired entries are evicted lazily on lookup.
type PermitStore interface {
	// Grant allows (channel, login) until now+ttl and returns the expiry.
	Grant(ctx context.Context, channelID, login string, ttl time.Duration) (time.Time, error)
	// Allowed reports whether (channel, login) holds a live permit.
	Allowed(ctx context.Context, channelID, login string) (bool, error)
}

// SQLPermits is the durable PermitStore backed by the permits table, so a
// grant survives a process restart within its window.
type SQLPermits struct {
	DB    *sql.DB
	Clock func() time.Time
}

func (s *SQLPermits) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *SQLPermits) Grant(ctx context.Context, channelID, login string, ttl time.Duration) (time.Time, error) {
	expiry := s.now().Add(ClampTTL(ttl))
	if err := db.UpsertPermit(ctx, s.DB, channelID, login, expiry); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

func (s *SQLPermits) Allowed(ctx context.Context, channelID, login string) (bool, error) {
	expiry, ok, err := db.GetPermit(ctx, s.DB, channelID, login)
	if err != nil || !ok {
		return false, err
	}
	if !s.now().Before(expiry) {
		// Lazy eviction; a background sweep is unnecessary at this cardinality.
		_ = db.DeletePermit(ctx, s.DB, channelID, login)
		return false, nil
	}
	return true, nil
}

// MemoryPermits is the in-memory PermitStore used in tests, with an
// injectable clock for expiry-boundary assertions.
type MemoryPermits struct {
	Clock func() time.Time

	mu sync.Mutex
	m  map[[2]string]time.Time
}

func NewMemoryPermits(clock func() time.Time) *MemoryPermits {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryPermits{Clock: clock, m: make(map[[2]string]time.Time)}
}

func (s *MemoryPermits) Grant(ctx context.Context, channelID, login string, ttl time.Duration) (time.Time, error) {
	expiry := s.Clock().Add(ClampTTL(ttl))
	s.mu.Lock()
	s.m[[2]string{channelID, login}] = expiry
	s.mu.Unlock()
	return expiry, nil
}

func (s *MemoryPermits) Allowed(ctx context.Context, channelID, login string) (bool, error) {
	key := [2]string{channelID, login}
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.m[key]
	if !ok {
		return false, nil
	}
	if !s.Clock().Before(expiry) {
		delete(s.m, key)
		return false, nil
	}
	return true, nil
}
