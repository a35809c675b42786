package router

import (
	"sync"
	"time"
)

// CooldownStore tracks the earliest next invocation instant per canonical
// command name. Timers are global per command, not per user: the point is to
// throttle command volume in chat, not individual abuse.
type CooldownStore interface {
	// Ready reports whether name may fire at instant now.
	Ready(name string, now time.Time) bool
	// Arm blocks name until the given instant.
	Arm(name string, until time.Time)
}

// MemoryCooldowns is the process-local CooldownStore. Cooldowns deliberately
// do not survive restarts.
type MemoryCooldowns struct {
	mu   sync.Mutex
	next map[string]time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{next: make(map[string]time.Time)}
}

func (c *MemoryCooldowns) Ready(name string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.next[name]
	return !ok || !now.Before(until)
}

func (c *MemoryCooldowns) Arm(name string, until time.Time) {
	c.mu.Lock()
	c.next[name] = until
	c.mu.Unlock()
}
