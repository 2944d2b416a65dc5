// Package dedup remembers which inbound event ids were already surfaced.
package dedup

import (
	"sync"
	"time"
)

const (
	DefaultWindow  = 5 * time.Second
	DefaultSoftCap = 100
)

// Cache is a time-windowed set of event ids. Expired entries are treated as
// absent and are purged in one pass whenever the table grows past the soft cap;
// there is no background sweeper.
type Cache struct {
	mu      sync.Mutex
	window  time.Duration
	softCap int
	now     func() time.Time
	seen    map[string]time.Time
}

type Option func(*Cache)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(window time.Duration, softCap int, opts ...Option) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	if softCap <= 0 {
		softCap = DefaultSoftCap
	}
	c := &Cache{
		window:  window,
		softCap: softCap,
		now:     time.Now,
		seen:    map[string]time.Time{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ShouldSuppress reports whether id was already shown within the window.
// An empty id is not deduplicable: it reports true and records nothing,
// so callers must only consult the cache for events that carry an id.
// Otherwise the id is stamped with the current time and false is returned.
func (c *Cache) ShouldSuppress(id string) bool {
	if id == "" {
		return true
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if shownAt, ok := c.seen[id]; ok && now.Sub(shownAt) < c.window {
		return true
	}
	c.seen[id] = now
	if len(c.seen) > c.softCap {
		c.purgeLocked(now)
	}
	return false
}

// Reset drops every entry (sign-out).
func (c *Cache) Reset() {
	c.mu.Lock()
	c.seen = map[string]time.Time{}
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) purgeLocked(now time.Time) {
	for id, shownAt := range c.seen {
		if now.Sub(shownAt) >= c.window {
			delete(c.seen, id)
		}
	}
}
