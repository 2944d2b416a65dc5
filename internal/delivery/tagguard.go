package delivery

import (
	"sync"
	"time"
)

const DefaultTagWindow = 2 * time.Second

// tagGuard remembers recently shown tags for one channel.
type tagGuard struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func newTagGuard(window time.Duration, now func() time.Time) *tagGuard {
	if window <= 0 {
		window = DefaultTagWindow
	}
	if now == nil {
		now = time.Now
	}
	return &tagGuard{window: window, now: now, seen: map[string]time.Time{}}
}

// claim records tag and reports whether it was free. An empty tag is always free.
func (g *tagGuard) claim(tag string) bool {
	if tag == "" {
		return true
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.seen[tag]; ok && now.Sub(at) < g.window {
		return false
	}
	g.seen[tag] = now
	if len(g.seen) > 256 {
		for k, at := range g.seen {
			if now.Sub(at) >= g.window {
				delete(g.seen, k)
			}
		}
	}
	return true
}

// release forgets tag so a failed show can be attempted again later.
func (g *tagGuard) release(tag string) {
	if tag == "" {
		return
	}
	g.mu.Lock()
	delete(g.seen, tag)
	g.mu.Unlock()
}
