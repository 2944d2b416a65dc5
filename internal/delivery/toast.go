package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"circlelink/internal/event"
	"circlelink/internal/eventbus"
	logx "circlelink/pkg/logx"
)

type ToastConfig struct {
	MaxVisible      int
	DuplicateWindow time.Duration
	TagWindow       time.Duration
}

// Toast is one in-app banner.
type Toast struct {
	ID             string     `json:"id"`
	Kind           event.Kind `json:"kind"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	ConversationID string     `json:"conversation_id,omitempty"`
	ShownAt        time.Time  `json:"shown_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Toasts is the in-app toast queue. At most MaxVisible toasts are visible;
// showing another evicts the oldest. A toast for the same conversation and
// kind as one shown within DuplicateWindow is a duplicate.
type Toasts struct {
	cfg  ToastConfig
	log  logx.Logger
	bus  eventbus.Bus
	tags *tagGuard
	now  func() time.Time

	mu    sync.Mutex
	items []Toast
}

func NewToasts(cfg ToastConfig, log logx.Logger, bus eventbus.Bus) *Toasts {
	if cfg.MaxVisible <= 0 {
		cfg.MaxVisible = 3
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Toasts{cfg: cfg, log: log, bus: bus, tags: newTagGuard(cfg.TagWindow, nil), now: time.Now}
}

func (t *Toasts) Name() Name { return ChannelToast }

func (t *Toasts) Show(_ context.Context, n Notification) error {
	if !t.tags.claim(n.Tag) {
		return ErrDuplicateTag
	}
	now := t.now()

	t.mu.Lock()
	t.expireLocked(now)
	if n.ConversationID != "" {
		for _, it := range t.items {
			if it.ConversationID == n.ConversationID && it.Kind == n.Kind && now.Sub(it.ShownAt) < t.cfg.DuplicateWindow {
				t.mu.Unlock()
				return ErrDuplicateTag
			}
		}
	}
	d := n.Duration
	if d <= 0 {
		d = defaultToastDuration
	}
	toast := Toast{
		ID:             uuid.NewString(),
		Kind:           n.Kind,
		Title:          n.Title,
		Body:           n.Body,
		ConversationID: n.ConversationID,
		ShownAt:        now,
		ExpiresAt:      now.Add(d),
	}
	if len(t.items) >= t.cfg.MaxVisible {
		t.items = t.items[len(t.items)-t.cfg.MaxVisible+1:]
	}
	t.items = append(t.items, toast)
	t.mu.Unlock()

	t.log.Debug("toast shown", logx.String("id", toast.ID), logx.String("title", toast.Title))
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: "delivery.toast", Time: now, Data: toast})
	}
	return nil
}

// Items returns the visible toasts, oldest first.
func (t *Toasts) Items() []Toast {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked(t.now())
	return append([]Toast(nil), t.items...)
}

// Dismiss removes a toast and reports whether it was visible.
func (t *Toasts) Dismiss(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, it := range t.items {
		if it.ID == id {
			t.items = append(t.items[:i], t.items[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every toast.
func (t *Toasts) Clear() {
	t.mu.Lock()
	t.items = nil
	t.mu.Unlock()
}

func (t *Toasts) expireLocked(now time.Time) {
	kept := t.items[:0]
	for _, it := range t.items {
		if now.Before(it.ExpiresAt) {
			kept = append(kept, it)
		}
	}
	t.items = kept
}
