package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"circlelink/internal/eventbus"
	logx "circlelink/pkg/logx"
)

const DefaultAutoClose = 8 * time.Second

type BrowserConfig struct {
	AutoClose time.Duration
	TagWindow time.Duration
}

// Alert is one open browser notification.
type Alert struct {
	ID       string            `json:"id"`
	Tag      string            `json:"tag"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	OpenedAt time.Time         `json:"opened_at"`
}

// Browser keeps the set of open browser alerts. An alert whose tag is already
// open replaces it, and alerts close themselves after AutoClose.
type Browser struct {
	cfg  BrowserConfig
	perm PermissionSource
	log  logx.Logger
	bus  eventbus.Bus
	tags *tagGuard

	mu     sync.Mutex
	open   map[string]Alert // by browser tag
	timers map[string]*time.Timer
}

func NewBrowser(cfg BrowserConfig, perm PermissionSource, log logx.Logger, bus eventbus.Bus) *Browser {
	if cfg.AutoClose <= 0 {
		cfg.AutoClose = DefaultAutoClose
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Browser{
		cfg:    cfg,
		perm:   perm,
		log:    log,
		bus:    bus,
		tags:   newTagGuard(cfg.TagWindow, nil),
		open:   map[string]Alert{},
		timers: map[string]*time.Timer{},
	}
}

func (b *Browser) Name() Name { return ChannelBrowser }

// Permitted reports whether browser alerts may be shown right now.
func (b *Browser) Permitted() bool {
	return b.perm != nil && b.perm.Permission() == PermissionGranted
}

func (b *Browser) Show(_ context.Context, n Notification) error {
	// Permission can be revoked between routing and showing.
	if !b.Permitted() {
		return ErrPermissionDenied
	}
	if !b.tags.claim(n.Tag) {
		return ErrDuplicateTag
	}
	key := n.BrowserTag
	if key == "" {
		key = n.Tag
	}
	a := Alert{ID: uuid.NewString(), Tag: key, Title: n.Title, Body: n.Body, Data: n.Data, OpenedAt: time.Now()}

	b.mu.Lock()
	if prev, ok := b.open[key]; ok {
		b.closeLocked(key)
		b.log.Debug("browser alert replaced", logx.String("tag", key), logx.String("prev", prev.ID))
	}
	b.open[key] = a
	id := a.ID
	b.timers[key] = time.AfterFunc(b.cfg.AutoClose, func() { b.autoClose(key, id) })
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: "delivery.browser", Time: a.OpenedAt, Data: a})
	}
	return nil
}

// Open returns the currently open alerts.
func (b *Browser) Open() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, 0, len(b.open))
	for _, a := range b.open {
		out = append(out, a)
	}
	return out
}

// CloseAll closes every open alert.
func (b *Browser) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.open {
		b.closeLocked(key)
	}
}

func (b *Browser) autoClose(key, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.open[key]; ok && a.ID == id {
		b.closeLocked(key)
	}
}

func (b *Browser) closeLocked(key string) {
	if t := b.timers[key]; t != nil {
		t.Stop()
	}
	delete(b.timers, key)
	delete(b.open, key)
}
