// Package router decides, for every inbound event, whether and where the user
// is alerted.
package router

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"circlelink/internal/delivery"
	"circlelink/internal/event"
	"circlelink/internal/eventbus"
	"circlelink/internal/mute"
	logx "circlelink/pkg/logx"
)

type Outcome string

const (
	OutcomeSuppressed   Outcome = "suppressed"
	OutcomeDelivered    Outcome = "delivered"
	OutcomeDuplicateTag Outcome = "duplicate_tag"
	OutcomeFailed       Outcome = "failed"
)

// Suppression reasons.
const (
	ReasonAffinity    = "affinity"
	ReasonDuplicate   = "duplicate"
	ReasonMuted       = "muted"
	ReasonMuteUnknown = "mute_unknown"
)

const DefaultMuteTimeout = 3 * time.Second

// DefaultMuteKinds are the kinds that respect conversation mute.
var DefaultMuteKinds = []event.Kind{event.KindMessage, event.KindReaction}

// Decision is the outcome of routing one event.
type Decision struct {
	EventID   string        `json:"event_id,omitempty"`
	EventName string        `json:"event_name"`
	Kind      event.Kind    `json:"kind"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	Channel   delivery.Name `json:"channel,omitempty"`
	Tag       string        `json:"tag,omitempty"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took"`
}

type AffinityReader interface{ Active() string }

// Suppressor is the dedup cache.
type Suppressor interface{ ShouldSuppress(id string) bool }

type HostReader interface{ State() delivery.HostState }

type Config struct {
	MuteKinds   []event.Kind
	MuteTimeout time.Duration
}

// Deps are the router's collaborators. Mute, Journal and Bus are optional.
type Deps struct {
	Affinity    AffinityReader
	Dedup       Suppressor
	Mute        mute.Checker
	Credentials func() string
	Host        HostReader

	Toast   delivery.Channel
	Native  delivery.Channel
	Browser delivery.Channel

	Journal *Journal
	Bus     eventbus.Bus
	Logger  logx.Logger
}

type settings struct {
	muteKinds   map[event.Kind]bool
	muteTimeout time.Duration
}

type Router struct {
	d   Deps
	log logx.Logger
	cfg atomic.Pointer[settings]
}

func New(d Deps, cfg Config) (*Router, error) {
	switch {
	case d.Affinity == nil:
		return nil, errors.New("router: affinity tracker is required")
	case d.Dedup == nil:
		return nil, errors.New("router: dedup cache is required")
	case d.Host == nil:
		return nil, errors.New("router: host state is required")
	case d.Toast == nil || d.Native == nil || d.Browser == nil:
		return nil, errors.New("router: all three delivery channels are required")
	}
	if d.Credentials == nil {
		d.Credentials = func() string { return "" }
	}
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{d: d, log: log}
	r.Apply(cfg)
	return r, nil
}

// Apply swaps the mute scope and timeout.
func (r *Router) Apply(cfg Config) {
	kinds := cfg.MuteKinds
	if kinds == nil {
		kinds = DefaultMuteKinds
	}
	s := &settings{muteKinds: map[event.Kind]bool{}, muteTimeout: cfg.MuteTimeout}
	for _, k := range kinds {
		s.muteKinds[k] = true
	}
	if s.muteTimeout <= 0 {
		s.muteTimeout = DefaultMuteTimeout
	}
	r.cfg.Store(s)
}

// Handler adapts the router to the connection manager's message handler.
func (r *Router) Handler(ctx context.Context) func(event.Event) {
	return func(ev event.Event) { r.Route(ctx, ev) }
}

// Route runs the suppression checks in order and shows ev on at most one
// channel.
func (r *Router) Route(ctx context.Context, ev event.Event) Decision {
	start := time.Now()
	d := Decision{EventID: ev.ID, EventName: ev.Name, Kind: ev.Kind, At: start}
	d = r.route(ctx, ev, d)
	d.Took = time.Since(start)
	r.record(ev, d)
	return d
}

func (r *Router) route(ctx context.Context, ev event.Event, d Decision) Decision {
	if ev.ConversationID != "" && ev.ConversationID == r.d.Affinity.Active() {
		return suppressed(d, ReasonAffinity)
	}
	if ev.ID != "" && r.d.Dedup.ShouldSuppress(ev.ID) {
		return suppressed(d, ReasonDuplicate)
	}

	cfg := r.cfg.Load()
	if r.d.Mute != nil && ev.ConversationID != "" && cfg.muteKinds[ev.Kind] {
		mctx, cancel := context.WithTimeout(ctx, cfg.muteTimeout)
		muted, err := r.d.Mute.IsMuted(mctx, ev.ConversationID, r.d.Credentials())
		cancel()
		if err != nil {
			r.log.Warn("mute status unknown; suppressing",
				logx.String("event", ev.Name), logx.String("conversation", ev.ConversationID), logx.Err(err))
			d.Error = err.Error()
			return suppressed(d, ReasonMuteUnknown)
		}
		if muted {
			return suppressed(d, ReasonMuted)
		}
	}

	n := delivery.Format(ev)
	ch := r.selectChannel()
	d.Channel = ch.Name()
	d.Tag = n.Tag

	err := ch.Show(ctx, n)
	switch {
	case err == nil:
		d.Outcome = OutcomeDelivered
	case errors.Is(err, delivery.ErrDuplicateTag):
		d.Outcome = OutcomeDuplicateTag
	default:
		d.Outcome = OutcomeFailed
		d.Error = err.Error()
		r.log.Warn("delivery failed",
			logx.String("channel", string(d.Channel)), logx.String("event", ev.Name), logx.Err(err))
	}
	return d
}

func (r *Router) selectChannel() delivery.Channel {
	h := r.d.Host.State()
	switch {
	case h.Surface.Browserish() && h.Hidden && h.Permission == delivery.PermissionGranted:
		return r.d.Browser
	case h.Surface == delivery.SurfaceNative:
		return r.d.Native
	default:
		return r.d.Toast
	}
}

func (r *Router) record(ev event.Event, d Decision) {
	r.log.Debug("routed",
		logx.String("event", ev.Name),
		logx.String("id", ev.ID),
		logx.String("outcome", string(d.Outcome)),
		logx.String("reason", d.Reason),
		logx.String("channel", string(d.Channel)),
	)
	if r.d.Journal != nil {
		r.d.Journal.Append(ev, d)
	}
	if r.d.Bus != nil {
		r.d.Bus.Publish(eventbus.Event{Type: "router.decision", Time: d.At, Data: d})
	}
}

func suppressed(d Decision, reason string) Decision {
	d.Outcome = OutcomeSuppressed
	d.Reason = reason
	return d
}
