package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"circlelink/internal/mute"
	"circlelink/internal/observability/control"
	logx "circlelink/pkg/logx"
)

const statusRecent = 20

// App is the control API backend.
var _ control.Backend = (*App)(nil)

func (a *App) Status(context.Context) control.Status {
	st := control.Status{
		State:     "disconnected",
		Affinity:  a.aff.Active(),
		DedupSize: a.dedup.Len(),
		Host:      a.host.State(),
		Recent:    a.journal.Recent(statusRecent),
		Alerts:    a.browser.Open(),
		Jobs:      a.maint.Snapshot(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	if a.rt == nil {
		return st
	}
	s := a.rt.Stats()
	st.State = s.State.String()
	st.Attempt = s.Attempt
	st.MaxAttempts = s.MaxAttempts
	st.SessionID = s.SessionID
	st.Foreground = s.Foreground
	st.Reconnecting = s.Reconnecting
	st.LastError = s.LastError
	st.LastChangeAt = s.LastChangeAt
	return st
}

func (a *App) Reconnect(context.Context) error {
	if a.rt == nil {
		return fmt.Errorf("realtime manager not started")
	}
	a.log.Info("manual reconnect requested")
	return a.rt.ForceReconnect(a.credential())
}

// SetAffinity records the open conversation and, when connected, joins it.
func (a *App) SetAffinity(conversationID string) {
	prev := a.aff.Active()
	a.aff.SetActive(conversationID)
	if conversationID != prev {
		a.log.Debug("affinity changed", logx.String("conversation", conversationID))
	}
	if conversationID != "" && conversationID != prev {
		a.emitJoin(conversationID)
	}
}

func (a *App) LeaveAffinity(conversationID string) bool {
	if !a.aff.Clear(conversationID) {
		return false
	}
	a.log.Debug("affinity left", logx.String("conversation", conversationID))
	return true
}

// ApplyLifecycle validates every field before applying any of them.
func (a *App) ApplyLifecycle(l control.Lifecycle) error {
	if l.Permission != nil {
		p, err := parsePermission(*l.Permission)
		if err != nil {
			return fmt.Errorf("%w: permission: %v", control.ErrBadRequest, err)
		}
		a.host.SetPermission(p)
	}
	if l.Hidden != nil {
		a.host.SetHidden(*l.Hidden)
	}
	if l.Foreground != nil && a.rt != nil {
		a.rt.SetForeground(*l.Foreground)
	}
	return nil
}

func (a *App) Deliveries(ctx context.Context, limit int, stored bool) (any, error) {
	if stored {
		return a.journal.Stored(ctx, limit)
	}
	return a.journal.Recent(limit), nil
}

func (a *App) Toasts() any { return a.toasts.Items() }

func (a *App) DismissToast(id string) bool { return a.toasts.Dismiss(id) }

// muteSwitch lets a config reload swap the mute client under a live router.
// With no client configured every lookup reports "not muted".
type muteSwitch struct {
	cur atomic.Pointer[mute.Client]
}

func (m *muteSwitch) set(c *mute.Client) { m.cur.Store(c) }

func (m *muteSwitch) IsMuted(ctx context.Context, conversationID, credential string) (bool, error) {
	c := m.cur.Load()
	if c == nil {
		return false, nil
	}
	return c.IsMuted(ctx, conversationID, credential)
}
