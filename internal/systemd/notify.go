// Package systemd reports service readiness, status and watchdog liveness to
// systemd via sd_notify. Outside a systemd unit every call is a no-op.
package systemd

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "circlelink/internal/runtime/supervisor"
	logx "circlelink/pkg/logx"
)

// Notifier wraps daemon.SdNotify.
type Notifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)

	watchdog time.Duration

	mu         sync.Mutex
	lastStatus string
	sup        *rtsup.Supervisor
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Warn("watchdog config invalid; watchdog disabled", logx.Err(err))
	} else {
		n.watchdog = d
	}
	return n
}

func (n *Notifier) send(state string) bool {
	ok, err := n.notify(state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", firstLine(state)), logx.Err(err))
		return false
	}
	return ok
}

func (n *Notifier) Ready() {
	if n.send(daemon.SdNotifyReady) {
		n.log.Debug("notified systemd ready")
	}
}

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the unit's free-form status line. Repeated values are not
// resent.
func (n *Notifier) Status(text string) {
	text = firstLine(text)
	n.mu.Lock()
	if text == n.lastStatus {
		n.mu.Unlock()
		return
	}
	n.lastStatus = text
	n.mu.Unlock()
	n.send("STATUS=" + text)
}

// WatchdogInterval is the unit's WatchdogSec, or 0 when disabled.
func (n *Notifier) WatchdogInterval() time.Duration { return n.watchdog }

// Start pings the watchdog at half its interval while healthy returns nil.
// Without a watchdog it does nothing.
func (n *Notifier) Start(ctx context.Context, healthy func() error) {
	if n.watchdog <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sup != nil {
		return
	}
	n.sup = rtsup.New(ctx, rtsup.WithLogger(n.log))
	every := n.watchdog / 2
	n.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if healthy != nil {
					if err := healthy(); err != nil {
						n.log.Warn("skipping watchdog ping", logx.Err(err))
						continue
					}
				}
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	})
	n.log.Info("watchdog enabled", logx.Duration("interval", n.watchdog))
}

func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	sup := n.sup
	n.sup = nil
	n.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
