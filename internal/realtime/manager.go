package realtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"circlelink/internal/event"
	rtsup "circlelink/internal/runtime/supervisor"
	"circlelink/internal/statebus"
	logx "circlelink/pkg/logx"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultConnectTimeout    = 20 * time.Second
)

// Handler consumes decoded inbound events. Handlers run on the session's read
// goroutine in transport order and must not block for long.
type Handler func(ev event.Event)

type Config struct {
	Dialer            Dialer
	Policy            Policy
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration

	// Broadcaster receives every state transition. One is created when nil.
	Broadcaster *statebus.Broadcaster[State]
	Logger      logx.Logger
}

// Stats is a point-in-time view for status surfaces.
type Stats struct {
	State        State     `json:"state"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	SessionID    string    `json:"session_id,omitempty"`
	Foreground   bool      `json:"foreground"`
	LastError    string    `json:"last_error,omitempty"`
	LastChangeAt time.Time `json:"last_change_at"`
	Reconnecting bool      `json:"reconnect_scheduled"`
}

// Manager owns the single transport session: it connects, authenticates,
// keeps the session alive with heartbeats and reconnects with linear backoff.
//
// All lifecycle state is guarded by mu. Every asynchronous callback carries
// the generation it was started for and is ignored once gen has moved on,
// so a stale dial or timer can never resurrect a torn-down session.
type Manager struct {
	dialer         Dialer
	log            logx.Logger
	bus            *statebus.Broadcaster[State]
	sup            *rtsup.Supervisor
	heartbeatEvery time.Duration
	connectTimeout time.Duration

	state atomic.Int32

	mu         sync.Mutex
	policy     Policy
	cred       string
	wantConn   bool
	foreground bool
	closed     bool
	gen        uint64
	sess       Session
	lastErr    error
	changedAt  time.Time

	dial      slot
	reconnect slot
	heartbeat slot

	hmu      sync.RWMutex
	handlers map[string]Handler

	notes *notifyQueue
}

func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("realtime: dialer is required")
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := cfg.Broadcaster
	if bus == nil {
		bus = statebus.New[State](log)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	m := &Manager{
		dialer:         cfg.Dialer,
		log:            log,
		bus:            bus,
		sup:            rtsup.New(ctx, rtsup.WithLogger(log)),
		heartbeatEvery: cfg.HeartbeatInterval,
		connectTimeout: cfg.ConnectTimeout,
		policy:         cfg.Policy.withDefaults(),
		foreground:     true,
		changedAt:      time.Now(),
		handlers:       map[string]Handler{},
		notes:          newNotifyQueue(),
	}
	m.state.Store(int32(StateDisconnected))
	m.sup.Go0("realtime.notify", func(c context.Context) { m.notes.run(c, bus.Publish) })
	return m, nil
}

// Broadcaster exposes the state subscription registry.
func (m *Manager) Broadcaster() *statebus.Broadcaster[State] { return m.bus }

// Supervisor exposes the manager's goroutines for status output.
func (m *Manager) Supervisor() *rtsup.Supervisor { return m.sup }

// State returns the current state without blocking.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		State:        m.State(),
		Attempt:      m.policy.Attempt,
		MaxAttempts:  m.policy.MaxAttempts,
		Foreground:   m.foreground,
		LastChangeAt: m.changedAt,
		Reconnecting: m.reconnect.active(),
	}
	if m.sess != nil {
		st.SessionID = m.sess.ID()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Connect starts a session for cred. It is a no-op when a session for the same
// credential is already connected or connecting, or when a reconnect for it is
// already scheduled: the backoff timer owns the next dial. A different
// credential tears the current session down first.
func (m *Manager) Connect(cred string) error {
	if cred == "" {
		return ErrNoCredential
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if cred == m.cred {
		switch m.State() {
		case StateConnected, StateConnecting, StateReconnecting:
			return nil
		case StateDisconnected, StateError:
			if m.reconnect.active() {
				return nil
			}
		case StateAuthFailed:
			m.log.Warn("connect skipped: credential was rejected; waiting for a new one")
			return nil
		case StateFailed:
			m.policy.Reset()
		}
	} else if m.cred != "" {
		m.log.Info("credential changed; replacing session")
		m.teardownLocked()
		m.policy.Reset()
	}

	m.cred = cred
	m.wantConn = true
	m.startAttemptLocked()
	return nil
}

// EnsureConnected connects if needed and waits until the state is connected.
// It fails with ErrFailed or ErrAuthFailed on those states and with ErrTimeout
// once timeout elapses.
func (m *Manager) EnsureConnected(ctx context.Context, cred string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	wake := make(chan struct{}, 1)
	key := "ensure:" + uuid.NewString()
	m.bus.Subscribe(key, func(State) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer m.bus.Unsubscribe(key)

	if err := m.Connect(cred); err != nil {
		return err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		switch st := m.State(); {
		case st == StateConnected:
			return nil
		case st == StateAuthFailed:
			return ErrAuthFailed
		case st.Terminal():
			return ErrFailed
		}
		select {
		case <-wake:
		case <-t.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect cancels every pending timer, closes the session and leaves the
// manager disconnected with no reconnect scheduled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimersLocked()
	m.wantConn = false
	m.teardownLocked()
	m.policy.Reset()
	m.setStateLocked(StateDisconnected)
}

// ForceReconnect tears the session down and dials again immediately with a
// fresh attempt counter. An empty cred reuses the current credential.
func (m *Manager) ForceReconnect(cred string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimersLocked()
	if m.closed {
		return ErrClosed
	}
	if cred == "" {
		cred = m.cred
	}
	if cred == "" {
		return ErrNoCredential
	}
	m.teardownLocked()
	m.cred = cred
	m.wantConn = true
	m.policy.Reset()
	m.startAttemptLocked()
	return nil
}

// SetForeground records host visibility. While backgrounded no reconnect is
// scheduled; coming back to the foreground retries at once if still offline.
func (m *Manager) SetForeground(fg bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.foreground == fg {
		return
	}
	m.foreground = fg
	if !fg {
		if m.reconnect.active() {
			m.log.Debug("backgrounded; pending reconnect suspended", logx.Int("attempt", m.policy.Attempt))
		}
		m.reconnect.cancel()
		return
	}
	if m.closed || !m.wantConn || m.cred == "" || m.State().Terminal() {
		return
	}
	switch m.State() {
	case StateDisconnected, StateReconnecting, StateError:
		m.log.Info("foregrounded while offline; reconnecting now", logx.Int("attempt", m.policy.Attempt))
		m.startAttemptLocked()
	}
}

// OnMessage registers h under key, replacing any previous handler.
func (m *Manager) OnMessage(key string, h Handler) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	if h == nil {
		delete(m.handlers, key)
		return
	}
	m.handlers[key] = h
}

func (m *Manager) OffMessage(key string) {
	m.hmu.Lock()
	delete(m.handlers, key)
	m.hmu.Unlock()
}

// Emit sends an outbound frame on the live session.
func (m *Manager) Emit(ctx context.Context, typ string, data any) error {
	m.mu.Lock()
	sess := m.sess
	connected := m.State() == StateConnected
	m.mu.Unlock()
	if sess == nil || !connected {
		return ErrNotConnected
	}
	frame, err := event.EncodeFrame(typ, data)
	if err != nil {
		return err
	}
	return sess.Write(ctx, frame)
}

// Close disconnects and stops the manager's goroutines.
func (m *Manager) Close(ctx context.Context) error {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.notes.close()
	return m.sup.Stop(ctx)
}

// ---- lifecycle internals (mu held) ----

func (m *Manager) setStateLocked(s State) {
	prev := State(m.state.Swap(int32(s)))
	if s != StateConnected {
		m.heartbeat.cancel()
	}
	if prev == s {
		return
	}
	m.changedAt = time.Now()
	m.log.Debug("connection state changed", logx.String("from", prev.String()), logx.String("to", s.String()))
	m.notes.push(s)
}

func (m *Manager) cancelTimersLocked() {
	m.reconnect.cancel()
	m.heartbeat.cancel()
	m.dial.cancel()
}

// teardownLocked invalidates in-flight callbacks and closes the session.
func (m *Manager) teardownLocked() {
	m.cancelTimersLocked()
	m.gen++
	if m.sess != nil {
		if err := m.sess.Close(); err != nil {
			m.log.Debug("session close failed", logx.Err(err))
		}
		m.sess = nil
	}
}

func (m *Manager) startAttemptLocked() {
	m.teardownLocked()
	gen := m.gen
	cred := m.cred
	m.setStateLocked(StateConnecting)

	ctx, cancel := context.WithTimeout(m.sup.Context(), m.connectTimeout)
	m.dial.arm(cancel)
	m.sup.Go0("realtime.dial", func(context.Context) {
		sess, err := m.dialer.Dial(ctx, cred)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		cancel()
		m.onDialed(gen, sess, err)
	})
}

func (m *Manager) onDialed(gen uint64, sess Session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.closed {
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	m.dial.stop = nil

	if err != nil {
		// A dial that completed after the connect timeout still hands back a
		// live session.
		if sess != nil {
			_ = sess.Close()
		}
		m.lastErr = err
		switch {
		case errors.Is(err, ErrAuthRejected):
			m.log.Warn("credential rejected by server", logx.Err(err))
			m.setStateLocked(StateAuthFailed)
		case errors.Is(err, ErrSetup):
			m.log.Error("session setup failed", logx.Err(err))
			m.setStateLocked(StateError)
			m.scheduleReconnectLocked()
		default:
			m.log.Warn("connect failed", logx.Err(err), logx.Int("attempt", m.policy.Attempt))
			m.setStateLocked(StateDisconnected)
			m.scheduleReconnectLocked()
		}
		return
	}

	m.sess = sess
	m.lastErr = nil
	m.policy.Reset()
	m.setStateLocked(StateConnected)
	m.log.Info("connected", logx.String("session", sess.ID()))

	m.startHeartbeatLocked(sess)
	m.sup.Go0("realtime.read", func(context.Context) { m.readLoop(gen, sess) })
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closed || !m.wantConn {
		return
	}
	delay, ok := m.policy.Fail()
	if !ok {
		m.log.Error("reconnect attempts exhausted", logx.Int("max_attempts", m.policy.MaxAttempts))
		m.setStateLocked(StateFailed)
		return
	}
	m.setStateLocked(StateReconnecting)
	if !m.foreground {
		m.log.Info("reconnect deferred until foreground", logx.Int("attempt", m.policy.Attempt))
		return
	}
	gen := m.gen
	m.log.Info("reconnect scheduled", logx.Int("attempt", m.policy.Attempt), logx.Duration("delay", delay))
	m.reconnect.afterFunc(delay, func() { m.onReconnectDue(gen) })
}

func (m *Manager) onReconnectDue(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed || !m.wantConn || m.State() != StateReconnecting {
		return
	}
	m.reconnect.stop = nil
	m.startAttemptLocked()
}

func (m *Manager) startHeartbeatLocked(sess Session) {
	ping, err := event.EncodeFrame(event.FramePing, nil)
	if err != nil {
		return
	}
	every := m.heartbeatEvery
	ctx := m.sup.Context()
	m.heartbeat.every(every, func() {
		wctx, cancel := context.WithTimeout(ctx, every)
		defer cancel()
		if err := sess.Write(wctx, ping); err != nil {
			m.log.Debug("heartbeat write failed", logx.Err(err))
			return
		}
		m.log.Trace("heartbeat sent")
	})
}

// onSessionEnded handles the read loop ending for session generation gen.
func (m *Manager) onSessionEnded(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed {
		return
	}
	m.heartbeat.cancel()
	if m.sess != nil {
		_ = m.sess.Close()
		m.sess = nil
	}
	m.lastErr = cause
	if errors.Is(cause, ErrAuthRejected) {
		m.log.Warn("session rejected credential", logx.Err(cause))
		m.setStateLocked(StateAuthFailed)
		return
	}
	m.log.Warn("connection lost", logx.Err(cause))
	m.setStateLocked(StateDisconnected)
	m.scheduleReconnectLocked()
}

// ---- read side ----

func (m *Manager) readLoop(gen uint64, sess Session) {
	for {
		b, err := sess.Read()
		if err != nil {
			m.onSessionEnded(gen, err)
			return
		}
		f, err := event.ParseFrame(b)
		if err != nil {
			m.log.Debug("dropping frame", logx.Err(err))
			continue
		}
		if event.IsControl(f.Type) {
			switch f.Type {
			case event.FramePong:
				m.log.Trace("heartbeat acknowledged")
			case event.FramePing:
				if pong, err := event.EncodeFrame(event.FramePong, nil); err == nil {
					_ = sess.Write(m.sup.Context(), pong)
				}
			case event.FrameAuthError:
				_ = sess.Close()
				m.onSessionEnded(gen, fmt.Errorf("%w: %s", ErrAuthRejected, f.Data.Get("message").String()))
				return
			}
			continue
		}

		ev, err := event.Decode(f, time.Now())
		if err != nil {
			m.log.Debug("dropping event", logx.String("type", f.Type), logx.Err(err))
			continue
		}
		m.dispatch(ev)
	}
}

func (m *Manager) dispatch(ev event.Event) {
	m.hmu.RLock()
	keys := make([]string, 0, len(m.handlers))
	hs := make([]Handler, 0, len(m.handlers))
	for k, h := range m.handlers {
		keys = append(keys, k)
		hs = append(hs, h)
	}
	m.hmu.RUnlock()

	for i, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("message handler panicked",
						logx.String("handler", keys[i]),
						logx.String("event", ev.Name),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
				}
			}()
			h(ev)
		}()
	}
}

// ---- ordered state notifications ----

// notifyQueue delivers state transitions to the broadcaster in order on one
// goroutine, so listeners may call back into the Manager.
type notifyQueue struct {
	mu      sync.Mutex
	pending []State
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newNotifyQueue() *notifyQueue {
	return &notifyQueue{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *notifyQueue) push(s State) {
	q.mu.Lock()
	q.pending = append(q.pending, s)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *notifyQueue) close() { q.once.Do(func() { close(q.done) }) }

func (q *notifyQueue) run(ctx context.Context, publish func(State)) {
	for {
		select {
		case <-q.wake:
			q.drain(publish)
		case <-q.done:
			q.drain(publish)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (q *notifyQueue) drain(publish func(State)) {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, s := range batch {
			publish(s)
		}
	}
}
