package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circlelink/internal/event"
)

type fakeSession struct {
	id     string
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Read() ([]byte, error) {
	select {
	case <-s.closed:
		return nil, io.EOF
	case b := <-s.in:
		return b, nil
	}
}

func (s *fakeSession) Write(_ context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}
	s.mu.Lock()
	s.writes = append(s.writes, string(frame))
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSession) wrote(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.writes {
		if strings.Contains(w, sub) {
			return true
		}
	}
	return false
}

// fakeDialer fails according to failFn and otherwise hands out fakeSessions.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	creds    []string
	sessions []*fakeSession
	failFn   func(n int) error
}

func (d *fakeDialer) Dial(ctx context.Context, cred string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.creds = append(d.creds, cred)
	if d.failFn != nil {
		if err := d.failFn(d.dials); err != nil {
			return nil, err
		}
	}
	s := newFakeSession(fmt.Sprintf("s%d", d.dials))
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.creds...)
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

var errRefused = errors.New("connection refused")

func failFirst(n int) func(int) error {
	return func(i int) error {
		if i <= n {
			return errRefused
		}
		return nil
	}
}

func newTestManager(t *testing.T, d Dialer, p Policy) *Manager {
	t.Helper()
	m, err := New(context.Background(), Config{
		Dialer:            d,
		Policy:            p,
		HeartbeatInterval: time.Hour,
		ConnectTimeout:    time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestConnectReachesConnectedAndDispatches(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, d, Policy{})

	got := make(chan event.Event, 1)
	m.OnMessage("test", func(ev event.Event) { got <- ev })

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	assert.Equal(t, StateConnected, m.State())

	d.last().in <- []byte(`{"type":"chat:message:received","data":{"message":{"id":"m1","chatId":"c1","text":"hi"}}}`)
	select {
	case ev := <-got:
		assert.Equal(t, event.KindMessage, ev.Kind)
		assert.Equal(t, "m1", ev.ID)
		assert.Equal(t, "c1", ev.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestConnectSameCredentialIsNoop(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, d, Policy{})

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	require.NoError(t, m.Connect("tok"))
	require.NoError(t, m.Connect("tok"))
	assert.Equal(t, 1, d.count())
}

func TestConnectRejectsEmptyCredential(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &fakeDialer{}, Policy{})
	assert.ErrorIs(t, m.Connect(""), ErrNoCredential)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestCredentialChangeReplacesSession(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, d, Policy{})

	require.NoError(t, m.EnsureConnected(context.Background(), "a", time.Second))
	first := d.last()
	require.NoError(t, m.EnsureConnected(context.Background(), "b", time.Second))

	assert.True(t, first.isClosed())
	assert.Equal(t, 2, d.count())
	assert.Equal(t, []string{"a", "b"}, d.credentials())
}

func TestReconnectExhaustsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{failFn: func(int) error { return errRefused }}
	m := newTestManager(t, d, Policy{MaxAttempts: 15, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	err := m.EnsureConnected(context.Background(), "tok", 5*time.Second)
	require.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, StateFailed, m.State())
	// initial dial plus 15 reconnects
	assert.Equal(t, 16, d.count())

	st := m.Stats()
	assert.False(t, st.Reconnecting)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 16, d.count())
}

func TestConnectAfterFailedStartsFreshCycle(t *testing.T) {
	t.Parallel()
	var ok atomic.Bool
	d := &fakeDialer{failFn: func(int) error {
		if ok.Load() {
			return nil
		}
		return errRefused
	}}
	m := newTestManager(t, d, Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	require.ErrorIs(t, m.EnsureConnected(context.Background(), "tok", 2*time.Second), ErrFailed)
	ok.Store(true)
	require.NoError(t, m.EnsureConnected(context.Background(), "tok", 2*time.Second))
	assert.Equal(t, 0, m.Stats().Attempt)
}

func TestAuthRejectionStopsRetrying(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{failFn: func(int) error { return fmt.Errorf("%w: bad token", ErrAuthRejected) }}
	m := newTestManager(t, d, Policy{BaseDelay: time.Millisecond})

	err := m.EnsureConnected(context.Background(), "tok", time.Second)
	require.ErrorIs(t, err, ErrAuthFailed)

	require.NoError(t, m.Connect("tok"))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, StateAuthFailed, m.State())
	assert.False(t, m.Stats().Reconnecting)
}

func TestAuthErrorFrameEndsSession(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, d, Policy{BaseDelay: time.Millisecond})

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	d.last().in <- []byte(`{"type":"auth_error","data":{"message":"expired"}}`)

	eventually(t, func() bool { return m.State() == StateAuthFailed }, "expected auth_failed")
	assert.Equal(t, 1, d.count())
}

func TestSetupErrorPassesThroughErrorState(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{failFn: func(n int) error {
		if n == 1 {
			return fmt.Errorf("%w: bad url", ErrSetup)
		}
		return nil
	}}
	m := newTestManager(t, d, Policy{BaseDelay: time.Millisecond})

	var mu sync.Mutex
	var seen []State
	m.Broadcaster().Subscribe("rec", func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == StateConnected
	}, "expected connected notification")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateError, StateReconnecting, StateConnecting, StateConnected}, seen)
}

func TestSuccessfulConnectResetsAttempts(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{failFn: failFirst(3)}
	m := newTestManager(t, d, Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", 2*time.Second))
	assert.Equal(t, 4, d.count())
	assert.Equal(t, 0, m.Stats().Attempt)

	// Drop the live session: the manager reconnects with a fresh counter.
	d.last().Close()
	eventually(t, func() bool { return d.count() == 5 && m.State() == StateConnected }, "expected reconnect")
	assert.Equal(t, 0, m.Stats().Attempt)
}

func TestBackgroundSuspendsAndForegroundResumes(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{failFn: failFirst(1)}
	m := newTestManager(t, d, Policy{BaseDelay: time.Hour, MaxDelay: time.Hour})

	require.NoError(t, m.Connect("tok"))
	eventually(t, func() bool { return m.State() == StateReconnecting }, "expected reconnecting")
	require.True(t, m.Stats().Reconnecting)

	m.SetForeground(false)
	assert.False(t, m.Stats().Reconnecting)
	assert.Equal(t, StateReconnecting, m.State())

	m.SetForeground(true)
	eventually(t, func() bool { return m.State() == StateConnected }, "expected immediate reconnect")
	assert.Equal(t, 2, d.count())
}

func TestLostWhileBackgroundedWaitsForForeground(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, d, Policy{BaseDelay: time.Millisecond})

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	m.SetForeground(false)
	d.last().Close()

	eventually(t, func() bool { return m.State() == StateReconnecting }, "expected reconnecting")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, d.count())

	m.SetForeground(true)
	eventually(t, func() bool { return m.State() == StateConnected }, "expected reconnect on foreground")
	assert.Equal(t, 2, d.count())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{failFn: failFirst(1)}
	m := newTestManager(t, d, Policy{BaseDelay: 100 * time.Millisecond})

	require.NoError(t, m.Connect("tok"))
	eventually(t, func() bool { return m.State() == StateReconnecting }, "expected reconnecting")

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.Stats().Reconnecting)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestForceReconnectReusesCredential(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, d, Policy{})

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	first := d.last()
	require.NoError(t, m.ForceReconnect(""))
	eventually(t, func() bool { return d.count() == 2 && m.State() == StateConnected }, "expected second session")
	assert.True(t, first.isClosed())
	assert.Equal(t, []string{"tok", "tok"}, d.credentials())
}

func TestEmitRequiresConnection(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, d, Policy{})

	assert.ErrorIs(t, m.Emit(context.Background(), "chat:join", map[string]string{"chatId": "c1"}), ErrNotConnected)

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	require.NoError(t, m.Emit(context.Background(), "chat:join", map[string]string{"chatId": "c1"}))
	assert.True(t, d.last().wrote(`"type":"chat:join"`))
	assert.True(t, d.last().wrote(`"chatId":"c1"`))
}

func TestHeartbeatAndServerPing(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m, err := New(context.Background(), Config{Dialer: d, HeartbeatInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer m.Close(context.Background())

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	s := d.last()
	eventually(t, func() bool { return s.wrote(`"type":"ping"`) }, "expected heartbeat ping")

	s.in <- []byte(`{"type":"ping"}`)
	eventually(t, func() bool { return s.wrote(`"type":"pong"`) }, "expected pong reply")
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, d, Policy{})

	got := make(chan string, 4)
	m.OnMessage("bad", func(event.Event) { panic("boom") })
	m.OnMessage("good", func(ev event.Event) { got <- ev.ID })

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	s := d.last()
	s.in <- []byte(`{"type":"voice:incoming-call","data":{"callId":"k1"}}`)
	s.in <- []byte(`{"type":"voice:incoming-call","data":{"callId":"k2"}}`)

	for _, want := range []string{"call:k1", "call:k2"} {
		select {
		case id := <-got:
			assert.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s", want)
		}
	}
	assert.Equal(t, StateConnected, m.State())
}

func TestOffMessageStopsDelivery(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, d, Policy{})

	var n atomic.Int32
	m.OnMessage("h", func(event.Event) { n.Add(1) })
	m.OffMessage("h")
	m.OffMessage("unknown")

	seen := make(chan struct{}, 1)
	m.OnMessage("second", func(event.Event) { seen <- struct{}{} })

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	d.last().in <- []byte(`{"type":"voice:incoming-call","data":{"callId":"k1"}}`)
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler not called")
	}
	assert.Equal(t, int32(0), n.Load())
}

func TestEnsureConnectedTimesOut(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	d := dialFunc(func(ctx context.Context, _ string) (Session, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, errRefused
	})
	m := newTestManager(t, d, Policy{BaseDelay: time.Hour})
	defer close(block)

	err := m.EnsureConnected(context.Background(), "tok", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCloseRejectsFurtherConnects(t *testing.T) {
	t.Parallel()
	m, err := New(context.Background(), Config{Dialer: &fakeDialer{}})
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))
	assert.ErrorIs(t, m.Connect("tok"), ErrClosed)
	assert.ErrorIs(t, m.ForceReconnect("tok"), ErrClosed)
}

type dialFunc func(ctx context.Context, cred string) (Session, error)

func (f dialFunc) Dial(ctx context.Context, cred string) (Session, error) { return f(ctx, cred) }

func TestConnectDuringBackoffKeepsSchedule(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{failFn: func(int) error { return errRefused }}
	m := newTestManager(t, d, Policy{BaseDelay: time.Hour, MaxDelay: time.Hour})

	require.NoError(t, m.Connect("tok"))
	eventually(t, func() bool { return m.State() == StateReconnecting }, "expected reconnecting")

	for range 5 {
		require.NoError(t, m.Connect("tok"))
	}
	assert.ErrorIs(t, m.EnsureConnected(context.Background(), "tok", 20*time.Millisecond), ErrTimeout)

	assert.Equal(t, 1, d.count(), "the pending backoff timer owns the next dial")
	st := m.Stats()
	assert.Equal(t, 1, st.Attempt)
	assert.True(t, st.Reconnecting)
	assert.Equal(t, StateReconnecting, st.State)
}

func TestLateDialSessionIsClosed(t *testing.T) {
	t.Parallel()
	late := newFakeSession("late")
	d := dialFunc(func(ctx context.Context, _ string) (Session, error) {
		<-ctx.Done()
		return late, nil
	})
	m, err := New(context.Background(), Config{Dialer: d, Policy: Policy{BaseDelay: time.Hour}, ConnectTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer m.Close(context.Background())

	require.NoError(t, m.Connect("tok"))
	eventually(t, func() bool { return m.State() == StateReconnecting }, "timed-out dial should schedule a reconnect")
	assert.True(t, late.isClosed(), "a session returned after the connect timeout must be closed")
}

// recordingSession keeps counting writes after Close so a heartbeat that
// outlives its session is visible.
type recordingSession struct {
	*fakeSession
	drop  chan struct{}
	pings atomic.Int32
}

func (s *recordingSession) Read() ([]byte, error) {
	select {
	case <-s.drop:
		return nil, io.ErrUnexpectedEOF
	case b := <-s.in:
		return b, nil
	}
}

func (s *recordingSession) Write(_ context.Context, frame []byte) error {
	if strings.Contains(string(frame), `"type":"ping"`) {
		s.pings.Add(1)
	}
	return nil
}

func TestHeartbeatStopsWhenSessionDrops(t *testing.T) {
	t.Parallel()
	s := &recordingSession{fakeSession: newFakeSession("hb"), drop: make(chan struct{})}
	var dials atomic.Int32
	d := dialFunc(func(context.Context, string) (Session, error) {
		if dials.Add(1) == 1 {
			return s, nil
		}
		return nil, errRefused
	})
	m, err := New(context.Background(), Config{Dialer: d, Policy: Policy{BaseDelay: time.Hour, MaxDelay: time.Hour}, HeartbeatInterval: 2 * time.Millisecond})
	require.NoError(t, err)
	defer m.Close(context.Background())

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	eventually(t, func() bool { return s.pings.Load() > 0 }, "expected heartbeat ping")

	close(s.drop)
	eventually(t, func() bool { return m.State() == StateReconnecting }, "expected reconnecting")
	time.Sleep(5 * time.Millisecond)
	n := s.pings.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, s.pings.Load(), "no heartbeat once the session is gone")
}

func TestHeartbeatStopsOnDisconnect(t *testing.T) {
	t.Parallel()
	s := &recordingSession{fakeSession: newFakeSession("hb"), drop: make(chan struct{})}
	d := dialFunc(func(context.Context, string) (Session, error) { return s, nil })
	m, err := New(context.Background(), Config{Dialer: d, HeartbeatInterval: 2 * time.Millisecond})
	require.NoError(t, err)
	defer m.Close(context.Background())

	require.NoError(t, m.EnsureConnected(context.Background(), "tok", time.Second))
	eventually(t, func() bool { return s.pings.Load() > 0 }, "expected heartbeat ping")

	m.Disconnect()
	time.Sleep(5 * time.Millisecond)
	n := s.pings.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, s.pings.Load())
	assert.True(t, s.isClosed())
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []State{StateFailed, StateAuthFailed} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateError} {
		assert.False(t, s.Terminal(), s.String())
	}
}
