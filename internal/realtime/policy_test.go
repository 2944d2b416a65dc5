package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelayMonotonicAndBounded(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 15, BaseDelay: time.Second, MaxDelay: 5 * time.Second}.withDefaults()

	var prev time.Duration
	for i := 1; i <= 15; i++ {
		d, ok := p.Fail()
		require.True(t, ok, "attempt %d should still be allowed", i)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 5*time.Second)
		prev = d
	}
	_, ok := p.Fail()
	assert.False(t, ok, "attempt 16 must exhaust the policy")
	assert.True(t, p.Exhausted())
}

func TestPolicyLinearRamp(t *testing.T) {
	t.Parallel()
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: 7 * time.Second}.withDefaults()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 7 * time.Second, 7 * time.Second}
	for i, w := range want {
		d, ok := p.Fail()
		require.True(t, ok)
		assert.Equal(t, w, d, "attempt %d", i+1)
	}
}

func TestPolicyResetRestartsAtBaseDelay(t *testing.T) {
	t.Parallel()
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}.withDefaults()
	p.Fail()
	p.Fail()
	p.Fail()
	p.Reset()
	assert.Equal(t, 0, p.Attempt)
	d, ok := p.Fail()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()
	p := Policy{}.withDefaults()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, p.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
}

func TestStateNames(t *testing.T) {
	t.Parallel()
	names := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateFailed:       "failed",
		StateAuthFailed:   "auth_failed",
		StateError:        "error",
	}
	for s, want := range names {
		assert.Equal(t, want, s.String())
	}
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateReconnecting.Terminal())
}
