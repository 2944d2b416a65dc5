package realtime

import "time"

const (
	DefaultMaxAttempts = 15
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Policy is the reconnection policy. Attempt counts consecutive failed or lost
// connections and is reset by every successful connect.
//
// Delays ramp linearly (BaseDelay*Attempt) up to MaxDelay.
type Policy struct {
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Attempt < 0 {
		p.Attempt = 0
	}
	return p
}

// Fail records one more failed attempt and reports the delay before the next
// try. ok is false once Attempt exceeds MaxAttempts.
func (p *Policy) Fail() (delay time.Duration, ok bool) {
	p.Attempt++
	if p.Exhausted() {
		return 0, false
	}
	return p.Delay(), true
}

// Delay is min(BaseDelay*Attempt, MaxDelay) for the current attempt.
func (p Policy) Delay() time.Duration {
	n := p.Attempt
	if n < 1 {
		n = 1
	}
	// Guard the multiplication against overflow on absurd attempt counts.
	if p.BaseDelay > 0 && time.Duration(n) > p.MaxDelay/p.BaseDelay {
		return p.MaxDelay
	}
	return min(p.BaseDelay*time.Duration(n), p.MaxDelay)
}

func (p Policy) Exhausted() bool { return p.Attempt > p.MaxAttempts }

func (p *Policy) Reset() { p.Attempt = 0 }
