package realtime

import (
	"sync"
	"time"
)

// slot holds the cancel func of the single live timer (or goroutine) of one
// role. Arming a slot cancels whatever it held before. Slots are only touched
// with Manager.mu held.
type slot struct {
	stop func()
}

func (s *slot) arm(stop func()) {
	s.cancel()
	s.stop = stop
}

func (s *slot) cancel() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

func (s *slot) active() bool { return s.stop != nil }

// afterFunc arms the slot with a one-shot timer.
func (s *slot) afterFunc(d time.Duration, fn func()) {
	t := time.AfterFunc(d, fn)
	s.arm(func() { t.Stop() })
}

// every arms the slot with a ticker goroutine that runs fn until canceled.
func (s *slot) every(d time.Duration, fn func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				fn()
			}
		}
	}()
	s.arm(func() { once.Do(func() { close(done) }) })
}
