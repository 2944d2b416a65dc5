package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"circlelink/internal/eventbus"
	logx "circlelink/pkg/logx"
)

type recPoster struct {
	mu    sync.Mutex
	fails int
	calls int
	got   []Notification
	block chan struct{}
}

func (p *recPoster) Post(ctx context.Context, n Notification) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fails {
		return errors.New("backend unavailable")
	}
	p.got = append(p.got, n)
	return nil
}

func (p *recPoster) posted() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.got...)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNotifyPostsAndPublishes(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	p := &recPoster{}
	s := New(Config{RatePerSec: 100}, p, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Notification{Category: "messages", Title: "💬 Ana", Tag: "message:c1|u1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitUntil(t, func() bool { return len(p.posted()) == 1 })

	seen := map[string]bool{}
	waitUntil(t, func() bool {
		for {
			select {
			case e := <-events:
				seen[e.Type] = true
			default:
				return seen["notifier.queued"] && seen["notifier.sent"]
			}
		}
	})
	if h := s.Snapshot(); len(h) != 1 || h[0].Category != "messages" {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestNotifyRetriesFailedPosts(t *testing.T) {
	p := &recPoster{fails: 2}
	s := New(Config{RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, p, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Notification{Category: "matches", Title: "New Match!"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitUntil(t, func() bool { return len(p.posted()) == 1 })
}

func TestNotifyQueueFull(t *testing.T) {
	p := &recPoster{block: make(chan struct{})}
	s := New(Config{Workers: 1, QueueSize: 1, RatePerSec: 100}, p, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		close(p.block)
		s.Stop(context.Background())
	}()

	// The worker takes the first item and blocks; the second fills the queue.
	var full bool
	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), Notification{Title: "x"}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !full {
		t.Fatalf("expected ErrQueueFull")
	}
}

func TestNotifyReplacesQueuedTag(t *testing.T) {
	p := &recPoster{block: make(chan struct{})}
	s := New(Config{Workers: 1, QueueSize: 4, RatePerSec: 100}, p, logx.Nop(), nil)
	s.Start(context.Background())

	// The worker picks up "first" and blocks in Post.
	if err := s.Notify(context.Background(), Notification{Title: "first"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitUntil(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.run.queue) == 0
	})
	for _, title := range []string{"Ana: hi", "Ana: hi again", "Ana: 3 new messages"} {
		if err := s.Notify(context.Background(), Notification{Title: title, Tag: "message:c1|u1"}); err != nil {
			t.Fatalf("notify %q: %v", title, err)
		}
	}
	close(p.block)
	s.Stop(context.Background())

	got := p.posted()
	if len(got) != 2 || got[1].Title != "Ana: 3 new messages" {
		t.Fatalf("want first plus the latest tagged notification, got %+v", got)
	}
}

func TestNotifyAfterStop(t *testing.T) {
	s := New(Config{}, &recPoster{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), Notification{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped before Start, got %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), Notification{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestPriorityPrefix(t *testing.T) {
	cases := map[int]string{10: "🚨 ", 7: "⚠️ ", 5: "ℹ️ ", 0: ""}
	for p, want := range cases {
		if got := PriorityPrefix(p); got != want {
			t.Fatalf("priority %d: got %q want %q", p, got, want)
		}
	}
}
