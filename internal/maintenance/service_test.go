package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"circlelink/internal/eventbus"
	logx "circlelink/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  ScheduleKind
		spec  string
		every time.Duration
	}{
		{name: "cron", raw: "0 */6 * * *", kind: ScheduleCron, spec: "0 */6 * * *"},
		{name: "descriptor", raw: "@daily", kind: ScheduleCron, spec: "@daily"},
		{name: "prefixed cron", raw: "cron:0 3 * * *", kind: ScheduleCron, spec: "0 3 * * *"},
		{name: "duration", raw: "6h", kind: ScheduleInterval, spec: "@every 6h0m0s", every: 6 * time.Hour},
		{name: "prefixed interval", raw: "every:45s", kind: ScheduleInterval, spec: "@every 45s", every: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: ScheduleInterval, spec: "@every 1h30m0s", every: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Spec() != tt.spec {
				t.Fatalf("Spec = %q, want %q", got.Spec(), tt.spec)
			}
			if got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "00:00", "every:", "-5m"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), nil)
	if err := s.Add("x", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected cron parse error")
	}
	if err := s.Add("", "1h", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected name error")
	}
}

func TestIntervalJobRuns(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(logx.Nop(), bus)
	var runs atomic.Int32
	if err := s.Add("tick", "@every 50ms", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.After(3 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
	select {
	case e := <-events:
		if e.Type != "maintenance.run" {
			t.Fatalf("event type = %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no run event published")
	}

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Name != "tick" || snap[0].Runs == 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunNowRecordsErrorAndSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	boom := errors.New("boom")
	if err := s.Add("slow", "1h", 0, func(ctx context.Context) error {
		close(started)
		<-release
		return boom
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, errSkipped) {
		t.Fatalf("overlapping run: err = %v, want skipped", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	snap := s.Snapshot()
	if snap[0].LastErr != "boom" || snap[0].Skipped != 1 || snap[0].Runs != 1 {
		t.Fatalf("snapshot = %+v", snap[0])
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("missing job: err = %v", err)
	}
}

func TestRunNowRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), nil)
	_ = s.Add("bad", "1h", 0, func(context.Context) error { panic("kaput") })
	if err := s.RunNow(context.Background(), "bad"); err == nil {
		t.Fatal("expected error from panicking job")
	}
}

type fakePruner struct {
	before time.Time
	calls  int
}

func (f *fakePruner) PruneDeliveries(_ context.Context, before time.Time) (int64, error) {
	f.calls++
	f.before = before
	return 3, nil
}

func TestPruneDeliveriesJob(t *testing.T) {
	t.Parallel()
	p := &fakePruner{}
	if err := PruneDeliveries(p, 0, logx.Nop())(context.Background()); err != nil || p.calls != 0 {
		t.Fatalf("zero retention should be a no-op: calls=%d err=%v", p.calls, err)
	}
	if err := PruneDeliveries(p, time.Hour, logx.Nop())(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d", p.calls)
	}
	if age := time.Since(p.before); age < time.Hour || age > time.Hour+time.Minute {
		t.Fatalf("cutoff age = %v, want about 1h", age)
	}
}
