package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"circlelink/internal/eventbus"
	logx "circlelink/pkg/logx"
)

var ErrUnknownJob = errors.New("maintenance: unknown job")

// Job is one housekeeping run. It must honor ctx.
type Job func(ctx context.Context) error

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	LastErr  string        `json:"last_err,omitempty"`
	LastTook time.Duration `json:"last_took"`
}

// RunEvent is published on the bus after every run.
type RunEvent struct {
	Name string        `json:"name"`
	Took time.Duration `json:"took"`
	Err  string        `json:"err,omitempty"`
}

type jobDef struct {
	name    string
	sched   Schedule
	timeout time.Duration
	run     Job
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu       sync.Mutex
	lastErr  string
	lastTook time.Duration
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	parser cron.Parser

	mu   sync.Mutex
	ctx  context.Context
	c    *cron.Cron
	jobs map[string]*jobDef
}

func New(log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		bus: bus,
		// SecondOptional accepts both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*jobDef{},
	}
}

// Validate reports whether schedule would be accepted by Add.
func (s *Service) Validate(schedule string) error {
	sc, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if sc.Kind == ScheduleCron {
		if _, err := s.parser.Parse(sc.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", sc.Cron, err)
		}
	}
	return nil
}

// Add registers job under name, replacing any job with the same name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("maintenance: job name required")
	}
	if job == nil {
		return errors.New("maintenance: job func required")
	}
	if err := s.Validate(schedule); err != nil {
		return err
	}
	sc, _ := ParseSchedule(schedule)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, sched: sc, timeout: timeout, run: job}
	s.jobs[name] = d
	if s.c != nil {
		s.scheduleLocked(d)
	}
	s.log.Debug("job registered", logx.String("name", name), logx.String("spec", sc.Spec()), logx.Duration("timeout", timeout))
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.jobs, name)
	return true
}

// Start begins triggering. Jobs run under ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.Local))
	for _, d := range s.jobs {
		s.scheduleLocked(d)
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.jobs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d := s.jobs[name]
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, d)
}

func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, d := range s.jobs {
		d.mu.Lock()
		it := JobInfo{
			Name:     d.name,
			Spec:     d.sched.Spec(),
			Timeout:  d.timeout,
			Runs:     d.runs.Load(),
			Skipped:  d.skipped.Load(),
			LastErr:  d.lastErr,
			LastTook: d.lastTook,
		}
		d.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) scheduleLocked(d *jobDef) {
	runCtx := s.ctx
	fn := cron.FuncJob(func() {
		if err := s.execute(runCtx, d); err != nil && !errors.Is(err, errSkipped) {
			s.log.Warn("job failed", logx.String("name", d.name), logx.Err(err))
		}
	})
	spec := d.sched.Spec()
	if every, ok := everyOf(spec); ok {
		sched, jitter := intervalWithSpread(every, time.Now(), d.name)
		d.entryID = s.c.Schedule(sched, fn)
		s.log.Debug("job scheduled", logx.String("name", d.name), logx.String("spec", spec), logx.Duration("spread", jitter))
		return
	}
	eid, err := s.c.AddJob(spec, fn)
	if err != nil {
		s.log.Error("job register failed", logx.String("name", d.name), logx.String("spec", spec), logx.Err(err))
		return
	}
	d.entryID = eid
}

var errSkipped = errors.New("maintenance: previous run still in flight")

func (s *Service) execute(ctx context.Context, d *jobDef) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("job skipped; previous run in flight", logx.String("name", d.name))
		return errSkipped
	}
	defer d.running.Store(false)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panic", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		took := time.Since(start)
		d.runs.Add(1)
		d.mu.Lock()
		d.lastTook = took
		d.lastErr = ""
		if err != nil {
			d.lastErr = err.Error()
		}
		ev := RunEvent{Name: d.name, Took: took, Err: d.lastErr}
		d.mu.Unlock()
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "maintenance.run", Time: time.Now(), Data: ev})
		}
	}()
	return d.run(ctx)
}

func everyOf(spec string) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(spec), "@every")
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(rest))
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
