package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"circlelink/internal/eventbus"
	rtsup "circlelink/internal/runtime/supervisor"
	logx "circlelink/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	postTimeout  = 10 * time.Second
	historyLimit = 300
)

// pending is a queued notification. A newer notification with the same tag
// overwrites n in place, the way a platform replaces a tagged notification.
// Guarded by Service.mu.
type pending struct {
	n Notification
}

// Service posts native notifications from a bounded queue.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	poster  Poster

	// run is nil while the service is stopped.
	run *runState

	hmu     sync.Mutex
	history []HistoryItem
}

type runState struct {
	queue   chan *pending
	byTag   map[string]*pending
	sup     *rtsup.Supervisor
	closing bool
}

func New(cfg Config, poster Poster, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{poster: poster, log: log, bus: bus}
	s.setConfig(cfg)
	return s
}

// Apply swaps rate and retry settings. Queue size and worker count are read
// on Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.setConfig(cfg)
	s.mu.Unlock()
}

func (s *Service) SetPoster(p Poster) {
	s.mu.Lock()
	s.poster = p
	s.mu.Unlock()
}

func (s *Service) setConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Start launches the worker pool. Calling it on a running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return
	}
	run := &runState{
		queue: make(chan *pending, s.cfg.QueueSize),
		byTag: make(map[string]*pending),
		sup: rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		),
	}
	s.run = run
	for i := range s.cfg.Workers {
		run.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			if s.drain(c, run) {
				return nil
			}
			return c.Err()
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop refuses new notifications and lets the workers drain the queue until
// ctx ends, after which in-flight posts are cancelled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	run := s.run
	if run == nil || run.closing {
		s.mu.Unlock()
		return
	}
	run.closing = true
	s.mu.Unlock()

	close(run.queue)

	if err := run.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("notifier drain cut short", logx.Int("left", len(run.queue)), logx.Err(err))
		run.sup.Cancel()
		_ = run.sup.Wait(context.Background())
	}

	s.mu.Lock()
	if s.run == run {
		s.run = nil
	}
	s.mu.Unlock()
}

// Notify queues n without blocking. When a notification with the same tag is
// still waiting, n replaces it and takes no new queue slot.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	run := s.run
	if run == nil || run.closing {
		s.mu.Unlock()
		return ErrStopped
	}
	if n.Tag != "" {
		if p, ok := run.byTag[n.Tag]; ok {
			p.n = n
			s.mu.Unlock()
			s.publish("notifier.replaced", n, nil)
			return nil
		}
	}
	p := &pending{n: n}
	select {
	case run.queue <- p:
	default:
		s.mu.Unlock()
		s.publish("notifier.dropped", n, ErrQueueFull)
		return ErrQueueFull
	}
	if n.Tag != "" {
		run.byTag[n.Tag] = p
	}
	s.mu.Unlock()
	s.publish("notifier.queued", n, nil)
	return nil
}

// drain reports true once the queue is closed and empty.
func (s *Service) drain(ctx context.Context, run *runState) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case p, ok := <-run.queue:
			if !ok {
				return true
			}
			s.mu.Lock()
			n := p.n
			if n.Tag != "" && run.byTag[n.Tag] == p {
				delete(run.byTag, n.Tag)
			}
			s.mu.Unlock()
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	s.mu.Lock()
	cfg, lim, poster := s.cfg, s.limiter, s.poster
	s.mu.Unlock()
	if poster == nil {
		return
	}

	attempts := cfg.RetryMax + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, postTimeout)
		err = poster.Post(pctx, n)
		cancel()
		if err == nil {
			s.remember(n)
			s.publish("notifier.sent", n, nil)
			return
		}
		s.log.Debug("notification post failed",
			logx.String("tag", n.Tag), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff(cfg, attempt)):
		}
	}
	s.log.Warn("notification dropped after retries",
		logx.String("category", n.Category), logx.Int("attempts", attempts), logx.Err(err))
	s.publish("notifier.failed", n, err)
}

// backoff doubles from RetryBase per attempt, jittered by ±30% and capped at
// RetryMaxDelay.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << min(attempt-1, 16)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(d, cfg.RetryMaxDelay)
}

// Snapshot returns recently posted notifications, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(n Notification) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Category: n.Category, Title: n.Title})
	if over := len(s.history) - historyLimit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, n Notification, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Category: n.Category, Tag: n.Tag, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// PriorityPrefix returns the marker chat-style posters put before the title.
func PriorityPrefix(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}
