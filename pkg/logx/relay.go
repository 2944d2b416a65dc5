package logx

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	relayQueueSize = 128
	relayTimeout   = 10 * time.Second
	relayMaxText   = 3500
	relayMaxValue  = 600
	relayMaxStack  = 900
)

// RelayConfig controls forwarding of high-severity records to an external
// relay such as a Telegram chat.
type RelayConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Relay receives rendered log records. Implementations must not log through
// the Service they are attached to.
type Relay interface {
	Relay(ctx context.Context, text string) error
}

// relaySink is a zerolog writer that renders records at or above a minimum
// level and hands them to a background worker. It never blocks logging: a
// full queue or an exhausted rate limit drops the record.
type relaySink struct {
	mu       sync.Mutex
	relay    Relay
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue   chan string
	once    sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newRelaySink(r Relay) *relaySink {
	return &relaySink{relay: r, queue: make(chan string, relayQueueSize), minLevel: zerolog.WarnLevel}
}

func (k *relaySink) setRelay(r Relay) {
	k.mu.Lock()
	k.relay = r
	k.mu.Unlock()
}

func (k *relaySink) configure(cfg RelayConfig) {
	rps := max(1, cfg.RatePerSec)
	k.mu.Lock()
	k.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	k.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	missing := k.relay == nil
	k.mu.Unlock()
	if !cfg.Enabled {
		return
	}
	if missing {
		fmt.Fprintln(os.Stderr, "logx: relay enabled but no relay attached")
	}
	k.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		k.mu.Lock()
		k.cancel = cancel
		k.mu.Unlock()
		k.wg.Add(1)
		go k.run(ctx)
	})
}

func (k *relaySink) stop() {
	k.mu.Lock()
	cancel := k.cancel
	k.cancel = nil
	k.mu.Unlock()
	if cancel != nil {
		cancel()
		k.wg.Wait()
	}
}

func (k *relaySink) run(ctx context.Context) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-k.queue:
			k.mu.Lock()
			r := k.relay
			k.mu.Unlock()
			if r == nil {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, relayTimeout)
			_ = r.Relay(rctx, text)
			cancel()
		}
	}
}

func (k *relaySink) Write(p []byte) (int, error) { return k.WriteLevel(zerolog.NoLevel, p) }

func (k *relaySink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	k.mu.Lock()
	ok := k.relay != nil && k.limiter != nil && level >= k.minLevel && level != zerolog.NoLevel
	lim := k.limiter
	k.mu.Unlock()
	if !ok || !lim.Allow() {
		return len(p), nil
	}
	select {
	case k.queue <- renderRecord(p):
	default:
	}
	return len(p), nil
}

// renderRecord turns a JSON record into "[LEVEL] message" followed by one
// "- key=value" line per remaining field, sorted by key.
func renderRecord(p []byte) string {
	rec := gjson.ParseBytes(p)
	if !rec.IsObject() {
		return clip(strings.TrimSpace(string(p)), relayMaxText)
	}

	var b strings.Builder
	if lvl := rec.Get(zerolog.LevelFieldName).String(); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	b.WriteString(rec.Get(zerolog.MessageFieldName).String())

	type kv struct{ k, v string }
	var rest []kv
	rec.ForEach(func(key, val gjson.Result) bool {
		switch k := key.String(); k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			limit := relayMaxValue
			if k == "stack" {
				limit = relayMaxStack
			}
			rest = append(rest, kv{k, clip(val.String(), limit)})
		}
		return true
	})
	sort.Slice(rest, func(i, j int) bool { return rest[i].k < rest[j].k })
	for _, f := range rest {
		fmt.Fprintf(&b, "\n- %s=%s", f.k, f.v)
	}
	return clip(b.String(), relayMaxText)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
