package statebus

import (
	"fmt"
	"runtime/debug"
	"sync"

	logx "circlelink/pkg/logx"
)

// Listener receives a published value.
type Listener[T any] func(v T)

// Broadcaster is a keyed listener registry.
//
// Contract:
//   - Subscribe replaces any listener already registered under the key.
//   - Unsubscribe of an unknown key is a no-op.
//   - Publish calls every listener; a panicking listener is logged and the
//     remaining listeners still receive the value.
//   - No ordering between listeners is guaranteed.
type Broadcaster[T any] struct {
	mu   sync.RWMutex
	subs map[string]Listener[T]
	log  logx.Logger
}

func New[T any](log logx.Logger) *Broadcaster[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broadcaster[T]{subs: map[string]Listener[T]{}, log: log}
}

func (b *Broadcaster[T]) Subscribe(key string, l Listener[T]) {
	if l == nil {
		b.Unsubscribe(key)
		return
	}
	b.mu.Lock()
	b.subs[key] = l
	b.mu.Unlock()
}

func (b *Broadcaster[T]) Unsubscribe(key string) {
	b.mu.Lock()
	delete(b.subs, key)
	b.mu.Unlock()
}

func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers v to a snapshot of the current listeners, so listeners may
// subscribe or unsubscribe from inside their callback.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	keys := make([]string, 0, len(b.subs))
	ls := make([]Listener[T], 0, len(b.subs))
	for k, l := range b.subs {
		keys = append(keys, k)
		ls = append(ls, l)
	}
	b.mu.RUnlock()

	for i, l := range ls {
		b.call(keys[i], l, v)
	}
}

func (b *Broadcaster[T]) call(key string, l Listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("state listener panicked",
				logx.String("listener", key),
				logx.String("value", fmt.Sprint(v)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	l(v)
}
