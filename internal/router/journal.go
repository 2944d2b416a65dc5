package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"circlelink/internal/event"
	rtsup "circlelink/internal/runtime/supervisor"
	"circlelink/internal/storage"
	logx "circlelink/pkg/logx"
)

const journalSize = 300

// Journal keeps the most recent decisions in memory and, when a store is
// configured, persists them from a background writer so routing never waits
// on disk.
type Journal struct {
	log   logx.Logger
	store storage.Store

	mu   sync.Mutex
	ring []Decision

	writes chan storage.DeliveryRecord
	sup    *rtsup.Supervisor
}

func NewJournal(store storage.Store, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Journal{log: log, store: store}
}

// Start launches the store writer. Without a store it is a no-op.
func (j *Journal) Start(ctx context.Context) {
	if j.store == nil || j.sup != nil {
		return
	}
	ch := make(chan storage.DeliveryRecord, 1024)
	j.mu.Lock()
	j.writes = ch
	j.mu.Unlock()
	j.sup = rtsup.New(ctx, rtsup.WithLogger(j.log))
	j.sup.GoRestart("journal.persist", func(c context.Context) error {
		j.persistLoop(c, ch)
		if c.Err() != nil {
			return c.Err()
		}
		return nil
	}, rtsup.WithPublishFirstError(true))
}

func (j *Journal) Stop(ctx context.Context) error {
	if j.sup == nil {
		return nil
	}
	j.mu.Lock()
	if j.writes != nil {
		close(j.writes)
		j.writes = nil
	}
	j.mu.Unlock()
	err := j.sup.Wait(ctx)
	j.sup.Cancel()
	return err
}

// Append records d for ev.
func (j *Journal) Append(ev event.Event, d Decision) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ring = append(j.ring, d)
	if len(j.ring) > journalSize {
		j.ring = j.ring[len(j.ring)-journalSize:]
	}
	if j.writes == nil {
		return
	}
	rec := storage.DeliveryRecord{
		At:             d.At,
		EventID:        ev.ID,
		EventName:      ev.Name,
		Kind:           ev.Kind.String(),
		ConversationID: ev.ConversationID,
		SenderID:       ev.Sender.ID,
		Outcome:        string(d.Outcome),
		Reason:         d.Reason,
		Channel:        string(d.Channel),
		Tag:            d.Tag,
		Error:          d.Error,
		TookMS:         d.Took.Milliseconds(),
	}
	select {
	case j.writes <- rec:
	default:
		j.log.Debug("journal write queue full; dropping record", logx.String("event", ev.Name))
	}
}

// Recent returns up to limit decisions, newest first.
func (j *Journal) Recent(limit int) []Decision {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 || limit > len(j.ring) {
		limit = len(j.ring)
	}
	out := make([]Decision, 0, limit)
	for i := len(j.ring) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.ring[i])
	}
	return out
}

// Stored reads decisions back from the store, newest first.
func (j *Journal) Stored(ctx context.Context, limit int) ([]storage.DeliveryRecord, error) {
	if j.store == nil {
		return nil, storage.ErrDisabled
	}
	return j.store.RecentDeliveries(ctx, limit)
}

func (j *Journal) persistLoop(ctx context.Context, ch <-chan storage.DeliveryRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := j.store.AppendDelivery(wctx, rec)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				j.log.Warn("journal write failed", logx.Err(err))
			}
		}
	}
}
