package delivery

import (
	"context"
	"errors"
	"fmt"

	"circlelink/internal/notifier"
	logx "circlelink/pkg/logx"
)

// Native posts platform notifications through the notifier pipeline.
type Native struct {
	svc  *notifier.Service
	log  logx.Logger
	tags *tagGuard
}

func NewNative(svc *notifier.Service, log logx.Logger) *Native {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Native{svc: svc, log: log, tags: newTagGuard(0, nil)}
}

func (c *Native) Name() Name { return ChannelNative }

func (c *Native) Show(ctx context.Context, n Notification) error {
	if !c.tags.claim(n.Tag) {
		return ErrDuplicateTag
	}
	err := c.svc.Notify(ctx, notifier.Notification{
		Category: n.Category,
		Title:    n.Title,
		Body:     n.Body,
		Tag:      n.Tag,
		Data:     n.Data,
		Priority: priorityFor(n),
	})
	if err == nil {
		return nil
	}
	c.tags.release(n.Tag)
	if errors.Is(err, notifier.ErrQueueFull) {
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return err
}

func priorityFor(n Notification) int {
	switch n.Category {
	case CategoryVoiceCalls:
		return 9
	case CategoryMessages:
		return 5
	default:
		return 0
	}
}
