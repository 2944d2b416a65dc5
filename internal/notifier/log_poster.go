package notifier

import (
	"context"

	logx "circlelink/pkg/logx"
)

// LogPoster writes notifications to the log.
type LogPoster struct {
	Log logx.Logger
}

func (p LogPoster) Post(_ context.Context, n Notification) error {
	p.Log.Info("notification",
		logx.String("category", n.Category),
		logx.String("title", n.Title),
		logx.String("body", n.Body),
		logx.String("tag", n.Tag),
	)
	return nil
}
