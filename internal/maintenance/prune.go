package maintenance

import (
	"context"
	"time"

	logx "circlelink/pkg/logx"
)

// Pruner deletes audit rows older than a cutoff.
type Pruner interface {
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
}

// PruneDeliveries returns a job that removes delivery records older than
// retention. A non-positive retention makes the job a no-op.
func PruneDeliveries(p Pruner, retention time.Duration, log logx.Logger) Job {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(ctx context.Context) error {
		if retention <= 0 {
			return nil
		}
		cutoff := time.Now().Add(-retention)
		n, err := p.PruneDeliveries(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("pruned delivery records", logx.Int64("rows", n), logx.Time("before", cutoff))
		}
		return nil
	}
}
