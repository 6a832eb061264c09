package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Recoverer restores actors from durable state.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// RecoverySweeper periodically re-runs recovery so that shards whose start failed, or whose
// durable membership was written by a previous process, get their keepalive back.
type RecoverySweeper struct {
	recoverer Recoverer
	interval  time.Duration
	clock     clockwork.Clock
	stopCh    chan struct{}
}

func NewRecoverySweeper(recoverer Recoverer, interval time.Duration, clock clockwork.Clock) *RecoverySweeper {
	return &RecoverySweeper{
		recoverer: recoverer,
		interval:  interval,
		clock:     clock,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (r *RecoverySweeper) Start(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if n, err := r.recoverer.Recover(ctx); err != nil {
				slog.Error("Recovery sweep failed", "error", err)
			} else if n > 0 {
				slog.Debug("Recovery sweep completed", "shards", n)
			}
		case <-r.stopCh:
			slog.Info("Recovery sweeper stopped")
			return
		case <-ctx.Done():
			slog.Info("Recovery sweeper context cancelled")
			return
		}
	}
}

// Stop ends the sweep loop.
func (r *RecoverySweeper) Stop() {
	close(r.stopCh)
}
