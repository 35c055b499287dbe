package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skychat/skychatd/internal/models"
)

// Reaper periodically sweeps a Ledger for inactive users, evicting anyone
// who hasn't polled or connected within the configured threshold. It runs
// as a ticker-driven goroutine tracked by a WaitGroup, selecting on
// ctx.Done() and its own stop channel.
type Reaper struct {
	ledger    *Ledger
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewReaper constructs a Reaper bound to ledger. It does not start running
// until Start is called.
func NewReaper(ledger *Ledger, interval, threshold time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		ledger:    ledger,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start launches the reaper's background sweep loop. It returns
// immediately; call Stop (or cancel ctx) to end the loop.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				runID := models.NewULID()
				n := r.ledger.ReapInactive(r.threshold)
				if n > 0 {
					r.logger.Info("reaped inactive users",
						slog.String("run_id", runID.String()),
						slog.Int("count", n),
					)
				}
			}
		}
	}()
}

// Stop halts the reaper's sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	close(r.stop)
	r.wg.Wait()
}
