package broker

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically sweeps expired records out of the broker's local
// registry and republishes the active-lock gauge. It runs on its own
// timer and never blocks caller-facing calls; a failed tick is logged
// and the loop continues.
type Janitor struct {
	broker   *Broker
	interval time.Duration
}

// NewJanitor returns a Janitor sweeping broker every interval.
func NewJanitor(b *Broker, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{broker: b, interval: interval}
}

// Run starts the sweep loop and blocks until ctx is cancelled. The
// ticker is released on return.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := j.broker.CleanupExpired(); n > 0 {
				slog.Info("keygate: janitor sweep", "expired", n)
			}
		}
	}
}
