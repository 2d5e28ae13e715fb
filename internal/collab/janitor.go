package collab

import (
	"context"
	"log/slog"
	"time"
)

// Janitor evicts idle sessions on a fixed interval.
type Janitor struct {
	registry *Registry
	interval time.Duration
	maxIdle  time.Duration
	log      *slog.Logger
	onExpire func(context.Context, ExpiredEvent)
}

func NewJanitor(registry *Registry, interval, maxIdle time.Duration, log *slog.Logger, onExpire func(context.Context, ExpiredEvent)) *Janitor {
	return &Janitor{
		registry: registry,
		interval: interval,
		maxIdle:  maxIdle,
		log:      log,
		onExpire: onExpire,
	}
}

func (j *Janitor) Enabled() bool {
	return j.interval > 0 && j.maxIdle > 0
}

// Sweep runs one eviction pass and returns the number of sessions removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	expired := j.registry.EvictIdle(ctx, j.maxIdle)
	if j.onExpire != nil {
		for _, event := range expired {
			j.onExpire(ctx, event)
		}
	}
	return len(expired)
}

// Run sweeps until ctx is done. A disabled janitor returns immediately.
func (j *Janitor) Run(ctx context.Context) error {
	if !j.Enabled() {
		j.log.Info("idle session eviction disabled")
		return nil
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.log.Debug("Stopping session janitor")
			return ctx.Err()
		case <-ticker.C:
			if n := j.Sweep(ctx); n > 0 {
				j.log.Info("session sweep", "evicted", n, "max_idle", j.maxIdle)
			}
		}
	}
}
