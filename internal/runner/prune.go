package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Prune deletes sessions not updated within ttl.
func (r *Runner) Prune(ctx context.Context, ttl time.Duration) (int, error) {
	n, err := r.store.DeleteIdle(ctx, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	r.metrics.ObservePruned(n)
	return n, nil
}

// StartPruner runs Prune on a cron schedule (five-field expression or a
// descriptor such as "@hourly"). Returns a stop function.
func (r *Runner) StartPruner(schedule string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("session idle ttl must be positive, got %s", ttl)
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := r.Prune(context.Background(), ttl)
		if err != nil {
			log.Printf("runner: %v", err)
			return
		}
		if n > 0 {
			log.Printf("runner: pruned %d idle sessions", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
