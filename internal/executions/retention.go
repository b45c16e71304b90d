package executions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor periodically deletes terminal execution records past their retention age.
type Janitor struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewJanitor creates a janitor. Zero values fall back to 30 days and one hour.
func NewJanitor(store *Store, maxAge, interval time.Duration) *Janitor {
	if maxAge == 0 {
		maxAge = 30 * 24 * time.Hour
	}
	if interval == 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
	}
}

// Start begins background cleanup.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.cleanupLoop(ctx)
}

// Stop gracefully shuts down the janitor.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	deleted, err := j.store.DeleteOlderThan(ctx, j.maxAge)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("max_age", j.maxAge).Msg("Removed expired executions")
	}
	return deleted, nil
}

func (j *Janitor) cleanupLoop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to clean up old executions")
			}
		}
	}
}
