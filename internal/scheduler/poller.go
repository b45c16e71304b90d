package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/database"
	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/metrics"
	"github.com/watzon/herald/internal/queue"
)

// DefaultPollSpec is the cron spec of the poll tick.
const DefaultPollSpec = "@every 2m"

// RecordCreator inserts execution records inside a caller's transaction.
type RecordCreator interface {
	CreateWith(ctx context.Context, ex database.Execer, rec *executions.Record) error
}

// Enqueuer adds dispatch messages inside a caller's transaction.
type Enqueuer interface {
	EnqueueWith(ctx context.Context, ex database.Execer, msg *queue.Message) error
}

// PollerConfig holds configuration for Poller.
type PollerConfig struct {
	// Spec is a robfig/cron spec such as "@every 2m" or "*/5 * * * *".
	Spec string
	// BatchSize caps the schedules dispatched per tick.
	BatchSize int
}

// TickResult summarizes one pass over the due schedules.
type TickResult struct {
	Due        int
	Dispatched int
	Skipped    int
	Completed  int
	Failed     int
}

// Poller finds due schedules and turns each into a queued execution record
// plus a dispatch message.
type Poller struct {
	db       *database.DB
	store    *Store
	records  RecordCreator
	queue    Enqueuer
	config   PollerConfig
	schedule cron.Schedule
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller. The spec is validated here so a bad value fails
// at startup rather than on the first tick.
func NewPoller(db *database.DB, store *Store, records RecordCreator, q Enqueuer, config PollerConfig) (*Poller, error) {
	if config.Spec == "" {
		config.Spec = DefaultPollSpec
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	schedule, err := cron.ParseStandard(config.Spec)
	if err != nil {
		return nil, fmt.Errorf("parsing poll spec %q: %w", config.Spec, err)
	}

	return &Poller{
		db:       db,
		store:    store,
		records:  records,
		queue:    q,
		config:   config,
		schedule: schedule,
		now:      time.Now,
	}, nil
}

// Start begins polling in the background until ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.loop(ctx)

	log.Info().
		Str("spec", p.config.Spec).
		Int("batch_size", p.config.BatchSize).
		Msg("Schedule poller started")
}

// Stop cancels the poll loop and waits for an in-flight tick to finish.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	log.Info().Msg("Schedule poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	for {
		now := p.now()
		timer := time.NewTimer(p.schedule.Next(now).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := p.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to process due schedules")
			}
		}
	}
}

// Tick dispatches every schedule that is due now. Ticks in the same process
// are serialized; ticks in different processes are kept apart by the guarded
// update in Store.Advance.
func (p *Poller) Tick(ctx context.Context) (TickResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	var result TickResult

	due, err := p.store.Due(ctx, now, p.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("getting due schedules: %w", err)
	}
	result.Due = len(due)

	for _, schedule := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		outcome, err := p.dispatch(ctx, schedule, now)
		if err != nil {
			log.Error().
				Err(err).
				Str("schedule_id", schedule.ID).
				Str("tenant_id", schedule.TenantID).
				Msg("Failed to dispatch schedule")

			if _, recErr := p.store.RecordOutcome(ctx, schedule.ID, false); recErr != nil {
				log.Error().Err(recErr).Str("schedule_id", schedule.ID).Msg("Failed to record dispatch failure")
			}
			outcome = "error"
		}

		switch outcome {
		case "dispatched":
			result.Dispatched++
		case "completed":
			result.Dispatched++
			result.Completed++
		case "skipped":
			result.Skipped++
		default:
			result.Failed++
		}
		metrics.RecordDispatch(outcome)
	}

	if result.Due > 0 {
		log.Info().
			Int("due", result.Due).
			Int("dispatched", result.Dispatched).
			Int("skipped", result.Skipped).
			Int("failed", result.Failed).
			Msg("Processed due schedules")
	}

	return result, nil
}

var errAlreadyDispatched = errors.New("schedule already dispatched")

// dispatch handles one due schedule and reports what happened to it.
func (p *Poller) dispatch(ctx context.Context, schedule *Schedule, now time.Time) (string, error) {
	if len(schedule.Template.Channels) == 0 {
		log.Warn().
			Str("schedule_id", schedule.ID).
			Str("tenant_id", schedule.TenantID).
			Msg("Schedule has no channels, deactivating")

		if err := p.store.MarkFailed(ctx, schedule.ID); err != nil {
			return "", err
		}
		return "failed", nil
	}

	payload, err := json.Marshal(schedule.Template)
	if err != nil {
		return "", fmt.Errorf("marshaling request template: %w", err)
	}

	rec := &executions.Record{
		TenantID:       schedule.TenantID,
		AssistantID:    schedule.AssistantID,
		CapabilityID:   schedule.CapabilityID,
		ScheduleID:     schedule.ID,
		RequestType:    executions.KindCreateContent,
		RequestPayload: payload,
		InitiatedBy:    "scheduler",
	}

	err = p.db.Transaction(ctx, func(tx *database.Tx) error {
		advanced, err := p.store.Advance(ctx, tx, schedule, now)
		if err != nil {
			return err
		}
		if !advanced {
			return errAlreadyDispatched
		}

		if err := p.records.CreateWith(ctx, tx, rec); err != nil {
			return err
		}

		return p.queue.EnqueueWith(ctx, tx, &queue.Message{
			ExecutionID: rec.ID,
			TenantID:    rec.TenantID,
			AssistantID: rec.AssistantID,
			Payload:     payload,
		})
	})
	if errors.Is(err, errAlreadyDispatched) {
		log.Debug().Str("schedule_id", schedule.ID).Msg("Schedule dispatched elsewhere, skipping")
		return "skipped", nil
	}
	if err != nil {
		return "", err
	}

	event := log.Info().
		Str("schedule_id", schedule.ID).
		Str("tenant_id", schedule.TenantID).
		Str("execution_id", rec.ID)
	if schedule.Status == StatusCompleted {
		event.Msg("Dispatched final run, schedule completed")
		return "completed", nil
	}
	event.Time("next_run_at", *schedule.NextRunAt).Msg("Dispatched schedule")
	return "dispatched", nil
}
