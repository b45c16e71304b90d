package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/metrics"
	"github.com/watzon/herald/internal/queue"
	"github.com/watzon/herald/internal/retryable"
	"github.com/watzon/herald/internal/scheduler"
)

// Config holds configuration for Pool.
type Config struct {
	// ID prefixes the lease owner of every goroutine in the pool.
	ID string
	// Concurrency is the number of executions run at once.
	Concurrency int
	// PollInterval is how long an idle goroutine waits before polling again.
	PollInterval time.Duration
	// TaskTimeout is the hard wall-clock limit of one attempt.
	TaskTimeout time.Duration
	// RecoverInterval is how often expired leases are reclaimed.
	RecoverInterval time.Duration
}

func DefaultConfig() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return Config{
		ID:              fmt.Sprintf("%s-%d", host, os.Getpid()),
		Concurrency:     4,
		PollInterval:    2 * time.Second,
		TaskTimeout:     30 * time.Minute,
		RecoverInterval: time.Minute,
	}
}

// OutcomeRecorder counts terminal executions against their schedule.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, id string, success bool) (scheduler.Status, error)
}

// Pool runs queued executions on a fixed number of goroutines.
type Pool struct {
	records   *executions.Store
	queue     *queue.Queue
	registry  *Registry
	schedules OutcomeRecorder
	config    Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool. schedules may be nil when no schedule bookkeeping
// is wanted.
func NewPool(records *executions.Store, q *queue.Queue, registry *Registry, schedules OutcomeRecorder, config Config) *Pool {
	defaults := DefaultConfig()
	if config.ID == "" {
		config.ID = defaults.ID
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.RecoverInterval <= 0 {
		config.RecoverInterval = defaults.RecoverInterval
	}

	return &Pool{
		records:   records,
		queue:     q,
		registry:  registry,
		schedules: schedules,
		config:    config,
	}
}

// Start launches the worker goroutines and lease recovery.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx, fmt.Sprintf("%s-%d", p.config.ID, i))
	}

	p.wg.Add(1)
	go p.maintain(ctx)

	log.Info().
		Str("worker_id", p.config.ID).
		Int("concurrency", p.config.Concurrency).
		Dur("task_timeout", p.config.TaskTimeout).
		Msg("Worker pool started")
}

// Stop cancels in-flight executions and waits for the goroutines to exit.
// Interrupted executions are handed back to the queue.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	log.Info().Str("worker_id", p.config.ID).Msg("Worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := p.queue.Claim(ctx, workerID, 1)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("Failed to claim from queue")
		}

		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.PollInterval):
			}
			continue
		}

		_, _ = p.Process(ctx, msgs[0])
	}
}

func (p *Pool) maintain(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RecoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Recover(ctx)
			if _, err := p.queue.Depth(ctx); err != nil {
				log.Debug().Err(err).Msg("Failed to read queue depth")
			}
		}
	}
}

// Recover reclaims expired leases and fails the executions whose messages ran
// out of attempts while abandoned.
func (p *Pool) Recover(ctx context.Context) {
	recovered, dead, err := p.queue.RecoverExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to recover expired leases")
	}

	for _, msg := range dead {
		reason := fmt.Sprintf("execution abandoned after %d attempts", msg.Attempt+1)
		if err := p.records.Fail(ctx, msg.ExecutionID, reason, nil); err != nil {
			log.Error().Err(err).Str("execution_id", msg.ExecutionID).Msg("Failed to fail abandoned execution")
			continue
		}
		if rec, err := p.records.Get(ctx, msg.ExecutionID); err == nil {
			p.recordSchedule(ctx, rec, false)
			metrics.RecordExecution(string(rec.RequestType), string(executions.StatusFailed), 0)
		}
	}

	if recovered > 0 || len(dead) > 0 {
		log.Info().Int("recovered", recovered).Int("dead_lettered", len(dead)).Msg("Recovered expired leases")
	}
}

// Drain processes available messages on the calling goroutine until the queue
// has none ready. It returns the number processed.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	workerID := p.config.ID + "-drain"
	processed := 0

	for {
		msgs, err := p.queue.Claim(ctx, workerID, 1)
		if err != nil {
			return processed, err
		}
		if len(msgs) == 0 {
			return processed, nil
		}

		_, _ = p.Process(ctx, msgs[0])
		processed++
	}
}

// Process runs the execution behind a leased message and settles it. The
// returned record is the state after processing. Reprocessing a terminal
// record only acknowledges the message.
func (p *Pool) Process(ctx context.Context, msg *queue.Message) (*executions.Record, error) {
	logger := log.With().
		Str("execution_id", msg.ExecutionID).
		Str("tenant_id", msg.TenantID).
		Int("attempt", msg.Attempt+1).
		Logger()

	rec, err := p.records.Get(ctx, msg.ExecutionID)
	if errors.Is(err, executions.ErrNotFound) {
		logger.Warn().Msg("Dropping message for unknown execution")
		p.ack(ctx, msg)
		return nil, err
	}
	if err != nil {
		p.retry(ctx, msg, nil, err)
		return nil, err
	}

	if rec.Status.Terminal() {
		logger.Debug().Str("status", string(rec.Status)).Msg("Execution already finished, acknowledging")
		p.ack(ctx, msg)
		return rec, nil
	}

	handler, ok := p.registry.Lookup(rec.RequestType)
	if !ok {
		return p.reject(ctx, msg, rec)
	}

	rec, claimed, err := p.records.Claim(ctx, rec.ID)
	if err != nil {
		p.retry(ctx, msg, nil, err)
		return nil, err
	}
	if !claimed {
		p.ack(ctx, msg)
		return rec, nil
	}

	logger.Info().Str("request_type", string(rec.RequestType)).Msg("Execution started")

	run := NewRun(rec, p.records)
	taskCtx, cancel := context.WithTimeout(ctx, p.config.TaskTimeout)
	start := time.Now()
	outcome, execErr := p.execute(taskCtx, handler, run)
	timedOut := errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	elapsed := time.Since(start)

	switch {
	case execErr == nil && outcome != nil:
		p.settle(ctx, msg, rec, outcome, elapsed)

	case ctx.Err() != nil:
		p.interrupt(msg, rec)
		return rec, ctx.Err()

	case timedOut:
		// Stages re-enter idempotently, so a hung attempt is retried like any
		// other transient failure.
		logger.Warn().Dur("timeout", p.config.TaskTimeout).Msg("Execution hit the time limit")
		p.retry(ctx, msg, rec, retryable.Transient(fmt.Errorf("execution exceeded the %s time limit", p.config.TaskTimeout)))

	case execErr == nil:
		p.fail(ctx, msg, rec, "handler returned no outcome", elapsed)

	case retryable.IsTransient(execErr):
		logger.Warn().Err(execErr).Msg("Execution hit a transient error")
		p.retry(ctx, msg, rec, execErr)

	default:
		logger.Error().Err(execErr).Msg("Execution failed")
		p.fail(ctx, msg, rec, execErr.Error(), elapsed)
	}

	final, err := p.records.Get(ctx, rec.ID)
	if err != nil {
		return rec, err
	}
	return final, nil
}

func (p *Pool) execute(ctx context.Context, handler Handler, run *Run) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("execution_id", run.Record.ID).
				Interface("panic", r).
				Msg("Handler panicked")
			outcome, err = nil, retryable.Permanentf("handler panicked: %v", r)
		}
	}()
	return handler.Execute(ctx, run)
}

func (p *Pool) reject(ctx context.Context, msg *queue.Message, rec *executions.Record) (*executions.Record, error) {
	reason := UnsupportedMessage(rec.RequestType)

	var err error
	if rec.Status == executions.StatusQueued {
		err = p.records.Reject(ctx, rec.ID, reason)
	} else {
		err = p.records.Fail(ctx, rec.ID, reason, nil)
	}
	if err != nil {
		log.Error().Err(err).Str("execution_id", rec.ID).Msg("Failed to reject execution")
		return rec, err
	}

	log.Warn().
		Str("execution_id", rec.ID).
		Str("request_type", string(rec.RequestType)).
		Msg("Rejected unsupported request type")

	p.ack(ctx, msg)
	p.recordSchedule(ctx, rec, false)
	metrics.RecordExecution(string(rec.RequestType), string(executions.StatusFailed), 0)

	return p.records.Get(ctx, rec.ID)
}

func (p *Pool) settle(ctx context.Context, msg *queue.Message, rec *executions.Record, outcome *Outcome, elapsed time.Duration) {
	var err error
	if outcome.Status == executions.StatusCompleted {
		err = p.records.Complete(ctx, rec.ID, outcome.Result)
	} else {
		err = p.records.Fail(ctx, rec.ID, outcome.Error, outcome.Result)
	}
	if err != nil {
		log.Error().Err(err).Str("execution_id", rec.ID).Msg("Failed to store execution outcome")
		return
	}

	p.ack(ctx, msg)
	p.recordSchedule(ctx, rec, outcome.Status == executions.StatusCompleted)
	metrics.RecordExecution(string(rec.RequestType), string(outcome.Status), elapsed)

	log.Info().
		Str("execution_id", rec.ID).
		Str("status", string(outcome.Status)).
		Dur("duration", elapsed).
		Msg("Execution finished")
}

func (p *Pool) fail(ctx context.Context, msg *queue.Message, rec *executions.Record, reason string, elapsed time.Duration) {
	if err := p.records.Fail(ctx, rec.ID, reason, nil); err != nil {
		log.Error().Err(err).Str("execution_id", rec.ID).Msg("Failed to mark execution failed")
		return
	}

	p.ack(ctx, msg)
	p.recordSchedule(ctx, rec, false)
	metrics.RecordExecution(string(rec.RequestType), string(executions.StatusFailed), elapsed)
}

// retry hands the execution back to the queue after a transient error, or
// fails it when the message has no attempts left.
func (p *Pool) retry(ctx context.Context, msg *queue.Message, rec *executions.Record, cause error) {
	if rec != nil && rec.Status == executions.StatusRunning {
		if err := p.records.Requeue(ctx, rec.ID); err != nil {
			log.Error().Err(err).Str("execution_id", rec.ID).Msg("Failed to requeue execution")
		}
	}

	dead, err := p.queue.Retry(ctx, msg, cause.Error())
	if err != nil {
		log.Error().Err(err).Str("execution_id", msg.ExecutionID).Msg("Failed to schedule retry")
		return
	}

	if !dead {
		if rec != nil {
			metrics.RecordRetry(string(rec.RequestType))
		}
		return
	}

	if err := p.records.Fail(ctx, msg.ExecutionID, cause.Error(), nil); err != nil {
		log.Error().Err(err).Str("execution_id", msg.ExecutionID).Msg("Failed to mark exhausted execution failed")
		return
	}
	if rec != nil {
		p.recordSchedule(ctx, rec, false)
		metrics.RecordExecution(string(rec.RequestType), string(executions.StatusFailed), 0)
	}
}

// interrupt returns an execution cut short by shutdown to the queue without
// spending an attempt.
func (p *Pool) interrupt(msg *queue.Message, rec *executions.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.records.Requeue(ctx, rec.ID); err != nil {
		log.Error().Err(err).Str("execution_id", rec.ID).Msg("Failed to requeue interrupted execution")
	}
	if err := p.queue.Release(ctx, msg); err != nil {
		log.Error().Err(err).Str("execution_id", rec.ID).Msg("Failed to release interrupted message")
	}

	log.Info().Str("execution_id", rec.ID).Msg("Execution interrupted by shutdown, released")
}

func (p *Pool) ack(ctx context.Context, msg *queue.Message) {
	if err := p.queue.Ack(ctx, msg); err != nil {
		log.Warn().Err(err).Str("message_id", msg.ID).Str("execution_id", msg.ExecutionID).Msg("Failed to acknowledge message")
	}
}

func (p *Pool) recordSchedule(ctx context.Context, rec *executions.Record, success bool) {
	if p.schedules == nil || rec.ScheduleID == "" {
		return
	}

	status, err := p.schedules.RecordOutcome(ctx, rec.ScheduleID, success)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", rec.ScheduleID).Msg("Failed to record schedule outcome")
		return
	}

	if !success && status == scheduler.StatusFailed {
		log.Warn().
			Str("schedule_id", rec.ScheduleID).
			Str("tenant_id", rec.TenantID).
			Msg("Schedule deactivated after repeated failures")
	}
}
