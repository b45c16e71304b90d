package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/database"
	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/queue"
	"github.com/watzon/herald/internal/retryable"
	"github.com/watzon/herald/internal/scheduler"
)

type fixture struct {
	db        *database.DB
	records   *executions.Store
	queue     *queue.Queue
	schedules *scheduler.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &fixture{
		db:        db,
		records:   executions.NewStore(db),
		queue:     queue.New(db, queue.Config{MaxAttempts: 3, BaseDelay: time.Nanosecond, LeaseDuration: time.Hour}),
		schedules: scheduler.NewStore(db, 5),
	}
}

func (f *fixture) pool(handlers ...Handler) *Pool {
	return NewPool(f.records, f.queue, NewRegistry(handlers...), f.schedules, Config{
		ID:           "test",
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		TaskTimeout:  5 * time.Second,
	})
}

func (f *fixture) schedule(t *testing.T) *scheduler.Schedule {
	t.Helper()

	s := &scheduler.Schedule{
		TenantID:    "tenant-1",
		AssistantID: "assistant-1",
		Name:        "daily tip",
		Type:        scheduler.ScheduleTypeDaily,
		Config:      scheduler.DefaultConfig(),
		Template:    scheduler.RequestTemplate{Request: "daily tip", Channels: []string{"twitter"}},
	}
	require.NoError(t, f.schedules.Create(context.Background(), s))
	return s
}

func (f *fixture) dispatch(t *testing.T, kind executions.RequestKind, scheduleID string) *executions.Record {
	t.Helper()
	ctx := context.Background()

	rec := &executions.Record{
		TenantID:       "tenant-1",
		AssistantID:    "assistant-1",
		ScheduleID:     scheduleID,
		RequestType:    kind,
		RequestPayload: json.RawMessage(`{"request":"daily tip","channels":["twitter"]}`),
	}
	require.NoError(t, f.records.Create(ctx, rec))
	require.NoError(t, f.queue.Enqueue(ctx, &queue.Message{
		ExecutionID: rec.ID,
		TenantID:    rec.TenantID,
		AssistantID: rec.AssistantID,
		Payload:     rec.RequestPayload,
	}))
	return rec
}

func (f *fixture) depth(t *testing.T) int {
	t.Helper()
	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	return depth["pending"] + depth["leased"] + depth["retrying"]
}

func (f *fixture) deadLetters(t *testing.T) int {
	t.Helper()
	letters, err := f.queue.ListDeadLetters(context.Background(), 100)
	require.NoError(t, err)
	return len(letters)
}

func TestRegistry(t *testing.T) {
	noop := func(context.Context, *Run) (*Outcome, error) { return Completed(nil), nil }

	r := NewRegistry(HandlerFunc(executions.KindCreateContent, noop))
	_, ok := r.Lookup(executions.KindCreateContent)
	assert.True(t, ok)
	_, ok = r.Lookup(executions.KindCreateCampaign)
	assert.False(t, ok)

	assert.Panics(t, func() {
		NewRegistry(HandlerFunc(executions.KindCreateContent, noop), HandlerFunc(executions.KindCreateContent, noop))
	})
	assert.Panics(t, func() {
		NewRegistry(HandlerFunc("summarize", noop))
	})
}

func TestPool_ProcessCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.schedule(t)

	pool := f.pool(HandlerFunc(executions.KindCreateContent, func(ctx context.Context, run *Run) (*Outcome, error) {
		run.Step(ctx, "content_generation", executions.StepPassed, "generated 1 post")
		return Completed(map[string]any{"content": "Water early, water deep."}), nil
	}))

	rec := f.dispatch(t, executions.KindCreateContent, s.ID)
	n, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"content":"Water early, water deep."}`, string(got.Result))
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, 1, got.Steps[0].Attempt)

	assert.Zero(t, f.depth(t))

	sched, err := f.schedules.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sched.SuccessfulRuns)
}

func TestPool_FailedOutcomeIsFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	pool := f.pool(HandlerFunc(executions.KindCreateContent, func(context.Context, *Run) (*Outcome, error) {
		calls.Add(1)
		return Failed("content generation failed for every channel", map[string]any{"channels": []string{}}), nil
	}))

	rec := f.dispatch(t, executions.KindCreateContent, "")
	_, err := pool.Drain(ctx)
	require.NoError(t, err)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusFailed, got.Status)
	assert.Equal(t, "content generation failed for every channel", got.ErrorMessage)
	assert.NotEmpty(t, got.Result)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, f.depth(t))
}

func TestPool_UnsupportedKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.schedule(t)

	pool := f.pool(HandlerFunc(executions.KindCreateContent, func(context.Context, *Run) (*Outcome, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}))

	rec := f.dispatch(t, executions.KindCreateCampaign, s.ID)
	_, err := pool.Drain(ctx)
	require.NoError(t, err)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusFailed, got.Status)
	assert.Equal(t, `request type "create_campaign" is not supported`, got.ErrorMessage)
	assert.Nil(t, got.StartedAt, "a rejected record never enters running")
	assert.NotNil(t, got.CompletedAt)
	assert.Zero(t, got.Attempts)
	assert.Zero(t, f.depth(t))
	assert.Zero(t, f.deadLetters(t))

	sched, err := f.schedules.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sched.FailedRuns)
}

func TestPool_TransientThenSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	pool := f.pool(HandlerFunc(executions.KindCreateContent, func(ctx context.Context, run *Run) (*Outcome, error) {
		run.Step(ctx, "context_retrieval", executions.StepPassed, "")
		if calls.Add(1) < 3 {
			return nil, retryable.Transient(errors.New("model overloaded"))
		}
		return Completed("ok"), nil
	}))

	rec := f.dispatch(t, executions.KindCreateContent, "")
	_, err := pool.Drain(ctx)
	require.NoError(t, err)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{got.Steps[0].Attempt, got.Steps[1].Attempt, got.Steps[2].Attempt})
	assert.Len(t, got.CurrentSteps(), 1)
	assert.Zero(t, f.depth(t))
}

func TestPool_TransientExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.schedule(t)

	var calls atomic.Int32
	pool := f.pool(HandlerFunc(executions.KindCreateContent, func(context.Context, *Run) (*Outcome, error) {
		calls.Add(1)
		return nil, &retryable.StatusError{Service: "gemini", Code: 503}
	}))

	rec := f.dispatch(t, executions.KindCreateContent, s.ID)
	_, err := pool.Drain(ctx)
	require.NoError(t, err)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusFailed, got.Status)
	assert.Equal(t, "gemini: HTTP 503", got.ErrorMessage)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, f.deadLetters(t))
	assert.Zero(t, f.depth(t))

	sched, err := f.schedules.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sched.FailedRuns)
}

func TestPool_PermanentError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	pool := f.pool(HandlerFunc(executions.KindCreateContent, func(context.Context, *Run) (*Outcome, error) {
		calls.Add(1)
		return nil, retryable.Permanentf("no connection for channel %q", "linkedin")
	}))

	rec := f.dispatch(t, executions.KindCreateContent, "")
	_, err := pool.Drain(ctx)
	require.NoError(t, err)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusFailed, got.Status)
	assert.Equal(t, `no connection for channel "linkedin"`, got.ErrorMessage)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, f.deadLetters(t))
}

func TestPool_TerminalRecordIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	pool := f.pool(HandlerFunc(executions.KindCreateContent, func(context.Context, *Run) (*Outcome, error) {
		calls.Add(1)
		return Completed("first"), nil
	}))

	rec := f.dispatch(t, executions.KindCreateContent, "")
	_, err := pool.Drain(ctx)
	require.NoError(t, err)

	before, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)

	// A duplicate delivery of the same execution.
	require.NoError(t, f.queue.Enqueue(ctx, &queue.Message{ExecutionID: rec.ID, TenantID: rec.TenantID}))
	msgs, err := f.queue.Claim(ctx, "dup", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	after, err := pool.Process(ctx, msgs[0])
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Attempts, after.Attempts)
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
	assert.JSONEq(t, string(before.Result), string(after.Result))
	assert.Zero(t, f.depth(t))
}

func TestPool_CancelledBeforeClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pool := f.pool(HandlerFunc(executions.KindCreateContent, func(context.Context, *Run) (*Outcome, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}))

	rec := f.dispatch(t, executions.KindCreateContent, "")
	require.NoError(t, f.records.Cancel(ctx, rec.ID))

	_, err := pool.Drain(ctx)
	require.NoError(t, err)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusCancelled, got.Status)
	assert.Zero(t, f.depth(t))
}

func TestPool_TaskTimeoutIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	pool := NewPool(f.records, f.queue, NewRegistry(HandlerFunc(executions.KindCreateContent,
		func(ctx context.Context, _ *Run) (*Outcome, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return Completed("posted"), nil
		})), f.schedules, Config{ID: "test", TaskTimeout: 20 * time.Millisecond})

	rec := f.dispatch(t, executions.KindCreateContent, "")
	_, err := pool.Drain(ctx)
	require.NoError(t, err)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, executions.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Zero(t, f.depth(t))
	assert.Zero(t, f.deadLetters(t))
}

func TestPool_TaskTimeoutExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.schedule(t)

	var calls atomic.Int32
	pool := NewPool(f.records, f.queue, NewRegistry(HandlerFunc(executions.KindCreateContent,
		func(ctx context.Context, _ *Run) (*Outcome, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		})), f.schedules, Config{ID: "test", TaskTimeout: 20 * time.Millisecond})

	rec := f.dispatch(t, executions.KindCreateContent, s.ID)
	_, err := pool.Drain(ctx)
	require.NoError(t, err)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, executions.StatusFailed, got.Status)
	assert.Equal(t, "execution exceeded the 20ms time limit", got.ErrorMessage)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 1, f.deadLetters(t))
	assert.Zero(t, f.depth(t))

	sched, err := f.schedules.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sched.FailedRuns)
}

func TestPool_HandlerPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pool := f.pool(HandlerFunc(executions.KindCreateContent, func(context.Context, *Run) (*Outcome, error) {
		panic("nil brand profile")
	}))

	rec := f.dispatch(t, executions.KindCreateContent, "")
	_, err := pool.Drain(ctx)
	require.NoError(t, err)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusFailed, got.Status)
	assert.Equal(t, "handler panicked: nil brand profile", got.ErrorMessage)
}

func TestPool_StartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pool := f.pool(HandlerFunc(executions.KindCreateContent, func(context.Context, *Run) (*Outcome, error) {
		return Completed("done"), nil
	}))
	recs := []*executions.Record{
		f.dispatch(t, executions.KindCreateContent, ""),
		f.dispatch(t, executions.KindCreateContent, ""),
		f.dispatch(t, executions.KindCreateContent, ""),
	}

	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		for _, rec := range recs {
			got, err := f.records.Get(ctx, rec.ID)
			if err != nil || got.Status != executions.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRun_StepsWithoutStore(t *testing.T) {
	run := NewRun(&executions.Record{ID: "exec-1", Attempts: 2}, nil)
	run.Step(context.Background(), "keyword_enrichment", executions.StepSkipped, "no keywords")

	steps := run.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, 2, steps[0].Attempt)
	assert.Equal(t, executions.StepSkipped, steps[0].Status)
}
