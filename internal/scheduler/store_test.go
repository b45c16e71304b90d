package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/database"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: 5 * time.Second,
	}

	db, err := database.Open(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func testStore(t *testing.T) (*Store, *clock) {
	t.Helper()

	c := &clock{t: utc(2025, 1, 15, 8, 0)}
	store := NewStore(testDB(t), 0)
	store.now = c.now
	return store, c
}

func newSchedule(typ ScheduleType) *Schedule {
	return &Schedule{
		TenantID:    "tenant-1",
		AssistantID: "assistant-1",
		Name:        "morning post",
		Type:        typ,
		Config:      Config{Hour: 9, Minute: 0, DaysOfWeek: []int{0, 2}, DaysOfMonth: []int{15}},
		Template: RequestTemplate{
			Request:  "share a tip about spring gardening",
			Channels: []string{"linkedin", "twitter"},
		},
	}
}

func TestStore_Create(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	schedule := newSchedule(ScheduleTypeDaily)
	require.NoError(t, store.Create(ctx, schedule))
	require.NotEmpty(t, schedule.ID)

	got, err := store.Get(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.True(t, got.IsActive)
	assert.Equal(t, "UTC", got.Timezone)
	assert.Equal(t, ScheduleTypeDaily, got.Type)
	assert.Equal(t, []string{"linkedin", "twitter"}, got.Template.Channels)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(utc(2025, 1, 15, 9, 0)), "first run is today at 09:00, got %v", got.NextRunAt)
	assert.Zero(t, got.TotalRuns)
}

func TestStore_CreateFirstRun(t *testing.T) {
	tests := []struct {
		name  string
		typ   ScheduleType
		start time.Time
		want  time.Time
	}{
		{"one time at start", ScheduleTypeOneTime, utc(2025, 1, 20, 14, 30), utc(2025, 1, 20, 14, 30)},
		{"weekly on qualifying start day", ScheduleTypeWeekly, utc(2025, 1, 15, 7, 0), utc(2025, 1, 15, 9, 0)},
		{"weekly after time on start day", ScheduleTypeWeekly, utc(2025, 1, 15, 10, 0), utc(2025, 1, 20, 9, 0)},
		{"monthly on start day", ScheduleTypeMonthly, utc(2025, 1, 15, 7, 0), utc(2025, 1, 15, 9, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := testStore(t)
			schedule := newSchedule(tt.typ)
			schedule.StartAt = tt.start
			require.NoError(t, store.Create(context.Background(), schedule))
			require.NotNil(t, schedule.NextRunAt)
			assert.True(t, schedule.NextRunAt.Equal(tt.want), "got %v want %v", schedule.NextRunAt, tt.want)
		})
	}
}

func TestStore_CreateInTimezone(t *testing.T) {
	if _, err := time.LoadLocation("Europe/Berlin"); err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}

	store, _ := testStore(t)
	schedule := newSchedule(ScheduleTypeDaily)
	schedule.Timezone = "Europe/Berlin"
	require.NoError(t, store.Create(context.Background(), schedule))

	// 08:00 UTC is 09:00 in Berlin in winter, so today's slot is taken by start.
	assert.True(t, schedule.NextRunAt.Equal(utc(2025, 1, 15, 8, 0)), "got %v", schedule.NextRunAt)
}

func TestStore_CreateValidation(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Schedule)
	}{
		{"missing tenant", func(s *Schedule) { s.TenantID = "" }},
		{"missing assistant", func(s *Schedule) { s.AssistantID = "" }},
		{"missing name", func(s *Schedule) { s.Name = "  " }},
		{"unknown type", func(s *Schedule) { s.Type = "hourly" }},
		{"missing request", func(s *Schedule) { s.Template.Request = "" }},
		{"bad hour", func(s *Schedule) { s.Config.Hour = 25 }},
		{"bad timezone", func(s *Schedule) { s.Timezone = "Mars/Olympus" }},
		{"window ends before first run", func(s *Schedule) {
			end := utc(2025, 1, 15, 8, 30)
			s.EndAt = &end
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schedule := newSchedule(ScheduleTypeDaily)
			tt.mutate(schedule)
			err := store.Create(ctx, schedule)
			require.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}

func TestStore_Due(t *testing.T) {
	store, c := testStore(t)
	ctx := context.Background()

	daily := newSchedule(ScheduleTypeDaily)
	require.NoError(t, store.Create(ctx, daily))

	later := newSchedule(ScheduleTypeOneTime)
	later.StartAt = utc(2025, 1, 16, 12, 0)
	require.NoError(t, store.Create(ctx, later))

	ended := newSchedule(ScheduleTypeOneTime)
	ended.StartAt = utc(2025, 1, 15, 8, 30)
	end := utc(2025, 1, 15, 8, 45)
	ended.EndAt = &end
	require.NoError(t, store.Create(ctx, ended))

	paused := newSchedule(ScheduleTypeDaily)
	require.NoError(t, store.Create(ctx, paused))
	require.NoError(t, store.Pause(ctx, paused.ID))

	due, err := store.Due(ctx, c.now(), 100)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.Due(ctx, utc(2025, 1, 15, 9, 0), 100)
	require.NoError(t, err)
	require.Len(t, due, 1, "ended, paused and future schedules are not due")
	assert.Equal(t, daily.ID, due[0].ID)
}

func TestStore_Advance(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	schedule := newSchedule(ScheduleTypeDaily)
	require.NoError(t, store.Create(ctx, schedule))

	fired := utc(2025, 1, 15, 9, 1)
	stale := *schedule

	advanced, err := store.Advance(ctx, store.db, schedule, fired)
	require.NoError(t, err)
	require.True(t, advanced)

	got, err := store.Get(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalRuns)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(fired))
	assert.True(t, got.NextRunAt.Equal(utc(2025, 1, 16, 9, 0)), "got %v", got.NextRunAt)

	advanced, err = store.Advance(ctx, store.db, &stale, fired)
	require.NoError(t, err)
	assert.False(t, advanced, "a stale next_run_at must not advance the schedule twice")
}

func TestStore_AdvanceCompletesOneTime(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	schedule := newSchedule(ScheduleTypeOneTime)
	schedule.StartAt = utc(2025, 1, 15, 8, 30)
	require.NoError(t, store.Create(ctx, schedule))

	advanced, err := store.Advance(ctx, store.db, schedule, utc(2025, 1, 15, 8, 31))
	require.NoError(t, err)
	require.True(t, advanced)

	got, err := store.Get(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.False(t, got.IsActive)
	assert.Equal(t, 1, got.TotalRuns)
	assert.True(t, got.NextRunAt.Equal(utc(2025, 1, 15, 8, 30)), "next_run_at is left untouched")
}

func TestStore_AdvanceCompletesAtEndOfWindow(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	schedule := newSchedule(ScheduleTypeDaily)
	end := utc(2025, 1, 15, 20, 0)
	schedule.EndAt = &end
	require.NoError(t, store.Create(ctx, schedule))

	advanced, err := store.Advance(ctx, store.db, schedule, utc(2025, 1, 15, 9, 0))
	require.NoError(t, err)
	require.True(t, advanced)

	got, err := store.Get(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.False(t, got.IsActive)
}

func TestStore_RecordOutcome(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	schedule := newSchedule(ScheduleTypeDaily)
	require.NoError(t, store.Create(ctx, schedule))

	status, err := store.RecordOutcome(ctx, schedule.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)

	for i := 1; i < DefaultFailureThreshold; i++ {
		status, err = store.RecordOutcome(ctx, schedule.ID, false)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, status, "failure %d stays active", i)
	}

	overdue := utc(2025, 1, 1, 9, 0)
	now := utc(2025, 1, 2, 9, 0)
	_, err = store.db.ExecContext(ctx, `UPDATE schedules SET next_run_at = ? WHERE id = ?`,
		database.FormatTime(overdue), schedule.ID)
	require.NoError(t, err)

	due, err := store.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "below the threshold the overdue schedule is still due")

	status, err = store.RecordOutcome(ctx, schedule.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	due, err = store.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "a schedule past the failure threshold is never due again")

	got, err := store.Get(ctx, schedule.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, 1, got.SuccessfulRuns)
	assert.Equal(t, DefaultFailureThreshold, got.FailedRuns)

	_, err = store.RecordOutcome(ctx, "missing", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RecordOutcomeKeepsCompleted(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	store.failureThreshold = 1

	schedule := newSchedule(ScheduleTypeOneTime)
	schedule.StartAt = utc(2025, 1, 15, 8, 30)
	require.NoError(t, store.Create(ctx, schedule))
	_, err := store.Advance(ctx, store.db, schedule, utc(2025, 1, 15, 8, 30))
	require.NoError(t, err)

	status, err := store.RecordOutcome(ctx, schedule.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}

func TestStore_PauseResume(t *testing.T) {
	store, c := testStore(t)
	ctx := context.Background()

	schedule := newSchedule(ScheduleTypeDaily)
	require.NoError(t, store.Create(ctx, schedule))

	require.NoError(t, store.Pause(ctx, schedule.ID))
	require.ErrorIs(t, store.Pause(ctx, schedule.ID), ErrInvalidSchedule)

	got, err := store.Get(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.False(t, got.IsActive)

	c.t = utc(2025, 1, 18, 12, 0)
	require.NoError(t, store.Resume(ctx, schedule.ID))

	got, err = store.Get(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.True(t, got.IsActive)
	assert.True(t, got.NextRunAt.Equal(utc(2025, 1, 19, 9, 0)), "missed runs are skipped, got %v", got.NextRunAt)

	require.ErrorIs(t, store.Resume(ctx, schedule.ID), ErrInvalidSchedule)
}

func TestStore_ListAndDelete(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	a := newSchedule(ScheduleTypeDaily)
	require.NoError(t, store.Create(ctx, a))
	b := newSchedule(ScheduleTypeWeekly)
	b.TenantID = "tenant-2"
	require.NoError(t, store.Create(ctx, b))

	all, err := store.List(ctx, Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := store.List(ctx, Filter{TenantID: "tenant-2"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, b.ID, scoped[0].ID)

	require.NoError(t, store.Delete(ctx, a.ID))
	require.ErrorIs(t, store.Delete(ctx, a.ID), ErrNotFound)

	_, err = store.Get(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
