package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/watzon/herald/internal/database"
)

// DefaultFailureThreshold is the number of failed runs after which a schedule
// is deactivated.
const DefaultFailureThreshold = 5

// Store handles database operations for schedules.
type Store struct {
	db               *database.DB
	failureThreshold int
	now              func() time.Time
}

// NewStore creates a new schedule store. A non-positive threshold falls back
// to DefaultFailureThreshold.
func NewStore(db *database.DB, failureThreshold int) *Store {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	return &Store{db: db, failureThreshold: failureThreshold, now: time.Now}
}

const scheduleColumns = `
	id, tenant_id, assistant_id, capability_id, name, description,
	schedule_type, schedule_config, request_template, timezone,
	start_at, end_at, next_run_at, last_run_at, is_active, status,
	total_runs, successful_runs, failed_runs, created_by, created_at, updated_at
`

// Create validates and inserts a new active schedule. next_run_at is derived
// from start_at in the schedule's time zone.
func (s *Store) Create(ctx context.Context, schedule *Schedule) error {
	if err := s.prepare(schedule); err != nil {
		return err
	}

	configJSON, err := json.Marshal(schedule.Config)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	templateJSON, err := json.Marshal(schedule.Template)
	if err != nil {
		return fmt.Errorf("marshaling request template: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, tenant_id, assistant_id, capability_id, name, description,
			schedule_type, schedule_config, request_template, timezone,
			start_at, end_at, next_run_at, is_active, status, created_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 'active', ?, ?, ?)
	`,
		schedule.ID,
		schedule.TenantID,
		schedule.AssistantID,
		database.OptionalString(schedule.CapabilityID),
		schedule.Name,
		database.OptionalString(schedule.Description),
		string(schedule.Type),
		string(configJSON),
		string(templateJSON),
		schedule.Timezone,
		database.FormatTime(schedule.StartAt),
		database.NullString(schedule.EndAt),
		database.NullString(schedule.NextRunAt),
		database.OptionalString(schedule.CreatedBy),
		database.FormatTime(schedule.CreatedAt),
		database.FormatTime(schedule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", database.ClassifyError(err))
	}

	return nil
}

func (s *Store) prepare(schedule *Schedule) error {
	switch {
	case schedule.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidSchedule)
	case schedule.AssistantID == "":
		return fmt.Errorf("%w: assistant_id is required", ErrInvalidSchedule)
	case strings.TrimSpace(schedule.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	case !schedule.Type.Valid():
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, schedule.Type)
	case strings.TrimSpace(schedule.Template.Request) == "":
		return fmt.Errorf("%w: request_template.request is required", ErrInvalidSchedule)
	}
	if err := schedule.Config.Validate(schedule.Type); err != nil {
		return err
	}

	if schedule.Timezone == "" {
		schedule.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, schedule.Timezone)
	}

	now := s.now().UTC()
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.StartAt.IsZero() {
		schedule.StartAt = now
	}

	next, ok := FirstRun(schedule.Type, schedule.Config, schedule.StartAt.In(loc))
	if !ok {
		return fmt.Errorf("%w: no run time for schedule type %q", ErrInvalidSchedule, schedule.Type)
	}
	if schedule.EndAt != nil && next.After(*schedule.EndAt) {
		return fmt.Errorf("%w: end_at is before the first run at %s", ErrInvalidSchedule, next.Format(time.RFC3339))
	}
	next = next.UTC()

	schedule.NextRunAt = &next
	schedule.LastRunAt = nil
	schedule.IsActive = true
	schedule.Status = StatusActive
	schedule.TotalRuns, schedule.SuccessfulRuns, schedule.FailedRuns = 0, 0, 0
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	return nil
}

// Get retrieves a schedule by id.
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("querying schedule: %w", err)
	}

	return schedule, nil
}

// List retrieves schedules matching filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter, limit, offset int) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE 1=1`
	args := []any{}

	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.AssistantID != "" {
		query += " AND assistant_id = ?"
		args = append(args, filter.AssistantID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// Due returns active schedules whose next_run_at has passed and whose window
// has not ended, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	ts := database.FormatTime(now)

	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+`
		FROM schedules
		WHERE is_active = 1
		  AND status = 'active'
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= ?
		  AND (end_at IS NULL OR end_at >= ?)
		ORDER BY next_run_at ASC
		LIMIT ?
	`, ts, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due schedules: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

// Advance records a fire of schedule at firedAt and moves next_run_at forward.
// The update is guarded on the next_run_at the caller observed, so of several
// pollers racing on the same due schedule only one gets advanced=true. One-time
// schedules and schedules whose next occurrence falls after end_at are
// completed instead, leaving next_run_at as it was.
func (s *Store) Advance(ctx context.Context, ex database.Execer, schedule *Schedule, firedAt time.Time) (advanced bool, err error) {
	if schedule.NextRunAt == nil {
		return false, nil
	}

	observed := database.FormatTime(*schedule.NextRunAt)
	now := database.FormatTime(s.now())
	fired := firedAt.UTC()

	next, recurring := NextRun(schedule.Type, schedule.Config, firedAt.In(schedule.Location()))
	completed := !recurring || (schedule.EndAt != nil && next.After(*schedule.EndAt))

	var result sql.Result
	if completed {
		result, err = ex.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, total_runs = total_runs + 1,
			    status = 'completed', is_active = 0, updated_at = ?
			WHERE id = ? AND next_run_at = ? AND is_active = 1 AND status = 'active'
		`, database.FormatTime(fired), now, schedule.ID, observed)
	} else {
		result, err = ex.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, total_runs = total_runs + 1,
			    next_run_at = ?, updated_at = ?
			WHERE id = ? AND next_run_at = ? AND is_active = 1 AND status = 'active'
		`, database.FormatTime(fired), database.FormatTime(next), now, schedule.ID, observed)
	}
	if err != nil {
		return false, fmt.Errorf("advancing schedule: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	schedule.LastRunAt = &fired
	schedule.TotalRuns++
	if completed {
		schedule.Status = StatusCompleted
		schedule.IsActive = false
	} else {
		next = next.UTC()
		schedule.NextRunAt = &next
	}

	return true, nil
}

// MarkFailed deactivates a schedule that can never produce a valid request.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET status = 'failed', is_active = 0, updated_at = ?
		WHERE id = ?
	`, database.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("marking schedule failed: %w", err)
	}
	return nil
}

// RecordOutcome counts a terminal execution against its schedule. A failure
// that brings failed_runs to the threshold deactivates the schedule; the
// returned status reflects the row after the update.
func (s *Store) RecordOutcome(ctx context.Context, id string, success bool) (Status, error) {
	now := database.FormatTime(s.now())

	var row *sql.Row
	if success {
		row = s.db.QueryRowContext(ctx, `
			UPDATE schedules SET successful_runs = successful_runs + 1, updated_at = ?
			WHERE id = ?
			RETURNING status
		`, now, id)
	} else {
		row = s.db.QueryRowContext(ctx, `
			UPDATE schedules
			SET failed_runs = failed_runs + 1,
			    is_active = CASE WHEN failed_runs + 1 >= ? THEN 0 ELSE is_active END,
			    status = CASE WHEN failed_runs + 1 >= ? AND status IN ('active', 'paused') THEN 'failed' ELSE status END,
			    updated_at = ?
			WHERE id = ?
			RETURNING status
		`, s.failureThreshold, s.failureThreshold, now, id)
	}

	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("recording schedule outcome: %w", err)
	}

	return Status(status), nil
}

// Pause stops an active schedule from being picked up.
func (s *Store) Pause(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET status = 'paused', is_active = 0, updated_at = ?
		WHERE id = ? AND status = 'active'
	`, database.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("pausing schedule: %w", err)
	}
	return s.expectChange(ctx, result, id, "pause")
}

// Resume reactivates a paused schedule. Recurring schedules get a fresh
// next_run_at computed from now so missed fires are not replayed in a burst.
func (s *Store) Resume(ctx context.Context, id string) error {
	schedule, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if schedule.Status != StatusPaused {
		return fmt.Errorf("%w: cannot resume a %s schedule", ErrInvalidSchedule, schedule.Status)
	}

	next := schedule.NextRunAt
	if schedule.Type != ScheduleTypeOneTime {
		from := s.now()
		if schedule.StartAt.After(from) {
			from = schedule.StartAt
		}
		n, _ := FirstRun(schedule.Type, schedule.Config, from.In(schedule.Location()))
		n = n.UTC()
		next = &n
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET status = 'active', is_active = 1, next_run_at = ?, updated_at = ?
		WHERE id = ? AND status = 'paused'
	`, database.NullString(next), database.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("resuming schedule: %w", err)
	}
	return s.expectChange(ctx, result, id, "resume")
}

// Delete removes a schedule. Execution records that reference it are kept.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) expectChange(ctx context.Context, result sql.Result, id, action string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	schedule, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s a %s schedule", ErrInvalidSchedule, action, schedule.Status)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*Schedule, error) {
	var schedule Schedule
	var capabilityID, description, endAt, nextRunAt, lastRunAt, createdBy sql.NullString
	var scheduleType, configJSON, templateJSON, startAt, status, createdAt, updatedAt string

	err := row.Scan(
		&schedule.ID,
		&schedule.TenantID,
		&schedule.AssistantID,
		&capabilityID,
		&schedule.Name,
		&description,
		&scheduleType,
		&configJSON,
		&templateJSON,
		&schedule.Timezone,
		&startAt,
		&endAt,
		&nextRunAt,
		&lastRunAt,
		&schedule.IsActive,
		&status,
		&schedule.TotalRuns,
		&schedule.SuccessfulRuns,
		&schedule.FailedRuns,
		&createdBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.CapabilityID = capabilityID.String
	schedule.Description = description.String
	schedule.CreatedBy = createdBy.String
	schedule.Type = ScheduleType(scheduleType)
	schedule.Status = Status(status)

	schedule.Config, err = ParseConfig([]byte(configJSON))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(templateJSON), &schedule.Template); err != nil {
		return nil, fmt.Errorf("decoding request template: %w", err)
	}

	schedule.StartAt, _ = database.ParseTime(startAt)
	schedule.EndAt = database.NullTime(endAt)
	schedule.NextRunAt = database.NullTime(nextRunAt)
	schedule.LastRunAt = database.NullTime(lastRunAt)
	schedule.CreatedAt, _ = database.ParseTime(createdAt)
	schedule.UpdatedAt, _ = database.ParseTime(updatedAt)

	return &schedule, nil
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	schedules := []*Schedule{}
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedules: %w", err)
	}

	return schedules, nil
}
