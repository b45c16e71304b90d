package executions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/watzon/herald/internal/database"
)

// Store handles database operations for execution records.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// NewStore creates a new execution store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const recordColumns = `
	id, tenant_id, assistant_id, capability_id, schedule_id,
	request_type, request_payload, status, attempts, initiated_by,
	result, error_message, started_at, completed_at, duration_ms,
	created_at, updated_at
`

// Create inserts a new queued execution record.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	return s.CreateWith(ctx, s.db, rec)
}

// CreateWith inserts a new queued execution record using ex, so the insert can
// share a transaction with other writes.
func (s *Store) CreateWith(ctx context.Context, ex database.Execer, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RequestType == "" {
		return fmt.Errorf("request type is required")
	}
	if len(rec.RequestPayload) == 0 {
		rec.RequestPayload = json.RawMessage("{}")
	}

	now := s.now().UTC()
	rec.Status = StatusQueued
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := ex.ExecContext(ctx, `
		INSERT INTO executions (
			id, tenant_id, assistant_id, capability_id, schedule_id,
			request_type, request_payload, status, initiated_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.TenantID,
		rec.AssistantID,
		database.OptionalString(rec.CapabilityID),
		database.OptionalString(rec.ScheduleID),
		string(rec.RequestType),
		string(rec.RequestPayload),
		string(rec.Status),
		database.OptionalString(rec.InitiatedBy),
		database.FormatTime(now),
		database.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", database.ClassifyError(err))
	}

	return nil
}

// Claim moves a queued (or previously claimed) record to running and counts the
// attempt. started_at is only written on the first claim. When the record is
// already terminal it is returned unchanged with claimed=false.
func (s *Store) Claim(ctx context.Context, id string) (rec *Record, claimed bool, err error) {
	now := database.FormatTime(s.now())

	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'running',
		    started_at = COALESCE(started_at, ?),
		    attempts = attempts + 1,
		    updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
	`, now, now, id)
	if err != nil {
		return nil, false, fmt.Errorf("claiming execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}

	rec, err = s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	return rec, rows > 0, nil
}

// AppendStep adds an entry to the step ledger for the given attempt.
func (s *Store) AppendStep(ctx context.Context, id string, step Step) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (execution_id, attempt, stage, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, step.Attempt, step.Stage, string(step.Status), step.Detail, database.FormatTime(step.CreatedAt))
	if err != nil {
		return fmt.Errorf("appending step %s: %w", step.Stage, database.ClassifyError(err))
	}

	return nil
}

// Complete transitions a running record to completed.
func (s *Store) Complete(ctx context.Context, id string, result any) error {
	return s.finish(ctx, id, StatusCompleted, result, "", StatusRunning)
}

// Fail transitions a queued or running record to failed.
func (s *Store) Fail(ctx context.Context, id string, errorMessage string, result any) error {
	if errorMessage == "" {
		errorMessage = "execution failed"
	}
	return s.finish(ctx, id, StatusFailed, result, errorMessage, StatusQueued, StatusRunning)
}

// Reject fails a record that was never started, such as one with an unsupported
// request type.
func (s *Store) Reject(ctx context.Context, id string, errorMessage string) error {
	return s.finish(ctx, id, StatusFailed, nil, errorMessage, StatusQueued)
}

// Cancel withdraws a record that no worker has claimed yet.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusCancelled, nil, "", StatusQueued)
}

// Requeue returns a running record to queued so a retried delivery can claim it.
func (s *Store) Requeue(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = 'queued', updated_at = ?
		WHERE id = ? AND status = 'running'
	`, database.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("requeueing execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return s.transitionError(ctx, id, StatusQueued)
	}

	return nil
}

// finish writes a terminal state. The status guard in the UPDATE makes
// completed_at and duration_ms write-once.
func (s *Store) finish(ctx context.Context, id string, to Status, result any, errorMessage string, from ...Status) error {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}

	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		var status string
		var startedAt sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT status, started_at FROM executions WHERE id = ?`, id).
			Scan(&status, &startedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("querying execution: %w", err)
		}

		if !statusIn(Status(status), from) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, to)
		}

		now := s.now().UTC()
		var duration int64
		if started := database.NullTime(startedAt); started != nil {
			duration = now.Sub(*started).Milliseconds()
			if duration < 0 {
				duration = 0
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE executions
			SET status = ?, result = COALESCE(?, result), error_message = ?,
			    completed_at = ?, duration_ms = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`,
			string(to),
			resultJSON,
			database.OptionalString(errorMessage),
			database.FormatTime(now),
			duration,
			database.FormatTime(now),
			id,
			status,
		)
		if err != nil {
			return fmt.Errorf("updating execution: %w", err)
		}

		return nil
	})
}

func (s *Store) transitionError(ctx context.Context, id string, to Status) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
}

// Get retrieves an execution record and its step ledger.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM executions WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}

	steps, err := s.Steps(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Steps = steps

	return rec, nil
}

// Steps returns the step ledger of an execution in insertion order.
func (s *Store) Steps(ctx context.Context, id string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt, stage, status, detail, created_at
		FROM execution_steps
		WHERE execution_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	steps := []Step{}
	for rows.Next() {
		var step Step
		var status, createdAt string
		if err := rows.Scan(&step.Attempt, &step.Stage, &status, &step.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		step.Status = StepStatus(status)
		step.CreatedAt, _ = database.ParseTime(createdAt)
		steps = append(steps, step)
	}

	return steps, rows.Err()
}

// List retrieves execution records matching filter, newest first. Step ledgers
// are not loaded.
func (s *Store) List(ctx context.Context, filter Filter, limit, offset int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM executions WHERE 1=1`
	args := []any{}

	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.AssistantID != "" {
		query += " AND assistant_id = ?"
		args = append(args, filter.AssistantID)
	}
	if filter.ScheduleID != "" {
		query += " AND schedule_id = ?"
		args = append(args, filter.ScheduleID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.RequestType != "" {
		query += " AND request_type = ?"
		args = append(args, string(filter.RequestType))
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
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}

	return records, nil
}

// DeleteOlderThan deletes terminal records that finished before now minus age.
func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := database.FormatTime(s.now().Add(-age))

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE completed_at < ?
		  AND status IN ('completed', 'failed', 'cancelled')
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old executions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	return rows, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var capabilityID, scheduleID, initiatedBy, result, errorMessage sql.NullString
	var startedAt, completedAt sql.NullString
	var durationMs sql.NullInt64
	var requestType, payload, status, createdAt, updatedAt string

	if err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.AssistantID,
		&capabilityID,
		&scheduleID,
		&requestType,
		&payload,
		&status,
		&rec.Attempts,
		&initiatedBy,
		&result,
		&errorMessage,
		&startedAt,
		&completedAt,
		&durationMs,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	rec.CapabilityID = capabilityID.String
	rec.ScheduleID = scheduleID.String
	rec.InitiatedBy = initiatedBy.String
	rec.RequestType = RequestKind(requestType)
	rec.RequestPayload = json.RawMessage(payload)
	rec.Status = Status(status)
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	rec.ErrorMessage = errorMessage.String
	rec.StartedAt = database.NullTime(startedAt)
	rec.CompletedAt = database.NullTime(completedAt)
	if durationMs.Valid {
		d := durationMs.Int64
		rec.DurationMs = &d
	}
	rec.CreatedAt, _ = database.ParseTime(createdAt)
	rec.UpdatedAt, _ = database.ParseTime(updatedAt)

	return &rec, nil
}

func marshalResult(result any) (sql.NullString, error) {
	switch v := result.(type) {
	case nil:
		return sql.NullString{}, nil
	case json.RawMessage:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
		return sql.NullString{String: string(v), Valid: true}, nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshaling result: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
