// Package queue is the durable dispatch queue between the poller and the
// workers. Messages live in SQLite and are handed out under time-limited
// leases, so delivery is at least once.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/database"
	"github.com/watzon/herald/internal/metrics"
)

// Status is the delivery state of a queued message.
type Status string

const (
	StatusPending  Status = "pending"
	StatusLeased   Status = "leased"
	StatusRetrying Status = "retrying"
)

// ErrLeaseLost is returned when a message is acknowledged or retried by a
// worker that no longer holds its lease.
var ErrLeaseLost = errors.New("queue lease lost")

// Message asks a worker to run one execution record.
type Message struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	TenantID    string          `json:"tenant_id"`
	AssistantID string          `json:"assistant_id"`
	Payload     json.RawMessage `json:"request_payload"`
	Status      Status          `json:"status"`
	Attempt     int             `json:"attempt"`
	LastError   string          `json:"last_error,omitempty"`
	AvailableAt time.Time       `json:"available_at"`
	LeasedBy    string          `json:"leased_by,omitempty"`
	LeaseUntil  *time.Time      `json:"lease_until,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DeadLetter is a message that exhausted its delivery attempts.
type DeadLetter struct {
	ID          string          `json:"id"`
	MessageID   string          `json:"message_id"`
	ExecutionID string          `json:"execution_id"`
	TenantID    string          `json:"tenant_id"`
	Payload     json.RawMessage `json:"request_payload"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FailedAt    time.Time       `json:"failed_at"`
}

type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	LeaseDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		LeaseDuration: 35 * time.Minute,
	}
}

type Queue struct {
	db     *database.DB
	config Config
	now    func() time.Time
}

func New(db *database.DB, config Config) *Queue {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaults.LeaseDuration
	}

	return &Queue{db: db, config: config, now: time.Now}
}

// MaxAttempts returns the number of deliveries before a message is dead-lettered.
func (q *Queue) MaxAttempts() int {
	return q.config.MaxAttempts
}

const messageColumns = `
	id, execution_id, tenant_id, assistant_id, payload, status, attempt,
	last_error, available_at, leased_by, lease_until, created_at, updated_at
`

// Enqueue makes msg available for immediate delivery.
func (q *Queue) Enqueue(ctx context.Context, msg *Message) error {
	return q.EnqueueWith(ctx, q.db, msg)
}

// EnqueueWith inserts msg using ex so it can commit atomically with the
// execution record it points at.
func (q *Queue) EnqueueWith(ctx context.Context, ex database.Execer, msg *Message) error {
	if msg.ExecutionID == "" {
		return fmt.Errorf("execution id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if len(msg.Payload) == 0 {
		msg.Payload = json.RawMessage("{}")
	}

	now := q.now().UTC()
	msg.Status = StatusPending
	msg.Attempt = 0
	msg.AvailableAt = now
	msg.CreatedAt = now
	msg.UpdatedAt = now

	_, err := ex.ExecContext(ctx, `
		INSERT INTO queue_messages (id, execution_id, tenant_id, assistant_id, payload, status, attempt, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
	`,
		msg.ID,
		msg.ExecutionID,
		msg.TenantID,
		msg.AssistantID,
		string(msg.Payload),
		database.FormatTime(now),
		database.FormatTime(now),
		database.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("enqueueing message: %w", database.ClassifyError(err))
	}

	log.Debug().
		Str("message_id", msg.ID).
		Str("execution_id", msg.ExecutionID).
		Str("tenant_id", msg.TenantID).
		Msg("Enqueued execution")

	return nil
}

// Claim leases up to limit available messages to workerID. The lease is taken
// in a single UPDATE, so concurrent claimers never receive the same message.
func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 1
	}

	now := q.now().UTC()
	leaseUntil := now.Add(q.config.LeaseDuration)

	rows, err := q.db.QueryContext(ctx, `
		UPDATE queue_messages
		SET status = 'leased', leased_by = ?, lease_until = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM queue_messages
			WHERE status IN ('pending', 'retrying') AND available_at <= ?
			ORDER BY available_at ASC, created_at ASC
			LIMIT ?
		)
		RETURNING `+messageColumns,
		workerID,
		database.FormatTime(leaseUntil),
		database.FormatTime(now),
		database.FormatTime(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].AvailableAt.Before(messages[j].AvailableAt)
	})

	return messages, nil
}

// Ack removes a delivered message.
func (q *Queue) Ack(ctx context.Context, msg *Message) error {
	result, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_messages WHERE id = ? AND status = 'leased' AND leased_by = ?
	`, msg.ID, msg.LeasedBy)
	if err != nil {
		return fmt.Errorf("acknowledging message: %w", err)
	}

	return expectRow(result)
}

// Release hands a leased message back without counting an attempt, for
// workers that stop before finishing.
func (q *Queue) Release(ctx context.Context, msg *Message) error {
	now := database.FormatTime(q.now())

	result, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = CASE WHEN attempt > 0 THEN 'retrying' ELSE 'pending' END,
		    available_at = ?, leased_by = NULL, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = 'leased' AND leased_by = ?
	`, now, now, msg.ID, msg.LeasedBy)
	if err != nil {
		return fmt.Errorf("releasing message: %w", err)
	}

	return expectRow(result)
}

// Backoff returns the delay before redelivery of a message that has already
// failed attempt times.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return q.config.BaseDelay * time.Duration(1<<attempt)
}

// Retry schedules msg for redelivery after a failed attempt. When the attempt
// budget is spent the message moves to the dead-letter table instead and
// deadLettered is true.
func (q *Queue) Retry(ctx context.Context, msg *Message, errorMsg string) (deadLettered bool, err error) {
	if msg.Attempt+1 >= q.config.MaxAttempts {
		log.Warn().
			Str("message_id", msg.ID).
			Str("execution_id", msg.ExecutionID).
			Int("attempts", msg.Attempt+1).
			Msg("Message exceeded max attempts, moving to DLQ")

		if err := q.DeadLetter(ctx, msg, errorMsg); err != nil {
			return false, err
		}
		return true, nil
	}

	now := q.now().UTC()
	nextRetry := now.Add(q.Backoff(msg.Attempt))

	result, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = 'retrying', attempt = attempt + 1, last_error = ?, available_at = ?,
		    leased_by = NULL, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = 'leased' AND leased_by = ?
	`,
		database.OptionalString(errorMsg),
		database.FormatTime(nextRetry),
		database.FormatTime(now),
		msg.ID,
		msg.LeasedBy,
	)
	if err != nil {
		return false, fmt.Errorf("scheduling retry: %w", err)
	}
	if err := expectRow(result); err != nil {
		return false, err
	}

	msg.Attempt++
	msg.Status = StatusRetrying
	msg.LastError = errorMsg
	msg.AvailableAt = nextRetry

	log.Debug().
		Str("message_id", msg.ID).
		Str("execution_id", msg.ExecutionID).
		Int("attempt", msg.Attempt).
		Time("next_retry", nextRetry).
		Msg("Scheduled execution for retry")

	return false, nil
}

// DeadLetter moves msg to the dead-letter table.
func (q *Queue) DeadLetter(ctx context.Context, msg *Message, errorMsg string) error {
	dlqID := uuid.New().String()
	now := q.now().UTC()

	err := q.db.Transaction(ctx, func(tx *database.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, msg.ID)
		if err != nil {
			return fmt.Errorf("removing message: %w", err)
		}
		if err := expectRow(result); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_dead_letters (id, message_id, execution_id, tenant_id, payload, attempts, last_error, created_at, failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			dlqID,
			msg.ID,
			msg.ExecutionID,
			msg.TenantID,
			string(msg.Payload),
			msg.Attempt+1,
			database.OptionalString(errorMsg),
			database.FormatTime(msg.CreatedAt),
			database.FormatTime(now),
		)
		if err != nil {
			return fmt.Errorf("inserting into DLQ: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.RecordDeadLetter()

	log.Info().
		Str("message_id", msg.ID).
		Str("dlq_id", dlqID).
		Str("execution_id", msg.ExecutionID).
		Int("attempts", msg.Attempt+1).
		Msg("Moved message to DLQ")

	return nil
}

// RecoverExpired releases leases whose holder stopped without acknowledging.
// The abandoned delivery counts as an attempt. Messages that run out of
// attempts this way are dead-lettered and returned so the caller can settle
// their execution records.
func (q *Queue) RecoverExpired(ctx context.Context) (recovered int, dead []*Message, err error) {
	now := q.now().UTC()

	rows, err := q.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM queue_messages
		WHERE status = 'leased' AND lease_until < ?
	`, database.FormatTime(now))
	if err != nil {
		return 0, nil, fmt.Errorf("querying expired leases: %w", err)
	}
	expired, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return 0, nil, err
	}

	for _, msg := range expired {
		const reason = "lease expired before the worker acknowledged the message"

		deadLettered, err := q.Retry(ctx, msg, reason)
		if errors.Is(err, ErrLeaseLost) {
			continue
		}
		if err != nil {
			return recovered, dead, err
		}

		if deadLettered {
			dead = append(dead, msg)
		} else {
			recovered++
		}

		log.Warn().
			Str("message_id", msg.ID).
			Str("execution_id", msg.ExecutionID).
			Str("leased_by", msg.LeasedBy).
			Bool("dead_lettered", deadLettered).
			Msg("Recovered expired lease")
	}

	return recovered, dead, nil
}

// Get returns a queued message by id.
func (q *Queue) Get(ctx context.Context, id string) (*Message, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM queue_messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("message %s: %w", id, sql.ErrNoRows)
	}
	return messages[0], nil
}

// ListDeadLetters returns dead-lettered messages, most recent first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, message_id, execution_id, tenant_id, payload, attempts, last_error, created_at, failed_at
		FROM queue_dead_letters
		ORDER BY failed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying DLQ: %w", err)
	}
	defer rows.Close()

	letters := []*DeadLetter{}
	for rows.Next() {
		var dl DeadLetter
		var payload, createdAt, failedAt string
		var lastError sql.NullString
		if err := rows.Scan(&dl.ID, &dl.MessageID, &dl.ExecutionID, &dl.TenantID, &payload,
			&dl.Attempts, &lastError, &createdAt, &failedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		dl.Payload = json.RawMessage(payload)
		dl.LastError = lastError.String
		dl.CreatedAt, _ = database.ParseTime(createdAt)
		dl.FailedAt, _ = database.ParseTime(failedAt)
		letters = append(letters, &dl)
	}

	return letters, rows.Err()
}

// Depth counts queued messages by status and publishes the counts as metrics.
func (q *Queue) Depth(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	defer rows.Close()

	depth := map[string]int{
		string(StatusPending):  0,
		string(StatusLeased):   0,
		string(StatusRetrying): 0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		depth[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	metrics.UpdateQueueDepth(depth)
	return depth, nil
}

func expectRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLeaseLost
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	messages := []*Message{}

	for rows.Next() {
		var msg Message
		var payload, status, availableAt, createdAt, updatedAt string
		var lastError, leasedBy, leaseUntil sql.NullString

		err := rows.Scan(
			&msg.ID,
			&msg.ExecutionID,
			&msg.TenantID,
			&msg.AssistantID,
			&payload,
			&status,
			&msg.Attempt,
			&lastError,
			&availableAt,
			&leasedBy,
			&leaseUntil,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		msg.Payload = json.RawMessage(payload)
		msg.Status = Status(status)
		msg.LastError = lastError.String
		msg.LeasedBy = leasedBy.String
		msg.LeaseUntil = database.NullTime(leaseUntil)
		msg.AvailableAt, _ = database.ParseTime(availableAt)
		msg.CreatedAt, _ = database.ParseTime(createdAt)
		msg.UpdatedAt, _ = database.ParseTime(updatedAt)

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}
