package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/database"
	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/queue"
)

// ErrUnsupportedRequest is returned by Submit for a request kind outside
// executions.Kinds.
var (
	ErrUnsupportedRequest = errors.New("unsupported request type")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Submitter enqueues ad hoc executions outside of any schedule.
type Submitter struct {
	db      *database.DB
	records *executions.Store
	queue   *queue.Queue
}

func NewSubmitter(db *database.DB, records *executions.Store, q *queue.Queue) *Submitter {
	return &Submitter{db: db, records: records, queue: q}
}

// Submit writes rec as a queued record together with its dispatch message.
// Either both rows exist afterwards or neither does.
func (s *Submitter) Submit(ctx context.Context, rec *executions.Record) error {
	if !rec.RequestType.Supported() {
		return fmt.Errorf("%w: %q", ErrUnsupportedRequest, rec.RequestType)
	}
	if rec.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if len(rec.RequestPayload) == 0 {
		rec.RequestPayload = json.RawMessage(`{}`)
	}
	if !json.Valid(rec.RequestPayload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidRequest)
	}

	err := s.db.Transaction(ctx, func(tx *database.Tx) error {
		if err := s.records.CreateWith(ctx, tx, rec); err != nil {
			return err
		}
		return s.queue.EnqueueWith(ctx, tx, &queue.Message{
			ExecutionID: rec.ID,
			TenantID:    rec.TenantID,
			AssistantID: rec.AssistantID,
			Payload:     rec.RequestPayload,
		})
	})
	if err != nil {
		return fmt.Errorf("submitting execution: %w", err)
	}

	log.Info().
		Str("execution_id", rec.ID).
		Str("tenant_id", rec.TenantID).
		Str("request_type", string(rec.RequestType)).
		Msg("Execution submitted")
	return nil
}
