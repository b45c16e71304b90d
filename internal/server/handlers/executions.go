package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/content"
	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/worker"
)

// Submitter persists a new execution together with its dispatch message.
type Submitter interface {
	Submit(ctx context.Context, rec *executions.Record) error
}

// ExecutionHandlers handles execution endpoints.
type ExecutionHandlers struct {
	store     *executions.Store
	submitter Submitter
	content   *content.Store
}

func NewExecutionHandlers(store *executions.Store, submitter Submitter, items *content.Store) *ExecutionHandlers {
	return &ExecutionHandlers{store: store, submitter: submitter, content: items}
}

// SubmitRequest is the body of POST /api/executions.
type SubmitRequest struct {
	TenantID       string          `json:"tenant_id"`
	AssistantID    string          `json:"assistant_id"`
	CapabilityID   string          `json:"capability_id,omitempty"`
	RequestType    string          `json:"request_type"`
	RequestPayload json.RawMessage `json:"request_payload"`
	InitiatedBy    string          `json:"initiated_by,omitempty"`
}

// List handles GET /api/executions.
func (h *ExecutionHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := executions.Filter{
		TenantID:    tenantID,
		AssistantID: q.Get("assistant_id"),
		ScheduleID:  q.Get("schedule_id"),
		RequestType: executions.RequestKind(q.Get("request_type")),
	}
	if status := q.Get("status"); status != "" {
		filter.Status = executions.Status(status)
		if !filter.Status.Valid() {
			BadRequest(w, "Unknown status: "+status)
			return
		}
	}

	limit, offset := pagination(r)
	records, err := h.store.List(r.Context(), filter, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list executions")
		InternalError(w, "Failed to list executions")
		return
	}
	if records == nil {
		records = []*executions.Record{}
	}

	List(w, "executions", records, map[string]any{"limit": limit, "offset": offset})
}

// Get handles GET /api/executions/{id}.
func (h *ExecutionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"execution": rec,
		"summary":   executions.Summarize(rec.CurrentSteps()),
	})
}

// Submit handles POST /api/executions. The execution is queued and runs
// asynchronously; the response carries its id.
func (h *ExecutionHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.AssistantID == "" {
		BadRequest(w, "tenant_id and assistant_id are required")
		return
	}

	rec := &executions.Record{
		TenantID:       req.TenantID,
		AssistantID:    req.AssistantID,
		CapabilityID:   req.CapabilityID,
		RequestType:    executions.RequestKind(req.RequestType),
		RequestPayload: req.RequestPayload,
		InitiatedBy:    req.InitiatedBy,
	}
	if err := h.submitter.Submit(r.Context(), rec); err != nil {
		if errors.Is(err, worker.ErrUnsupportedRequest) {
			Error(w, http.StatusBadRequest, "UNSUPPORTED_REQUEST", fmt.Sprintf("request type %q is not supported", req.RequestType))
			return
		}
		if clientError(w, err, worker.ErrInvalidRequest) {
			return
		}
		log.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to submit execution")
		InternalError(w, "Failed to submit execution")
		return
	}

	JSON(w, http.StatusAccepted, map[string]any{
		"execution_id": rec.ID,
		"status":       rec.Status,
	})
}

// Cancel handles POST /api/executions/{id}/cancel. Only queued executions can
// be cancelled.
func (h *ExecutionHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.store.Cancel(r.Context(), rec.ID); err != nil {
		switch {
		case errors.Is(err, executions.ErrInvalidTransition):
			Conflict(w, "Execution is "+string(rec.Status)+" and can no longer be cancelled")
		case errors.Is(err, executions.ErrNotFound):
			NotFound(w, "Execution not found")
		default:
			log.Error().Err(err).Str("execution_id", rec.ID).Msg("Failed to cancel execution")
			InternalError(w, "Failed to cancel execution")
		}
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"execution_id": rec.ID,
		"status":       executions.StatusCancelled,
	})
}

// Content handles GET /api/executions/{id}/content.
func (h *ExecutionHandlers) Content(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}

	items, err := h.content.ListByExecution(r.Context(), rec.ID)
	if err != nil {
		log.Error().Err(err).Str("execution_id", rec.ID).Msg("Failed to list execution content")
		InternalError(w, "Failed to list content")
		return
	}
	if items == nil {
		items = []*content.Item{}
	}

	List(w, "content", items, nil)
}

// load fetches the execution named by the path and checks it belongs to the
// requesting tenant.
func (h *ExecutionHandlers) load(w http.ResponseWriter, r *http.Request) (*executions.Record, bool) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return nil, false
	}

	id := r.PathValue("id")
	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, executions.ErrNotFound) {
			NotFound(w, "Execution not found")
			return nil, false
		}
		log.Error().Err(err).Str("execution_id", id).Msg("Failed to get execution")
		InternalError(w, "Failed to get execution")
		return nil, false
	}
	if rec.TenantID != tenantID {
		NotFound(w, "Execution not found")
		return nil, false
	}
	return rec, true
}
