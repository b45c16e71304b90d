package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/scheduler"
)

// ScheduleHandlers handles recurring content schedule endpoints.
type ScheduleHandlers struct {
	store *scheduler.Store
}

func NewScheduleHandlers(store *scheduler.Store) *ScheduleHandlers {
	return &ScheduleHandlers{store: store}
}

// CreateScheduleRequest is the body of POST /api/schedules.
type CreateScheduleRequest struct {
	TenantID     string                    `json:"tenant_id"`
	AssistantID  string                    `json:"assistant_id"`
	CapabilityID string                    `json:"capability_id,omitempty"`
	Name         string                    `json:"name"`
	Description  string                    `json:"description,omitempty"`
	Type         scheduler.ScheduleType    `json:"schedule_type"`
	Config       *scheduler.Config         `json:"schedule_config,omitempty"`
	Template     scheduler.RequestTemplate `json:"request_template"`
	Timezone     string                    `json:"timezone,omitempty"`
	StartAt      *time.Time                `json:"start_at,omitempty"`
	EndAt        *time.Time                `json:"end_at,omitempty"`
	CreatedBy    string                    `json:"created_by,omitempty"`
}

// List handles GET /api/schedules.
func (h *ScheduleHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	filter := scheduler.Filter{
		TenantID:    tenantID,
		AssistantID: r.URL.Query().Get("assistant_id"),
		Status:      scheduler.Status(r.URL.Query().Get("status")),
	}
	limit, offset := pagination(r)

	schedules, err := h.store.List(r.Context(), filter, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list schedules")
		InternalError(w, "Failed to list schedules")
		return
	}
	if schedules == nil {
		schedules = []*scheduler.Schedule{}
	}

	List(w, "schedules", schedules, nil)
}

// Get handles GET /api/schedules/{id}.
func (h *ScheduleHandlers) Get(w http.ResponseWriter, r *http.Request) {
	schedule, ok := h.load(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, schedule)
}

// Create handles POST /api/schedules.
func (h *ScheduleHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !decode(w, r, &req) {
		return
	}

	schedule := &scheduler.Schedule{
		TenantID:     req.TenantID,
		AssistantID:  req.AssistantID,
		CapabilityID: req.CapabilityID,
		Name:         req.Name,
		Description:  req.Description,
		Type:         req.Type,
		Config:       scheduler.DefaultConfig(),
		Template:     req.Template,
		Timezone:     req.Timezone,
		EndAt:        req.EndAt,
		CreatedBy:    req.CreatedBy,
	}
	if req.Config != nil {
		schedule.Config = *req.Config
	}
	if req.StartAt != nil {
		schedule.StartAt = *req.StartAt
	}

	if err := h.store.Create(r.Context(), schedule); err != nil {
		if clientError(w, err, scheduler.ErrInvalidSchedule) {
			return
		}
		log.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to create schedule")
		InternalError(w, "Failed to create schedule")
		return
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("tenant_id", schedule.TenantID).
		Str("type", string(schedule.Type)).
		Msg("Schedule created")

	JSON(w, http.StatusCreated, schedule)
}

// Pause handles POST /api/schedules/{id}/pause.
func (h *ScheduleHandlers) Pause(w http.ResponseWriter, r *http.Request) {
	schedule, ok := h.load(w, r)
	if !ok {
		return
	}
	h.transition(w, r, schedule.ID, "pause", h.store.Pause)
}

// Resume handles POST /api/schedules/{id}/resume.
func (h *ScheduleHandlers) Resume(w http.ResponseWriter, r *http.Request) {
	schedule, ok := h.load(w, r)
	if !ok {
		return
	}
	h.transition(w, r, schedule.ID, "resume", h.store.Resume)
}

// Delete handles DELETE /api/schedules/{id}.
func (h *ScheduleHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	schedule, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), schedule.ID); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			NotFound(w, "Schedule not found")
			return
		}
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("Failed to delete schedule")
		InternalError(w, "Failed to delete schedule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ScheduleHandlers) transition(w http.ResponseWriter, r *http.Request, id, action string, apply func(ctx context.Context, id string) error) {
	if err := apply(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrNotFound):
			NotFound(w, "Schedule not found")
		case errors.Is(err, scheduler.ErrInvalidSchedule):
			Conflict(w, err.Error())
		default:
			log.Error().Err(err).Str("schedule_id", id).Str("action", action).Msg("Schedule transition failed")
			InternalError(w, "Failed to "+action+" schedule")
		}
		return
	}

	schedule, err := h.store.Get(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("Failed to reload schedule")
		InternalError(w, "Failed to get schedule")
		return
	}
	JSON(w, http.StatusOK, schedule)
}

// load fetches the schedule named by the path and checks it belongs to the
// requesting tenant.
func (h *ScheduleHandlers) load(w http.ResponseWriter, r *http.Request) (*scheduler.Schedule, bool) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return nil, false
	}

	id := r.PathValue("id")
	schedule, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			NotFound(w, "Schedule not found")
			return nil, false
		}
		log.Error().Err(err).Str("schedule_id", id).Msg("Failed to get schedule")
		InternalError(w, "Failed to get schedule")
		return nil, false
	}
	if schedule.TenantID != tenantID {
		NotFound(w, "Schedule not found")
		return nil, false
	}
	return schedule, true
}
