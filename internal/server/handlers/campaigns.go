package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/campaigns"
	"github.com/watzon/herald/internal/content"
)

// CampaignHandlers serves campaign drafts and published content.
type CampaignHandlers struct {
	campaigns *campaigns.Store
	content   *content.Store
}

func NewCampaignHandlers(store *campaigns.Store, items *content.Store) *CampaignHandlers {
	return &CampaignHandlers{campaigns: store, content: items}
}

// ListContent handles GET /api/content.
func (h *CampaignHandlers) ListContent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)

	items, err := h.content.List(r.Context(), tenantID, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list content")
		InternalError(w, "Failed to list content")
		return
	}
	if items == nil {
		items = []*content.Item{}
	}

	List(w, "content", items, nil)
}

// GetContent handles GET /api/content/{id}.
func (h *CampaignHandlers) GetContent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	item, err := h.content.Get(r.Context(), r.PathValue("id"))
	if err != nil && !errors.Is(err, content.ErrNotFound) {
		log.Error().Err(err).Msg("Failed to get content")
		InternalError(w, "Failed to get content")
		return
	}
	if item == nil || item.TenantID != tenantID {
		NotFound(w, "Content not found")
		return
	}

	JSON(w, http.StatusOK, item)
}

// List handles GET /api/campaigns.
func (h *CampaignHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)

	list, err := h.campaigns.List(r.Context(), tenantID, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list campaigns")
		InternalError(w, "Failed to list campaigns")
		return
	}
	if list == nil {
		list = []*campaigns.Campaign{}
	}

	List(w, "campaigns", list, nil)
}

// Get handles GET /api/campaigns/{id}.
func (h *CampaignHandlers) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	c, err := h.campaigns.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, campaigns.ErrNotFound) {
			NotFound(w, "Campaign not found")
			return
		}
		log.Error().Err(err).Msg("Failed to get campaign")
		InternalError(w, "Failed to get campaign")
		return
	}

	JSON(w, http.StatusOK, c)
}

// SetStatus handles PUT /api/campaigns/{id}/status with a body of
// {"status": "active"}.
func (h *CampaignHandlers) SetStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req struct {
		Status campaigns.Status `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	if err := h.campaigns.SetStatus(r.Context(), tenantID, id, req.Status); err != nil {
		switch {
		case errors.Is(err, campaigns.ErrInvalidStatus):
			BadRequest(w, err.Error())
		case errors.Is(err, campaigns.ErrNotFound):
			NotFound(w, "Campaign not found")
		default:
			log.Error().Err(err).Str("campaign_id", id).Msg("Failed to update campaign status")
			InternalError(w, "Failed to update campaign")
		}
		return
	}

	c, err := h.campaigns.Get(r.Context(), tenantID, id)
	if err != nil {
		log.Error().Err(err).Str("campaign_id", id).Msg("Failed to reload campaign")
		InternalError(w, "Failed to get campaign")
		return
	}
	JSON(w, http.StatusOK, c)
}
