package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/connections"
	"github.com/watzon/herald/internal/queue"
	"github.com/watzon/herald/internal/retrieval"
)

// ConnectionHandlers manages channel connections and knowledge base documents,
// the two inputs a tenant provides before content can be published.
type ConnectionHandlers struct {
	connections *connections.Store
	documents   *retrieval.Store
}

func NewConnectionHandlers(conns *connections.Store, docs *retrieval.Store) *ConnectionHandlers {
	return &ConnectionHandlers{connections: conns, documents: docs}
}

// SaveConnectionRequest is the body of POST /api/connections. Tokens are
// write-only: they never appear in a response.
type SaveConnectionRequest struct {
	TenantID       string              `json:"tenant_id"`
	AssistantID    string              `json:"assistant_id,omitempty"`
	Channel        string              `json:"channel"`
	AccountName    string              `json:"account_name,omitempty"`
	AccessToken    string              `json:"access_token"`
	RefreshToken   string              `json:"refresh_token,omitempty"`
	TokenExpiresAt *time.Time          `json:"token_expires_at,omitempty"`
	Account        connections.Account `json:"account"`
}

// List handles GET /api/connections.
func (h *ConnectionHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	list, err := h.connections.List(r.Context(), tenantID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list connections")
		InternalError(w, "Failed to list connections")
		return
	}
	if list == nil {
		list = []*connections.Connection{}
	}

	List(w, "connections", list, nil)
}

// Save handles POST /api/connections.
func (h *ConnectionHandlers) Save(w http.ResponseWriter, r *http.Request) {
	var req SaveConnectionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.Channel == "" || req.AccessToken == "" {
		BadRequest(w, "tenant_id, channel and access_token are required")
		return
	}

	conn := &connections.Connection{
		TenantID:       req.TenantID,
		AssistantID:    req.AssistantID,
		Channel:        req.Channel,
		AccountName:    req.AccountName,
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
		TokenExpiresAt: req.TokenExpiresAt,
		Account:        req.Account,
	}
	if err := h.connections.Save(r.Context(), conn); err != nil {
		if clientError(w, err, connections.ErrInvalid) {
			return
		}
		log.Error().Err(err).Str("tenant_id", req.TenantID).Str("channel", req.Channel).Msg("Failed to save connection")
		InternalError(w, "Failed to save connection")
		return
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("tenant_id", conn.TenantID).
		Str("channel", conn.Channel).
		Msg("Channel connection saved")

	JSON(w, http.StatusCreated, conn)
}

// Activate handles POST /api/connections/{id}/activate.
func (h *ConnectionHandlers) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// Deactivate handles POST /api/connections/{id}/deactivate.
func (h *ConnectionHandlers) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *ConnectionHandlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if err := h.connections.SetActive(r.Context(), tenantID, id, active); err != nil {
		if errors.Is(err, connections.ErrNotFound) {
			NotFound(w, "Connection not found")
			return
		}
		log.Error().Err(err).Str("connection_id", id).Msg("Failed to update connection")
		InternalError(w, "Failed to update connection")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"is_active": active,
	})
}

// AddDocument handles POST /api/documents.
func (h *ConnectionHandlers) AddDocument(w http.ResponseWriter, r *http.Request) {
	var doc retrieval.Document
	if !decode(w, r, &doc) {
		return
	}
	doc.ID = ""

	if err := h.documents.Add(r.Context(), &doc); err != nil {
		if clientError(w, err, retrieval.ErrInvalidDocument) {
			return
		}
		log.Error().Err(err).Str("tenant_id", doc.TenantID).Str("source", doc.Source).Msg("Failed to index document")
		InternalError(w, "Failed to index document")
		return
	}

	JSON(w, http.StatusCreated, map[string]any{
		"id":         doc.ID,
		"tenant_id":  doc.TenantID,
		"source":     doc.Source,
		"title":      doc.Title,
		"created_at": doc.CreatedAt,
	})
}

// DeleteDocument handles DELETE /api/documents/{id}.
func (h *ConnectionHandlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if err := h.documents.Delete(r.Context(), tenantID, id); err != nil {
		if errors.Is(err, retrieval.ErrNotFound) {
			NotFound(w, "Document not found")
			return
		}
		log.Error().Err(err).Str("document_id", id).Msg("Failed to delete document")
		InternalError(w, "Failed to delete document")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeadLetterHandlers lists messages that exhausted their delivery attempts.
type DeadLetterHandlers struct {
	queue *queue.Queue
}

func NewDeadLetterHandlers(q *queue.Queue) *DeadLetterHandlers {
	return &DeadLetterHandlers{queue: q}
}

// List handles GET /api/dead-letters. Results are narrowed to the requesting
// tenant after the limit is applied.
func (h *DeadLetterHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	limit, _ := pagination(r)

	letters, err := h.queue.ListDeadLetters(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list dead letters")
		InternalError(w, "Failed to list dead letters")
		return
	}

	out := make([]*queue.DeadLetter, 0, len(letters))
	for _, dl := range letters {
		if dl.TenantID == tenantID {
			out = append(out, dl)
		}
	}

	List(w, "dead_letters", out, nil)
}
