// Package handlers implements the HTTP API: execution submission and
// inspection, schedules, published content, campaigns, channel connections and
// knowledge base documents. Every tenant-owned resource is addressed with a
// tenant_id query parameter or body field.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/watzon/herald/internal/database"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// pagination reads limit and offset, ignoring malformed values.
func pagination(r *http.Request) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxLimit)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// tenant returns the tenant_id query parameter, writing a 400 when it is
// missing.
func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("tenant_id")
	if id == "" {
		BadRequest(w, "tenant_id is required")
		return "", false
	}
	return id, true
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			Error(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large")
		case errors.Is(err, io.EOF):
			BadRequest(w, "Request body is required")
		default:
			BadRequest(w, "Invalid JSON body: "+err.Error())
		}
		return false
	}
	return true
}

// clientError writes a 4xx for errors the caller can fix: any of the given
// validation errors, or a write the database rejected. It reports false for
// everything else, which the caller logs and answers with a 500.
func clientError(w http.ResponseWriter, err error, invalid ...error) bool {
	for _, target := range invalid {
		if errors.Is(err, target) {
			BadRequest(w, err.Error())
			return true
		}
	}
	var ce *database.ConstraintError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.Type == "unique" {
		Conflict(w, ce.Message)
	} else {
		BadRequest(w, ce.Message)
	}
	return true
}
