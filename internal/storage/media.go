package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MediaKind is the class of a generated asset.
type MediaKind string

const (
	MediaImage MediaKind = "images"
	MediaVideo MediaKind = "videos"
)

var extensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/x-msvideo": ".avi",
	"video/webm":      ".webm",
}

func extension(kind MediaKind, mimeType string) string {
	if ext, ok := extensions[strings.ToLower(strings.TrimSpace(mimeType))]; ok {
		return ext
	}
	if kind == MediaVideo {
		return ".mp4"
	}
	return ".png"
}

// MediaStore writes generated media for an execution and returns a URL that
// channel publishers can hand to external APIs.
type MediaStore struct {
	backend       Backend
	bucket        string
	publicBaseURL string
	newID         func() string
}

// NewMediaStore stores media in bucket. When publicBaseURL is set, returned
// URLs are {publicBaseURL}/{key}; otherwise the backend's native location is
// used.
func NewMediaStore(backend Backend, bucket, publicBaseURL string) *MediaStore {
	return &MediaStore{
		backend:       backend,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		newID:         uuid.NewString,
	}
}

// Key returns the object key for a new asset:
// tenants/{tenant}/content/{execution}/{kind}/{id}{ext}.
func (m *MediaStore) Key(tenantID, executionID string, kind MediaKind, mimeType string) (string, error) {
	for name, v := range map[string]string{"tenant id": tenantID, "execution id": executionID} {
		if v == "" || strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
			return "", fmt.Errorf("invalid %s %q", name, v)
		}
	}
	return fmt.Sprintf("tenants/%s/content/%s/%s/%s%s",
		tenantID, executionID, kind, m.newID(), extension(kind, mimeType)), nil
}

// Save uploads data and returns its URL.
func (m *MediaStore) Save(ctx context.Context, tenantID, executionID string, kind MediaKind, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty media payload")
	}

	key, err := m.Key(tenantID, executionID, kind, mimeType)
	if err != nil {
		return "", err
	}
	if err := m.backend.Put(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", fmt.Errorf("uploading %s: %w", kind, err)
	}

	url := m.URL(key)
	log.Debug().
		Str("execution_id", executionID).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Stored generated media")
	return url, nil
}

// URL returns the shareable address of key.
func (m *MediaStore) URL(key string) string {
	if m.publicBaseURL != "" {
		return m.publicBaseURL + "/" + key
	}
	return m.backend.Location(m.bucket, key)
}
