// Package content records the posts an execution published, one row per
// execution and channel.
package content

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

const (
	StatusPublished = "published"
	TypeSocialPost  = "social_post"
)

// Item is a published post.
type Item struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	AssistantID    string         `json:"assistant_id"`
	ExecutionID    string         `json:"execution_id"`
	Channel        string         `json:"channel"`
	ContentType    string         `json:"content_type"`
	Body           string         `json:"content"`
	Images         []string       `json:"images"`
	Videos         []string       `json:"videos"`
	PublishStatus  string         `json:"publish_status"`
	PlatformPostID string         `json:"platform_post_id,omitempty"`
	PublishedAt    *time.Time     `json:"published_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

var ErrNotFound = errors.New("content item not found")

type Store struct {
	db  *database.DB
	now func() time.Time
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const itemColumns = `
	id, tenant_id, assistant_id, execution_id, channel, content_type, body,
	images, videos, publish_status, platform_post_id, published_at, metadata,
	created_at, updated_at
`

// Record stores a published post. An execution publishes to a channel at most
// once: when a row for the same execution and channel exists, it is returned
// unchanged and existed is true.
func (s *Store) Record(ctx context.Context, item *Item) (stored *Item, existed bool, err error) {
	if item.ExecutionID == "" || item.Channel == "" {
		return nil, false, errors.New("execution id and channel are required")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.ContentType == "" {
		item.ContentType = TypeSocialPost
	}
	if item.PublishStatus == "" {
		item.PublishStatus = StatusPublished
	}
	now := s.now().UTC()
	if item.PublishedAt == nil && item.PublishStatus == StatusPublished {
		item.PublishedAt = &now
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	images, err := json.Marshal(nonNil(item.Images))
	if err != nil {
		return nil, false, fmt.Errorf("encoding images: %w", err)
	}
	videos, err := json.Marshal(nonNil(item.Videos))
	if err != nil {
		return nil, false, fmt.Errorf("encoding videos: %w", err)
	}
	meta := item.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, false, fmt.Errorf("encoding metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, channel) DO NOTHING`,
		item.ID, item.TenantID, item.AssistantID, item.ExecutionID, item.Channel, item.ContentType, item.Body,
		string(images), string(videos), item.PublishStatus, database.OptionalString(item.PlatformPostID),
		database.NullString(item.PublishedAt), string(metadata),
		database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting content item: %w", database.ClassifyError(err))
	}

	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.Find(ctx, item.ExecutionID, item.Channel)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	return item, false, nil
}

// Find returns the post an execution published to channel.
func (s *Store) Find(ctx context.Context, executionID, channel string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM content_items
		WHERE execution_id = ? AND channel = ?`,
		executionID, channel,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting content item: %w", err)
	}
	return item, nil
}

// Get returns an item by id.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting content item: %w", err)
	}
	return item, nil
}

// ListByExecution returns the posts of one execution ordered by channel.
func (s *Store) ListByExecution(ctx context.Context, executionID string) ([]*Item, error) {
	return s.query(ctx, `
		SELECT `+itemColumns+` FROM content_items
		WHERE execution_id = ?
		ORDER BY channel`, executionID)
}

// List returns a tenant's posts, newest first.
func (s *Store) List(ctx context.Context, tenantID string, limit, offset int) ([]*Item, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `
		SELECT `+itemColumns+` FROM content_items
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, tenantID, limit, offset)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing content items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning content item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var item Item
	var postID, publishedAt sql.NullString
	var images, videos, metadata, createdAt, updatedAt string

	if err := row.Scan(
		&item.ID, &item.TenantID, &item.AssistantID, &item.ExecutionID, &item.Channel, &item.ContentType, &item.Body,
		&images, &videos, &item.PublishStatus, &postID, &publishedAt, &metadata,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	item.PlatformPostID = postID.String
	item.PublishedAt = database.NullTime(publishedAt)
	if err := json.Unmarshal([]byte(images), &item.Images); err != nil {
		return nil, fmt.Errorf("decoding images: %w", err)
	}
	if err := json.Unmarshal([]byte(videos), &item.Videos); err != nil {
		return nil, fmt.Errorf("decoding videos: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	item.CreatedAt, _ = database.ParseTime(createdAt)
	item.UpdatedAt, _ = database.ParseTime(updatedAt)
	return &item, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
