// Package campaigns plans advertising campaigns and keeps them as drafts until
// an operator approves them.
package campaigns

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

// Status is the lifecycle state of a campaign.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

const dateLayout = "2006-01-02"

// Plan is the generated campaign plan.
type Plan struct {
	Strategy       string            `json:"strategy"`
	Objective      string            `json:"objective"`
	TargetAudience string            `json:"target_audience"`
	Budget         float64           `json:"budget"`
	DurationDays   int               `json:"duration_days"`
	Channels       []string          `json:"channels"`
	AdCopy         map[string]string `json:"ad_copy"`
}

// Campaign is a stored campaign.
type Campaign struct {
	ID               string             `json:"id"`
	TenantID         string             `json:"tenant_id"`
	AssistantID      string             `json:"assistant_id"`
	ExecutionID      string             `json:"execution_id"`
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	CampaignType     string             `json:"campaign_type"`
	Objective        string             `json:"objective"`
	TargetAudience   string             `json:"target_audience,omitempty"`
	Budget           float64            `json:"budget"`
	DurationDays     int                `json:"duration_days"`
	StartDate        string             `json:"start_date"`
	EndDate          string             `json:"end_date"`
	Channels         []string           `json:"channels"`
	BudgetAllocation map[string]float64 `json:"budget_allocation"`
	Plan             Plan               `json:"plan"`
	Status           Status             `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

var (
	ErrNotFound      = errors.New("campaign not found")
	ErrInvalidStatus = errors.New("invalid campaign status")
)

type Store struct {
	db  *database.DB
	now func() time.Time
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const campaignColumns = `
	id, tenant_id, assistant_id, execution_id, name, description, campaign_type,
	objective, target_audience, budget, duration_days, start_date, end_date,
	channels, budget_allocation, plan, status, created_at, updated_at
`

// CreateDraft stores c as a draft. An execution owns at most one campaign:
// when one exists for c.ExecutionID it is returned and existed is true.
func (s *Store) CreateDraft(ctx context.Context, c *Campaign) (stored *Campaign, existed bool, err error) {
	if c.ExecutionID == "" || c.TenantID == "" {
		return nil, false, errors.New("tenant id and execution id are required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CampaignType == "" {
		c.CampaignType = "brand_awareness"
	}
	c.Status = StatusDraft
	now := s.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	channels, err := json.Marshal(nonNil(c.Channels))
	if err != nil {
		return nil, false, fmt.Errorf("encoding channels: %w", err)
	}
	alloc := c.BudgetAllocation
	if alloc == nil {
		alloc = map[string]float64{}
	}
	allocation, err := json.Marshal(alloc)
	if err != nil {
		return nil, false, fmt.Errorf("encoding budget allocation: %w", err)
	}
	plan, err := json.Marshal(c.Plan)
	if err != nil {
		return nil, false, fmt.Errorf("encoding plan: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO NOTHING`,
		c.ID, c.TenantID, c.AssistantID, c.ExecutionID, c.Name, c.Description, c.CampaignType,
		c.Objective, database.OptionalString(c.TargetAudience), c.Budget, c.DurationDays, c.StartDate, c.EndDate,
		string(channels), string(allocation), string(plan), string(c.Status),
		database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting campaign: %w", database.ClassifyError(err))
	}

	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetByExecution(ctx, c.ExecutionID)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	return c, false, nil
}

// Get returns a tenant's campaign by id.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Campaign, error) {
	return s.one(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE tenant_id = ? AND id = ?`, tenantID, id)
}

// GetByExecution returns the campaign created by an execution.
func (s *Store) GetByExecution(ctx context.Context, executionID string) (*Campaign, error) {
	return s.one(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE execution_id = ?`, executionID)
}

// List returns a tenant's campaigns, newest first.
func (s *Store) List(ctx context.Context, tenantID string, limit, offset int) ([]*Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetStatus moves a campaign to status.
func (s *Store) SetStatus(ctx context.Context, tenantID, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(status), database.FormatTime(s.now()), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) one(ctx context.Context, q string, args ...any) (*Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting campaign: %w", err)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (*Campaign, error) {
	var c Campaign
	var audience sql.NullString
	var status, channels, allocation, plan, createdAt, updatedAt string

	if err := row.Scan(
		&c.ID, &c.TenantID, &c.AssistantID, &c.ExecutionID, &c.Name, &c.Description, &c.CampaignType,
		&c.Objective, &audience, &c.Budget, &c.DurationDays, &c.StartDate, &c.EndDate,
		&channels, &allocation, &plan, &status, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	c.TargetAudience = audience.String
	c.Status = Status(status)
	if err := json.Unmarshal([]byte(channels), &c.Channels); err != nil {
		return nil, fmt.Errorf("decoding channels: %w", err)
	}
	if err := json.Unmarshal([]byte(allocation), &c.BudgetAllocation); err != nil {
		return nil, fmt.Errorf("decoding budget allocation: %w", err)
	}
	if err := json.Unmarshal([]byte(plan), &c.Plan); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	c.CreatedAt, _ = database.ParseTime(createdAt)
	c.UpdatedAt, _ = database.ParseTime(updatedAt)
	return &c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
