// Package connections stores the per-tenant credentials used to publish to
// external channels.
package connections

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

// Page is a Facebook page the connected account manages.
type Page struct {
	ID                         string `json:"id"`
	Name                       string `json:"name,omitempty"`
	AccessToken                string `json:"access_token,omitempty"`
	IsDefault                  bool   `json:"is_default,omitempty"`
	InstagramBusinessAccountID string `json:"instagram_business_account_id,omitempty"`
}

// Organization is a LinkedIn organization or member the account can post as.
type Organization struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	IsDefault      bool   `json:"is_default,omitempty"`
	IsOrganization bool   `json:"is_organization,omitempty"`
}

// Account is channel-specific metadata captured when the connection was made.
type Account struct {
	PlatformUserID string            `json:"platform_user_id,omitempty" yaml:"platform_user_id,omitempty"`
	IGUserID       string            `json:"ig_user_id,omitempty" yaml:"ig_user_id,omitempty"`
	Pages          []Page            `json:"pages,omitempty" yaml:"pages,omitempty"`
	Organizations  []Organization    `json:"organizations,omitempty" yaml:"organizations,omitempty"`
	Extra          map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Connection is an authorized channel account. An empty AssistantID makes the
// connection available to every assistant of the tenant.
type Connection struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	AssistantID    string     `json:"assistant_id,omitempty"`
	Channel        string     `json:"channel"`
	AccountName    string     `json:"account_name,omitempty"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Account        Account    `json:"-"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

var (
	ErrNoConnection = errors.New("no active connection")
	ErrNotFound     = errors.New("connection not found")
	ErrInvalid      = errors.New("invalid connection")
)

// Store persists connections with their tokens and account metadata sealed.
type Store struct {
	db     *database.DB
	sealer *Sealer
	now    func() time.Time
}

func NewStore(db *database.DB, sealer *Sealer) *Store {
	return &Store{db: db, sealer: sealer, now: time.Now}
}

const connectionColumns = `
	id, tenant_id, assistant_id, channel, account_name, access_token, refresh_token,
	token_expires_at, account, is_active, created_at, updated_at
`

// Save creates the connection for (tenant, assistant, channel) or replaces the
// credentials of the existing one. The connection is left active.
func (s *Store) Save(ctx context.Context, c *Connection) error {
	if c.TenantID == "" || c.Channel == "" {
		return fmt.Errorf("%w: tenant id and channel are required", ErrInvalid)
	}
	if c.AccessToken == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalid)
	}

	access, err := s.sealer.Seal(c.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.sealer.Seal(c.RefreshToken)
	if err != nil {
		return err
	}
	accountJSON, err := json.Marshal(c.Account)
	if err != nil {
		return fmt.Errorf("encoding account: %w", err)
	}
	account, err := s.sealer.Seal(string(accountJSON))
	if err != nil {
		return err
	}

	now := s.now().UTC()
	c.IsActive = true
	c.UpdatedAt = now

	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM channel_connections
			WHERE tenant_id = ? AND assistant_id IS ? AND channel = ?`,
			c.TenantID, database.OptionalString(c.AssistantID), c.Channel,
		).Scan(&existing)

		switch {
		case err == nil:
			c.ID = existing
			_, err = tx.ExecContext(ctx, `
				UPDATE channel_connections
				SET account_name = ?, access_token = ?, refresh_token = ?, token_expires_at = ?,
				    account = ?, is_active = 1, updated_at = ?
				WHERE id = ?`,
				database.OptionalString(c.AccountName), access, database.OptionalString(refresh),
				database.NullString(c.TokenExpiresAt), account, database.FormatTime(now), c.ID,
			)
		case errors.Is(err, sql.ErrNoRows):
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.CreatedAt = now
			_, err = tx.ExecContext(ctx, `
				INSERT INTO channel_connections (`+connectionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				c.ID, c.TenantID, database.OptionalString(c.AssistantID), c.Channel,
				database.OptionalString(c.AccountName), access, database.OptionalString(refresh),
				database.NullString(c.TokenExpiresAt), account, database.FormatTime(now), database.FormatTime(now),
			)
		}
		if err != nil {
			return fmt.Errorf("saving connection: %w", database.ClassifyError(err))
		}
		return nil
	})
}

// Lookup returns the active connection an assistant publishes through. A
// connection bound to the assistant wins over a tenant-wide one.
func (s *Store) Lookup(ctx context.Context, tenantID, assistantID, channel string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM channel_connections
		WHERE tenant_id = ? AND channel = ? AND is_active = 1
		  AND (assistant_id = ? OR assistant_id IS NULL)
		ORDER BY assistant_id IS NULL
		LIMIT 1`,
		tenantID, channel, assistantID,
	)
	c, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoConnection
	}
	if err != nil {
		return nil, fmt.Errorf("looking up connection: %w", err)
	}
	return c, nil
}

// List returns a tenant's connections ordered by channel.
func (s *Store) List(ctx context.Context, tenantID string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM channel_connections
		WHERE tenant_id = ?
		ORDER BY channel, assistant_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetActive enables or disables a connection.
func (s *Store) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE channel_connections SET is_active = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`,
		active, database.FormatTime(s.now()), id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row scanner) (*Connection, error) {
	var c Connection
	var assistantID, accountName, refresh, expiresAt sql.NullString
	var access, account, createdAt, updatedAt string

	if err := row.Scan(
		&c.ID, &c.TenantID, &assistantID, &c.Channel, &accountName, &access, &refresh,
		&expiresAt, &account, &c.IsActive, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if c.AccessToken, err = s.sealer.Open(access); err != nil {
		return nil, fmt.Errorf("opening access token: %w", err)
	}
	if c.RefreshToken, err = s.sealer.Open(refresh.String); err != nil {
		return nil, fmt.Errorf("opening refresh token: %w", err)
	}
	accountJSON, err := s.sealer.Open(account)
	if err != nil {
		return nil, fmt.Errorf("opening account: %w", err)
	}
	if accountJSON != "" {
		if err := json.Unmarshal([]byte(accountJSON), &c.Account); err != nil {
			return nil, fmt.Errorf("decoding account: %w", err)
		}
	}

	c.AssistantID = assistantID.String
	c.AccountName = accountName.String
	c.TokenExpiresAt = database.NullTime(expiresAt)
	c.CreatedAt, _ = database.ParseTime(createdAt)
	c.UpdatedAt, _ = database.ParseTime(updatedAt)
	return &c, nil
}
