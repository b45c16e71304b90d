// Package retrieval stores knowledge base documents and ranks them against a
// content request with SQLite full-text search.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/watzon/herald/internal/database"
)

// Document is one knowledge base entry. An empty AssistantID shares the
// document with every assistant of the tenant.
type Document struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	AssistantID string    `json:"assistant_id,omitempty"`
	Source      string    `json:"source"`
	Title       string    `json:"title,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// Snippet is a ranked search hit. Lower Score is a better match.
type Snippet struct {
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Title      string  `json:"title,omitempty"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

var (
	ErrNotFound        = errors.New("document not found")
	ErrInvalidDocument = errors.New("invalid document")
)

type Store struct {
	db     *database.DB
	policy *bluemonday.Policy
	now    func() time.Time
}

func NewStore(db *database.DB) *Store {
	return &Store{
		db:     db,
		policy: bluemonday.StrictPolicy(),
		now:    time.Now,
	}
}

// Add indexes a document. HTML markup is stripped before storage so that
// tags never reach the index or a prompt.
func (s *Store) Add(ctx context.Context, doc *Document) error {
	if doc.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidDocument)
	}
	if doc.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidDocument)
	}

	doc.Title = s.clean(doc.Title)
	doc.Content = s.clean(doc.Content)
	if doc.Content == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidDocument)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, assistant_id, source, title, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.TenantID, database.OptionalString(doc.AssistantID), doc.Source, doc.Title, doc.Content,
		database.FormatTime(doc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting document: %w", database.ClassifyError(err))
	}
	return nil
}

func (s *Store) clean(text string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(text))
	return strings.Join(strings.Fields(stripped), " ")
}

// Delete removes a document and its index entry.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSource removes every document indexed from source for the given
// tenant and assistant scope. It returns how many were removed.
func (s *Store) DeleteSource(ctx context.Context, tenantID, assistantID, source string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE tenant_id = ? AND assistant_id IS ? AND source = ?`,
		tenantID, database.OptionalString(assistantID), source,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting documents for source: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of documents visible to the assistant.
func (s *Store) Count(ctx context.Context, tenantID, assistantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents
		WHERE tenant_id = ? AND (assistant_id IS NULL OR assistant_id = ?)`,
		tenantID, assistantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// Retrieve returns up to limit snippets matching query, best first. Documents
// of other tenants and of other assistants are never returned.
func (s *Store) Retrieve(ctx context.Context, tenantID, assistantID, query string, limit int) ([]Snippet, error) {
	match := MatchExpression(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.source, d.title, d.content, bm25(documents_fts) AS score
		FROM documents_fts
		JOIN documents d ON d.rowid = documents_fts.rowid
		WHERE documents_fts MATCH ?
		  AND d.tenant_id = ?
		  AND (d.assistant_id IS NULL OR d.assistant_id = ?)
		ORDER BY score
		LIMIT ?`,
		match, tenantID, assistantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var sn Snippet
		if err := rows.Scan(&sn.DocumentID, &sn.Source, &sn.Title, &sn.Content, &sn.Score); err != nil {
			return nil, fmt.Errorf("scanning snippet: %w", err)
		}
		snippets = append(snippets, sn)
	}
	return snippets, rows.Err()
}

// maxTerms caps the OR expression built from a long request.
const maxTerms = 32

// MatchExpression turns free text into an FTS5 query that matches any of its
// words. Every term is quoted so that FTS5 operators in the input are inert.
// It returns "" when the text has no searchable words.
func MatchExpression(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(words))
	var terms []string
	for _, w := range words {
		if len([]rune(w)) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
		if len(terms) == maxTerms {
			break
		}
	}
	return strings.Join(terms, " OR ")
}
