// Package migrations provides the embedded SQL schema for Herald's tables.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

//go:embed sql/*.sql
var sqlFS embed.FS

var (
	// ErrModified means an applied migration file no longer matches what ran.
	ErrModified = errors.New("applied migration was modified")
	// ErrUnknown means the database is ahead of this build.
	ErrUnknown = errors.New("database has migrations unknown to this build")
)

// Migration is one embedded schema file and whether it has run.
type Migration struct {
	ID        string
	Checksum  string
	AppliedAt *time.Time
}

// Applied reports whether the migration has run against the database.
func (m Migration) Applied() bool {
	return m.AppliedAt != nil
}

type migration struct {
	id       string
	content  string
	checksum string
}

type record struct {
	checksum  string
	appliedAt time.Time
}

// Run applies every pending migration in file name order, each in its own
// transaction. It refuses to run when an applied file was edited or when the
// database carries migrations this build does not know.
func Run(ctx context.Context, db *sql.DB) error {
	migrations, recorded, err := load(ctx, db)
	if err != nil {
		return err
	}
	if err := verify(migrations, recorded); err != nil {
		return err
	}

	for _, m := range migrations {
		if _, ok := recorded[m.id]; ok {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("applying migration %s: %w", m.id, err)
		}
		log.Info().Str("migration", m.id).Str("checksum", m.checksum[:12]).Msg("Applied migration")
	}
	return nil
}

// Status lists every embedded migration, applied or pending, in order.
func Status(ctx context.Context, db *sql.DB) ([]Migration, error) {
	migrations, recorded, err := load(ctx, db)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		entry := Migration{ID: m.id, Checksum: m.checksum}
		if rec, ok := recorded[m.id]; ok {
			at := rec.appliedAt
			entry.AppliedAt = &at
		}
		out = append(out, entry)
	}
	return out, verify(migrations, recorded)
}

func load(ctx context.Context, db *sql.DB) ([]migration, map[string]record, error) {
	if err := ensureVersionTable(ctx, db); err != nil {
		return nil, nil, fmt.Errorf("ensuring version table: %w", err)
	}
	recorded, err := getAppliedMigrations(ctx, db)
	if err != nil {
		return nil, nil, fmt.Errorf("getting applied migrations: %w", err)
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, nil, fmt.Errorf("loading migrations: %w", err)
	}
	return migrations, recorded, nil
}

func verify(migrations []migration, recorded map[string]record) error {
	known := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		known[m.id] = true
		if rec, ok := recorded[m.id]; ok && rec.checksum != m.checksum {
			return fmt.Errorf("%w: %s", ErrModified, m.id)
		}
	}
	var unknown []string
	for id := range recorded {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s", ErrUnknown, strings.Join(unknown, ", "))
	}
	return nil
}

func ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _herald_versions (
			id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

func getAppliedMigrations(ctx context.Context, db *sql.DB) (map[string]record, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, checksum, applied_at FROM _herald_versions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]record)
	for rows.Next() {
		var id, checksum, appliedAt string
		if err := rows.Scan(&id, &checksum, &appliedAt); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339, appliedAt)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad applied_at %q", id, appliedAt)
		}
		applied[id] = record{checksum: checksum, appliedAt: at}
	}
	return applied, rows.Err()
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("reading sql directory: %w", err)
	}

	migrations := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(sqlFS, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		migrations = append(migrations, migration{
			id:       strings.TrimSuffix(entry.Name(), ".sql"),
			content:  string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].id < migrations[j].id
	})
	return migrations, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(m.content) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing statement: %w\nSQL: %s", err, truncate(stmt, 100))
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _herald_versions (id, checksum, applied_at) VALUES (?, ?, ?)`,
		m.id, m.checksum, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	return tx.Commit()
}

// splitStatements splits SQL content into individual statements.
// Semicolons inside strings, comments and CREATE TRIGGER bodies do not end a statement.
func splitStatements(content string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	inComment := false
	stringChar := rune(0)

	for i, ch := range content {
		if inComment {
			if ch == '\n' {
				inComment = false
				current.WriteRune(ch)
			}
			continue
		}

		if !inString && ch == '-' && i+1 < len(content) && content[i+1] == '-' {
			inComment = true
			continue
		}

		if (ch == '\'' || ch == '"') && (i == 0 || content[i-1] != '\\') {
			if !inString {
				inString = true
				stringChar = ch
			} else if ch == stringChar {
				inString = false
			}
		}

		if ch == ';' && !inString {
			stmt := strings.TrimSpace(current.String())
			if isTrigger(stmt) && !endsTriggerBody(stmt) {
				current.WriteRune(ch)
				continue
			}
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}

		current.WriteRune(ch)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}

func isTrigger(stmt string) bool {
	fields := strings.Fields(strings.ToUpper(stmt))
	if len(fields) < 2 || fields[0] != "CREATE" {
		return false
	}
	if fields[1] == "TEMP" || fields[1] == "TEMPORARY" {
		return len(fields) > 2 && fields[2] == "TRIGGER"
	}
	return fields[1] == "TRIGGER"
}

func endsTriggerBody(stmt string) bool {
	fields := strings.Fields(strings.ToUpper(stmt))
	return len(fields) > 0 && fields[len(fields)-1] == "END"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
