package database

import (
	"database/sql"
	"errors"
	"regexp"
	"strings"
)

var (
	ErrForeignKey      = errors.New("foreign key constraint failed")
	ErrUniqueViolation = errors.New("unique constraint violated")
	ErrNotNull         = errors.New("not null constraint failed")
	ErrCheckConstraint = errors.New("check constraint failed")
)

// ConstraintError describes a rejected write in terms an API caller can act on.
type ConstraintError struct {
	Type    string
	Table   string
	Column  string
	Message string
	Cause   error
}

func (e *ConstraintError) Error() string {
	return e.Message
}

func (e *ConstraintError) Unwrap() error {
	return e.Cause
}

// constraintRule maps one SQLite constraint message to a ConstraintError.
// The optional capture group holds "table.column" or a constraint name.
type constraintRule struct {
	kind    string
	pattern *regexp.Regexp
	cause   error
	generic string
	named   func(column string) string
}

var constraintRules = []constraintRule{
	{
		kind:    "foreign_key",
		pattern: regexp.MustCompile(`FOREIGN KEY constraint failed`),
		cause:   ErrForeignKey,
		generic: "Referenced record does not exist",
	},
	{
		kind:    "unique",
		pattern: regexp.MustCompile(`UNIQUE constraint failed: ([^\s,]+)`),
		cause:   ErrUniqueViolation,
		generic: "A record with this value already exists",
		named:   func(c string) string { return "A record with this '" + c + "' already exists" },
	},
	{
		kind:    "not_null",
		pattern: regexp.MustCompile(`NOT NULL constraint failed: ([^\s]+)`),
		cause:   ErrNotNull,
		generic: "Required field is missing",
		named:   func(c string) string { return "Field '" + c + "' is required" },
	},
	{
		kind:    "check",
		pattern: regexp.MustCompile(`CHECK constraint failed: ?([^\s]*)`),
		cause:   ErrCheckConstraint,
		generic: "Value does not meet requirements",
		named:   func(c string) string { return "Invalid value for '" + c + "'" },
	},
}

// ClassifyError converts SQLite constraint failures into *ConstraintError and
// returns any other error unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	for _, rule := range constraintRules {
		m := rule.pattern.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		ce := &ConstraintError{Type: rule.kind, Cause: rule.cause, Message: rule.generic}
		if len(m) == 2 && m[1] != "" {
			if table, column, ok := strings.Cut(m[1], "."); ok {
				ce.Table, ce.Column = table, column
			} else {
				ce.Column = m[1]
			}
			if rule.named != nil {
				ce.Message = rule.named(ce.Column)
			}
		}
		return ce
	}
	return err
}

// IsConstraintError reports whether err is a rejected write the caller can fix.
func IsConstraintError(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

func IsUniqueError(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}

// IsBusyError reports whether err came from SQLite lock contention.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
