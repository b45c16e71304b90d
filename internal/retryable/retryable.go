// Package retryable sorts errors into the ones worth another delivery and the
// ones that will fail the same way every time.
package retryable

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/watzon/herald/internal/database"
)

// Class is the retry classification of an error.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

type classified struct {
	class Class
	err   error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassPermanent, err: err}
}

// Permanentf is Permanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassTransient, err: err}
}

// StatusError is a non-2xx response from an upstream HTTP API.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.Code, body)
}

// Temporary reports whether the status code is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests ||
		e.Code == http.StatusRequestTimeout ||
		e.Code >= 500
}

var transientMessages = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"rate limit",
	"resource exhausted",
	"unavailable",
}

// Classify returns the retry class of err. Explicit marks win; otherwise
// network failures, deadlines, SQLite lock contention and retryable HTTP
// statuses are transient and everything else is permanent.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var c *classified
	if errors.As(err, &c) {
		return c.class
	}

	var status *StatusError
	if errors.As(err, &status) {
		if status.Temporary() {
			return ClassTransient
		}
		return ClassPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	if database.IsBusyError(err) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientMessages {
		if strings.Contains(msg, pattern) {
			return ClassTransient
		}
	}

	return ClassPermanent
}

// IsTransient reports whether Classify(err) is ClassTransient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
