// Package executions holds the durable record of each unit of agent work and the
// state machine that governs it.
package executions

import (
	"encoding/json"
	"errors"
	"time"
)

// Status represents where an execution is in its lifecycle.
type Status string

const (
	// StatusQueued indicates the execution is waiting for a worker.
	StatusQueued Status = "queued"
	// StatusRunning indicates a worker has claimed the execution.
	StatusRunning Status = "running"
	// StatusCompleted indicates the execution produced a usable result.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the execution ended without a usable result.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the execution was withdrawn before a worker claimed it.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RequestKind is the closed set of request types a worker knows how to run.
type RequestKind string

const (
	KindCreateContent  RequestKind = "create_content"
	KindCreateCampaign RequestKind = "create_campaign"
)

// Kinds lists every supported request kind.
var Kinds = []RequestKind{KindCreateContent, KindCreateCampaign}

// Supported reports whether k is one of Kinds.
func (k RequestKind) Supported() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// StepStatus is the outcome of one pipeline stage.
type StepStatus string

const (
	StepPassed  StepStatus = "PASSED"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
	StepPartial StepStatus = "PARTIAL"
)

// Step is one entry of the append-only step ledger.
type Step struct {
	Attempt   int        `json:"attempt"`
	Stage     string     `json:"stage"`
	Status    StepStatus `json:"status"`
	Detail    string     `json:"detail,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// StepSummary counts ledger entries by status.
type StepSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Partial int `json:"partial"`
}

// Summarize counts the given steps by status.
func Summarize(steps []Step) StepSummary {
	sum := StepSummary{Total: len(steps)}
	for _, s := range steps {
		switch s.Status {
		case StepPassed:
			sum.Passed++
		case StepFailed:
			sum.Failed++
		case StepSkipped:
			sum.Skipped++
		case StepPartial:
			sum.Partial++
		}
	}
	return sum
}

// Record is the durable row for one execution.
type Record struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	AssistantID    string          `json:"assistant_id"`
	CapabilityID   string          `json:"capability_id,omitempty"`
	ScheduleID     string          `json:"schedule_id,omitempty"`
	RequestType    RequestKind     `json:"request_type"`
	RequestPayload json.RawMessage `json:"request_payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	InitiatedBy    string          `json:"initiated_by,omitempty"`
	Steps          []Step          `json:"steps"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMs     *int64          `json:"duration_ms,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CurrentSteps returns the ledger entries written by the latest attempt.
func (r *Record) CurrentSteps() []Step {
	var steps []Step
	for _, s := range r.Steps {
		if s.Attempt == r.Attempts {
			steps = append(steps, s)
		}
	}
	return steps
}

// Filter narrows List results. Empty fields are ignored.
type Filter struct {
	TenantID    string
	AssistantID string
	ScheduleID  string
	Status      Status
	RequestType RequestKind
}

var (
	ErrNotFound          = errors.New("execution not found")
	ErrInvalidTransition = errors.New("invalid execution status transition")
)
