// Package worker runs queued execution records. A pool of goroutines leases
// dispatch messages, hands each record to the handler registered for its
// request kind and settles the record, the message and the owning schedule.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/executions"
)

// Outcome is what a handler produced for one attempt.
type Outcome struct {
	Status executions.Status
	Result any
	Error  string
}

// Completed reports a usable result.
func Completed(result any) *Outcome {
	return &Outcome{Status: executions.StatusCompleted, Result: result}
}

// Failed reports an attempt that ran to the end without a usable result. It
// is final: failures that should be retried are returned as errors instead.
func Failed(message string, result any) *Outcome {
	return &Outcome{Status: executions.StatusFailed, Result: result, Error: message}
}

// Handler runs one request kind.
type Handler interface {
	Kind() executions.RequestKind
	Execute(ctx context.Context, run *Run) (*Outcome, error)
}

type handlerFunc struct {
	kind executions.RequestKind
	fn   func(ctx context.Context, run *Run) (*Outcome, error)
}

func (h handlerFunc) Kind() executions.RequestKind { return h.kind }

func (h handlerFunc) Execute(ctx context.Context, run *Run) (*Outcome, error) {
	return h.fn(ctx, run)
}

// HandlerFunc adapts a function to Handler.
func HandlerFunc(kind executions.RequestKind, fn func(ctx context.Context, run *Run) (*Outcome, error)) Handler {
	return handlerFunc{kind: kind, fn: fn}
}

// Registry maps request kinds to handlers.
type Registry struct {
	handlers map[executions.RequestKind]Handler
}

// NewRegistry builds a registry. It panics on a kind outside
// executions.Kinds or on a duplicate registration, both of which are wiring
// bugs.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[executions.RequestKind]Handler, len(handlers))}
	for _, h := range handlers {
		kind := h.Kind()
		if !kind.Supported() {
			panic(fmt.Sprintf("worker: handler for unknown request kind %q", kind))
		}
		if _, dup := r.handlers[kind]; dup {
			panic(fmt.Sprintf("worker: duplicate handler for request kind %q", kind))
		}
		r.handlers[kind] = h
	}
	return r
}

// Lookup returns the handler for kind. ok is false for kinds without one.
func (r *Registry) Lookup(kind executions.RequestKind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// UnsupportedMessage is the error recorded for a request kind without a handler.
func UnsupportedMessage(kind executions.RequestKind) string {
	return fmt.Sprintf("request type %q is not supported", kind)
}

// StepAppender persists step ledger entries.
type StepAppender interface {
	AppendStep(ctx context.Context, id string, step executions.Step) error
}

// Run is one attempt at an execution record.
type Run struct {
	Record  *executions.Record
	Attempt int

	steps StepAppender
	mu    sync.Mutex
	log   []executions.Step
}

// NewRun creates a run whose steps are written through steps. A nil steps
// keeps the ledger in memory only.
func NewRun(rec *executions.Record, steps StepAppender) *Run {
	return &Run{Record: rec, Attempt: rec.Attempts, steps: steps}
}

// Step appends an entry to the ledger. A failed write is logged and does not
// stop the run. Safe for concurrent use.
func (r *Run) Step(ctx context.Context, stage string, status executions.StepStatus, detail string) {
	step := executions.Step{Attempt: r.Attempt, Stage: stage, Status: status, Detail: detail}

	if r.steps != nil {
		if err := r.steps.AppendStep(ctx, r.Record.ID, step); err != nil {
			log.Error().
				Err(err).
				Str("execution_id", r.Record.ID).
				Str("stage", stage).
				Msg("Failed to append step")
		}
	}

	r.mu.Lock()
	r.log = append(r.log, step)
	r.mu.Unlock()

	log.Debug().
		Str("execution_id", r.Record.ID).
		Int("attempt", r.Attempt).
		Str("stage", stage).
		Str("status", string(status)).
		Msg(detail)
}

// Steps returns the entries written during this run.
func (r *Run) Steps() []executions.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]executions.Step(nil), r.log...)
}
