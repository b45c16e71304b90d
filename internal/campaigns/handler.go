package campaigns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/generation"
	"github.com/watzon/herald/internal/pipeline"
	"github.com/watzon/herald/internal/retryable"
	"github.com/watzon/herald/internal/worker"
)

// Ledger stage names.
const (
	StageRetrieval = pipeline.StageRetrieval
	StagePlan      = "plan_generation"
	StageDraft     = "campaign_draft"
)

const (
	defaultDuration = 30
	retrievalLimit  = 10
)

// DefaultChannels are planned when a request names none.
var DefaultChannels = []string{"google_ads", "meta_ads"}

// ErrMissingObjective is returned for a request without an objective.
var ErrMissingObjective = errors.New("campaign objective is required")

// Request is the payload of a create_campaign execution.
type Request struct {
	Objective      string         `json:"objective"`
	Description    string         `json:"description,omitempty"`
	TargetAudience string         `json:"target_audience,omitempty"`
	Budget         float64        `json:"budget"`
	DurationDays   int            `json:"duration_days,omitempty"`
	Channels       []string       `json:"channels,omitempty"`
	CampaignType   string         `json:"campaign_type,omitempty"`
	Brand          pipeline.Brand `json:"brand"`
}

// ParseRequest decodes a create_campaign payload and applies defaults.
func ParseRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode campaign request: %w", err)
	}
	req.Objective = strings.TrimSpace(req.Objective)
	if req.Objective == "" {
		return nil, ErrMissingObjective
	}
	if req.Budget < 0 {
		return nil, errors.New("campaign budget must not be negative")
	}
	if req.DurationDays <= 0 {
		req.DurationDays = defaultDuration
	}
	if len(req.Channels) == 0 {
		req.Channels = append([]string(nil), DefaultChannels...)
	}
	if req.TargetAudience == "" {
		req.TargetAudience = req.Brand.TargetAudience
	}
	return &req, nil
}

// Allocate splits budget evenly across channels, rounded to cents.
func Allocate(budget float64, channels []string) map[string]float64 {
	out := make(map[string]float64, len(channels))
	if len(channels) == 0 {
		return out
	}
	share := math.Round(budget/float64(len(channels))*100) / 100
	for _, ch := range channels {
		out[ch] = share
	}
	return out
}

// PlanPrompt builds the plan generation prompt.
func PlanPrompt(req *Request, kb string) string {
	var b strings.Builder
	b.WriteString("Create a comprehensive marketing campaign plan for:\n")
	fmt.Fprintf(&b, "- Objective: %s\n", req.Objective)
	if req.Description != "" {
		fmt.Fprintf(&b, "- Description: %s\n", req.Description)
	}
	fmt.Fprintf(&b, "- Target Audience: %s\n", req.TargetAudience)
	fmt.Fprintf(&b, "- Budget: $%.2f\n", req.Budget)
	fmt.Fprintf(&b, "- Duration: %d days\n", req.DurationDays)
	fmt.Fprintf(&b, "- Channels: %s\n", strings.Join(req.Channels, ", "))
	if kb != "" {
		fmt.Fprintf(&b, "\nContext from knowledge base:\n%s\n", kb)
	}
	b.WriteString("\nGenerate:\n")
	b.WriteString("1. Campaign strategy and messaging\n")
	b.WriteString("2. Ad copy for each channel (headlines, descriptions)\n")
	b.WriteString("3. Budget allocation across channels\n")
	b.WriteString("4. Campaign timeline\n")
	b.WriteString("\nStart the ad copy of each channel with its own heading line:\n")
	for _, ch := range req.Channels {
		fmt.Fprintf(&b, "%s %s\n", adCopyHeading, ch)
	}
	if req.Brand.Website != "" {
		fmt.Fprintf(&b, "\nInclude the website URL %s in all ad copy where links are needed.\n", req.Brand.Website)
	}
	return b.String()
}

// adCopyHeading prefixes the per-channel section headings PlanPrompt asks for.
const adCopyHeading = "## Ad copy:"

// ExtractAdCopy splits the per-channel ad copy sections out of a generated
// strategy. A section runs from its heading to the next heading of any level.
// Headings match channels case-insensitively, with '_' and ' ' equivalent.
// Channels without a section are left out.
func ExtractAdCopy(strategy string, channels []string) map[string]string {
	byKey := make(map[string]string, len(channels))
	for _, ch := range channels {
		byKey[channelKey(ch)] = ch
	}

	out := make(map[string]string)
	var current string
	var body []string
	flush := func() {
		if current == "" {
			return
		}
		if text := strings.TrimSpace(strings.Join(body, "\n")); text != "" {
			out[current] = text
		}
		current, body = "", nil
	}

	for _, line := range strings.Split(strategy, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if current != "" {
				body = append(body, line)
			}
			continue
		}
		flush()
		heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		lower := strings.ToLower(heading)
		if rest, ok := strings.CutPrefix(lower, "ad copy:"); ok {
			if ch, known := byKey[channelKey(rest)]; known {
				current = ch
			}
		}
	}
	flush()
	return out
}

func channelKey(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(strings.ToLower(s), "_", " ")), " ")
}

// Result is the aggregate stored on a create_campaign execution.
type Result struct {
	CampaignID   string                 `json:"campaign_id"`
	CampaignName string                 `json:"campaign_name"`
	Status       Status                 `json:"status"`
	Plan         Plan                   `json:"plan"`
	Tasks        []executions.Step      `json:"tasks"`
	Summary      executions.StepSummary `json:"summary"`
}

// Handler is the create_campaign handler.
type Handler struct {
	store     *Store
	retriever pipeline.Retriever
	generator generation.Service
	opts      pipeline.Options
	now       func() time.Time
}

// NewHandler creates a Handler. retriever may be nil.
func NewHandler(store *Store, retriever pipeline.Retriever, generator generation.Service, opts pipeline.Options) *Handler {
	if opts.Temperature == 0 {
		opts.Temperature = config.DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = config.DefaultMaxTokens
	}
	if opts.RetrievalLimit <= 0 {
		opts.RetrievalLimit = retrievalLimit
	}
	return &Handler{store: store, retriever: retriever, generator: generator, opts: opts, now: time.Now}
}

// Kind implements worker.Handler.
func (h *Handler) Kind() executions.RequestKind {
	return executions.KindCreateCampaign
}

// Execute implements worker.Handler.
func (h *Handler) Execute(ctx context.Context, run *worker.Run) (*worker.Outcome, error) {
	rec := run.Record

	req, err := ParseRequest(rec.RequestPayload)
	if err != nil {
		return nil, retryable.Permanent(err)
	}

	kb := h.retrieve(ctx, run, req)

	strategy, err := h.generator.Generate(ctx, generation.Request{
		Prompt:            PlanPrompt(req, kb),
		SystemInstruction: pipeline.SystemInstruction(req.Brand),
		Temperature:       h.opts.Temperature,
		MaxTokens:         h.opts.MaxTokens,
	})
	if err == nil && strings.TrimSpace(strategy) == "" {
		err = generation.ErrEmptyResponse
	}
	if err != nil {
		run.Step(ctx, StagePlan, executions.StepFailed, err.Error())
		if retryable.IsTransient(err) {
			return nil, fmt.Errorf("campaign plan: %w", err)
		}
		return worker.Failed("campaign plan generation failed: "+err.Error(), h.result(run, nil)), nil
	}
	run.Step(ctx, StagePlan, executions.StepPassed, "campaign plan generated")

	start := h.now().UTC()
	c := &Campaign{
		TenantID:         rec.TenantID,
		AssistantID:      rec.AssistantID,
		ExecutionID:      rec.ID,
		Name:             req.Objective + " Campaign",
		Description:      req.Description,
		CampaignType:     req.CampaignType,
		Objective:        req.Objective,
		TargetAudience:   req.TargetAudience,
		Budget:           req.Budget,
		DurationDays:     req.DurationDays,
		StartDate:        start.Format(dateLayout),
		EndDate:          start.AddDate(0, 0, req.DurationDays).Format(dateLayout),
		Channels:         req.Channels,
		BudgetAllocation: Allocate(req.Budget, req.Channels),
		Plan: Plan{
			Strategy:       strategy,
			Objective:      req.Objective,
			TargetAudience: req.TargetAudience,
			Budget:         req.Budget,
			DurationDays:   req.DurationDays,
			Channels:       req.Channels,
			AdCopy:         ExtractAdCopy(strategy, req.Channels),
		},
	}

	stored, existed, err := h.store.CreateDraft(ctx, c)
	if err != nil {
		run.Step(ctx, StageDraft, executions.StepFailed, err.Error())
		return nil, err
	}
	detail := "draft " + stored.ID + " created"
	if existed {
		detail = "draft " + stored.ID + " already exists"
	}
	run.Step(ctx, StageDraft, executions.StepPassed, detail)

	log.Info().
		Str("execution_id", rec.ID).
		Str("tenant_id", rec.TenantID).
		Str("campaign_id", stored.ID).
		Msg("Campaign draft created")

	return worker.Completed(h.result(run, stored)), nil
}

func (h *Handler) retrieve(ctx context.Context, run *worker.Run, req *Request) string {
	if h.retriever == nil {
		run.Step(ctx, StageRetrieval, executions.StepSkipped, "no knowledge base configured")
		return ""
	}

	rctx := ctx
	if h.opts.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, h.opts.RetrievalTimeout)
		defer cancel()
	}

	query := strings.TrimSpace(req.Objective + " " + req.Description)
	rec := run.Record
	snippets, err := h.retriever.Retrieve(rctx, rec.TenantID, rec.AssistantID, query, h.opts.RetrievalLimit)
	if err != nil {
		run.Step(ctx, StageRetrieval, executions.StepFailed, err.Error())
		return ""
	}
	run.Step(ctx, StageRetrieval, executions.StepPassed, fmt.Sprintf("retrieved %d snippets", len(snippets)))
	return pipeline.FormatContext(snippets, h.opts.SnippetChars)
}

func (h *Handler) result(run *worker.Run, c *Campaign) *Result {
	steps := run.Steps()
	res := &Result{Tasks: steps, Summary: executions.Summarize(steps)}
	if c != nil {
		res.CampaignID = c.ID
		res.CampaignName = c.Name
		res.Status = c.Status
		res.Plan = c.Plan
	}
	return res
}
