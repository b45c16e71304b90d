package campaigns

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/database"
	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/generation"
	"github.com/watzon/herald/internal/pipeline"
	"github.com/watzon/herald/internal/retrieval"
	"github.com/watzon/herald/internal/retryable"
	"github.com/watzon/herald/internal/worker"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

type fakeGenerator struct {
	text string
	err  error
	req  generation.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req generation.Request) (string, error) {
	f.req = req
	return f.text, f.err
}

func (f *fakeGenerator) GenerateImage(context.Context, string) (*generation.Media, error) {
	return nil, generation.ErrUnavailable
}

func (f *fakeGenerator) GenerateVideo(context.Context, string) (*generation.Media, error) {
	return nil, generation.ErrUnavailable
}

type fakeRetriever struct {
	query string
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _, query string, _ int) ([]retrieval.Snippet, error) {
	f.query = query
	return []retrieval.Snippet{{Source: "pricing.md", Content: "Subscriptions start at $20 a month."}}, nil
}

func newRun(t *testing.T, payload string) *worker.Run {
	t.Helper()
	return worker.NewRun(&executions.Record{
		ID:             "exec-1",
		TenantID:       "tenant-1",
		AssistantID:    "assistant-1",
		RequestType:    executions.KindCreateCampaign,
		RequestPayload: json.RawMessage(payload),
		Attempts:       1,
	}, nil)
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"objective":" Grow subscriptions ","budget":900,"brand":{"target_audience":"remote teams"}}`))
	require.NoError(t, err)
	assert.Equal(t, "Grow subscriptions", req.Objective)
	assert.Equal(t, 30, req.DurationDays)
	assert.Equal(t, []string{"google_ads", "meta_ads"}, req.Channels)
	assert.Equal(t, "remote teams", req.TargetAudience)

	_, err = ParseRequest([]byte(`{"budget":10}`))
	assert.ErrorIs(t, err, ErrMissingObjective)

	_, err = ParseRequest([]byte(`{"objective":"x","budget":-1}`))
	assert.Error(t, err)
}

func TestAllocate(t *testing.T) {
	assert.Equal(t, map[string]float64{"google_ads": 50, "meta_ads": 50}, Allocate(100, []string{"google_ads", "meta_ads"}))
	assert.Equal(t, map[string]float64{"a": 33.33, "b": 33.33, "c": 33.33}, Allocate(100, []string{"a", "b", "c"}))
	assert.Empty(t, Allocate(100, nil))
}

func TestPlanPrompt(t *testing.T) {
	req := &Request{
		Objective:      "Grow subscriptions",
		TargetAudience: "remote teams",
		Budget:         1500,
		DurationDays:   14,
		Channels:       []string{"google_ads"},
		Brand:          pipeline.Brand{Website: "https://beans.example.com"},
	}
	p := PlanPrompt(req, "CTX")
	assert.Contains(t, p, "- Objective: Grow subscriptions\n")
	assert.Contains(t, p, "- Budget: $1500.00\n")
	assert.Contains(t, p, "- Duration: 14 days\n")
	assert.Contains(t, p, "- Channels: google_ads\n")
	assert.Contains(t, p, "Context from knowledge base:\nCTX")
	assert.Contains(t, p, "https://beans.example.com")
	assert.NotContains(t, p, "Description:")
	assert.Contains(t, p, "## Ad copy: google_ads\n")
}

func TestExtractAdCopy(t *testing.T) {
	strategy := `# Strategy
Lead with the free trial.

## Ad copy: Google Ads
Headline: Try Beans free
Description: Two weeks, no card.

### Ad copy: meta_ads
Carousel of three mugs.
## Budget notes
Front-load week one.
## Ad copy: tiktok
Not requested.`

	got := ExtractAdCopy(strategy, []string{"google_ads", "meta_ads", "linkedin"})
	assert.Equal(t, map[string]string{
		"google_ads": "Headline: Try Beans free\nDescription: Two weeks, no card.",
		"meta_ads":   "Carousel of three mugs.",
	}, got)

	assert.Empty(t, ExtractAdCopy("No headings at all.", []string{"google_ads"}))
	assert.Empty(t, ExtractAdCopy("## Ad copy: google_ads\n\n", []string{"google_ads"}))
}

func TestHandler_CreatesDraft(t *testing.T) {
	store := testStore(t)
	gen := &fakeGenerator{text: "Lead with the free trial.\n## Ad copy: google_ads\nSearch: Beans, free for 14 days"}
	retriever := &fakeRetriever{}
	h := NewHandler(store, retriever, gen, pipeline.Options{})
	h.now = func() time.Time { return time.Date(2026, 3, 30, 9, 0, 0, 0, time.UTC) }

	run := newRun(t, `{"objective":"Grow subscriptions","description":"Q2 push","budget":1000,"channels":["google_ads","meta_ads"]}`)
	outcome, err := h.Execute(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, executions.StatusCompleted, outcome.Status)

	res := outcome.Result.(*Result)
	assert.Equal(t, "Grow subscriptions Campaign", res.CampaignName)
	assert.Equal(t, StatusDraft, res.Status)
	assert.Equal(t, gen.text, res.Plan.Strategy)
	assert.Equal(t, executions.StepSummary{Total: 3, Passed: 3}, res.Summary)
	assert.Equal(t, "Grow subscriptions Q2 push", retriever.query)
	assert.Contains(t, gen.req.Prompt, "RELEVANT CONTEXT FROM KNOWLEDGE BASE:")
	assert.InDelta(t, 0.7, gen.req.Temperature, 0.001)

	c, err := store.Get(context.Background(), "tenant-1", res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", c.ExecutionID)
	assert.Equal(t, "2026-03-30", c.StartDate)
	assert.Equal(t, "2026-04-29", c.EndDate)
	assert.Equal(t, map[string]float64{"google_ads": 500, "meta_ads": 500}, c.BudgetAllocation)
	assert.Equal(t, "brand_awareness", c.CampaignType)
	assert.Equal(t, "Q2 push", c.Description)
	assert.Equal(t, map[string]string{"google_ads": "Search: Beans, free for 14 days"}, c.Plan.AdCopy)

	// A retried attempt reuses the draft.
	again, err := h.Execute(context.Background(), newRun(t, `{"objective":"Grow subscriptions","budget":1000}`))
	require.NoError(t, err)
	assert.Equal(t, res.CampaignID, again.Result.(*Result).CampaignID)

	list, err := store.List(context.Background(), "tenant-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestHandler_PlanFailure(t *testing.T) {
	t.Run("permanent", func(t *testing.T) {
		h := NewHandler(testStore(t), nil, &fakeGenerator{err: errors.New("prompt blocked")}, pipeline.Options{})
		outcome, err := h.Execute(context.Background(), newRun(t, `{"objective":"Grow"}`))
		require.NoError(t, err)
		assert.Equal(t, executions.StatusFailed, outcome.Status)
		assert.Equal(t, "campaign plan generation failed: prompt blocked", outcome.Error)

		res := outcome.Result.(*Result)
		assert.Empty(t, res.CampaignID)
		assert.Equal(t, executions.StepSummary{Total: 2, Failed: 1, Skipped: 1}, res.Summary)
	})

	t.Run("transient", func(t *testing.T) {
		h := NewHandler(testStore(t), nil, &fakeGenerator{err: &retryable.StatusError{Service: "gemini", Code: 429}}, pipeline.Options{})
		outcome, err := h.Execute(context.Background(), newRun(t, `{"objective":"Grow"}`))
		require.Error(t, err)
		assert.Nil(t, outcome)
		assert.True(t, retryable.IsTransient(err))
	})

	t.Run("empty", func(t *testing.T) {
		h := NewHandler(testStore(t), nil, &fakeGenerator{text: "  "}, pipeline.Options{})
		outcome, err := h.Execute(context.Background(), newRun(t, `{"objective":"Grow"}`))
		require.NoError(t, err)
		assert.Equal(t, executions.StatusFailed, outcome.Status)
	})
}

func TestHandler_InvalidPayload(t *testing.T) {
	h := NewHandler(testStore(t), nil, &fakeGenerator{text: "plan"}, pipeline.Options{})
	_, err := h.Execute(context.Background(), newRun(t, `{"budget":5}`))
	assert.ErrorIs(t, err, ErrMissingObjective)
	assert.False(t, retryable.IsTransient(err))
}

func TestStore_SetStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	c, existed, err := store.CreateDraft(ctx, &Campaign{
		TenantID:    "tenant-1",
		AssistantID: "assistant-1",
		ExecutionID: "exec-9",
		Name:        "Launch Campaign",
		Objective:   "Launch",
		StartDate:   "2026-01-01",
		EndDate:     "2026-01-31",
	})
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, StatusDraft, c.Status)

	require.NoError(t, store.SetStatus(ctx, "tenant-1", c.ID, StatusActive))
	got, err := store.GetByExecution(ctx, "exec-9")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, got.Channels)

	assert.ErrorIs(t, store.SetStatus(ctx, "tenant-1", c.ID, "launched"), ErrInvalidStatus)
	assert.ErrorIs(t, store.SetStatus(ctx, "tenant-2", c.ID, StatusPaused), ErrNotFound)

	_, err = store.Get(ctx, "tenant-2", c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
