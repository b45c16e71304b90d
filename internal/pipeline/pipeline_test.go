package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/herald/internal/enrich"
	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/generation"
	"github.com/watzon/herald/internal/publish"
	"github.com/watzon/herald/internal/retrieval"
	"github.com/watzon/herald/internal/retryable"
	"github.com/watzon/herald/internal/storage"
	"github.com/watzon/herald/internal/worker"
)

type fakeRetriever struct {
	snippets []retrieval.Snippet
	err      error
	query    string
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _, query string, _ int) ([]retrieval.Snippet, error) {
	f.query = query
	return f.snippets, f.err
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts map[string]string
	errs    map[string]error
	image   error
	video   error
}

// channelOf recovers the channel a prompt was built for from its guideline.
func channelOf(prompt string) string {
	for _, ch := range []string{"linkedin", "twitter", "facebook", "instagram", "tiktok"} {
		if strings.HasSuffix(prompt, Guideline(ch)) {
			return ch
		}
	}
	return GeneralChannel
}

func (f *fakeGenerator) Generate(_ context.Context, req generation.Request) (string, error) {
	ch := channelOf(req.Prompt)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prompts == nil {
		f.prompts = map[string]string{}
	}
	f.prompts[ch] = req.Prompt

	if err := f.errs[ch]; err != nil {
		return "", err
	}
	return "Post for " + ch, nil
}

func (f *fakeGenerator) GenerateImage(context.Context, string) (*generation.Media, error) {
	if f.image != nil {
		return nil, f.image
	}
	return &generation.Media{Data: []byte("png"), MIMEType: "image/png"}, nil
}

func (f *fakeGenerator) GenerateVideo(context.Context, string) (*generation.Media, error) {
	if f.video != nil {
		return nil, f.video
	}
	return &generation.Media{Data: []byte("mp4"), MIMEType: "video/mp4"}, nil
}

func (f *fakeGenerator) prompt(ch string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[ch]
}

type fakeMedia struct {
	saved []storage.MediaKind
}

func (f *fakeMedia) Save(_ context.Context, tenantID, executionID string, kind storage.MediaKind, _ []byte, _ string) (string, error) {
	f.saved = append(f.saved, kind)
	return fmt.Sprintf("https://cdn.example.com/tenants/%s/content/%s/%s/1", tenantID, executionID, kind), nil
}

type fakePublisher struct {
	job     publish.Job
	outcome func(channel string) publish.ChannelResult
}

func (f *fakePublisher) Publish(_ context.Context, job publish.Job) []publish.ChannelResult {
	f.job = job
	results := make([]publish.ChannelResult, 0, len(job.Channels))
	for _, ch := range job.Channels {
		if job.Contents[ch] == "" {
			results = append(results, publish.ChannelResult{Channel: ch, Status: publish.StatusSkipped, Error: "no content generated for this channel"})
			continue
		}
		if f.outcome != nil {
			results = append(results, f.outcome(ch))
			continue
		}
		results = append(results, publish.ChannelResult{
			Channel:       ch,
			Status:        publish.StatusPublished,
			ContentItemID: "item-" + ch,
			PostID:        "post-" + ch,
		})
	}
	return results
}

func newRun(t *testing.T, req ContentRequest) *worker.Run {
	t.Helper()

	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return worker.NewRun(&executions.Record{
		ID:             "exec-1",
		TenantID:       "tenant-1",
		AssistantID:    "assistant-1",
		RequestType:    executions.KindCreateContent,
		RequestPayload: payload,
		Attempts:       1,
	}, nil)
}

func stages(steps []executions.Step) map[string]executions.StepStatus {
	out := make(map[string]executions.StepStatus, len(steps))
	for _, s := range steps {
		out[s.Stage] = s.Status
	}
	return out
}

func TestExecute_PublishesEveryChannel(t *testing.T) {
	retriever := &fakeRetriever{snippets: []retrieval.Snippet{{
		Source:  "menu.md",
		Content: "Our single origin espresso beans are roasted weekly. Espresso flights pair each roast with tasting notes.",
	}}}
	gen := &fakeGenerator{}
	pub := &fakePublisher{}

	p := New(Deps{
		Retriever: retriever,
		Enricher:  enrich.NewExtractor(),
		Generator: gen,
		Publisher: pub,
	}, Options{})

	run := newRun(t, ContentRequest{
		Request:  "Announce our espresso flights",
		Channels: []string{"linkedin", "twitter"},
		Brand:    Brand{Voice: "warm", Website: "https://beans.example.com"},
	})

	outcome, err := p.Execute(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, executions.StatusCompleted, outcome.Status)

	res := outcome.Result.(*Result)
	assert.Equal(t, "Post for linkedin", res.Content)
	assert.Equal(t, map[string]string{"linkedin": "Post for linkedin", "twitter": "Post for twitter"}, res.ChannelContents)
	assert.Equal(t, []string{"linkedin", "twitter"}, res.ChannelsPublished)
	assert.Equal(t, []string{"item-linkedin", "item-twitter"}, res.ContentItems)
	assert.Empty(t, res.Images)
	assert.Empty(t, res.Videos)

	assert.Equal(t, map[string]executions.StepStatus{
		StageRetrieval:  executions.StepPassed,
		StageEnrichment: executions.StepPassed,
		StageGeneration: executions.StepPassed,
		StageImage:      executions.StepSkipped,
		StageVideo:      executions.StepSkipped,
		StagePublish:    executions.StepPassed,
	}, stages(res.Steps))
	assert.Equal(t, executions.StepSummary{Total: 6, Passed: 4, Skipped: 2}, res.Summary)

	prompt := gen.prompt("linkedin")
	assert.True(t, strings.HasPrefix(prompt, "Announce our espresso flights"))
	assert.Contains(t, prompt, "RELEVANT CONTEXT FROM KNOWLEDGE BASE:\n\n[1] Source: menu.md")
	assert.Contains(t, prompt, "Relevant Keywords: espresso")
	assert.Contains(t, prompt, "https://beans.example.com")
	assert.Contains(t, prompt, "Platform Requirements: LinkedIn")

	assert.Equal(t, "Announce our espresso flights", retriever.query)
	assert.Equal(t, "exec-1", pub.job.ExecutionID)
	assert.Equal(t, "assistant-1", pub.job.AssistantID)
}

func TestExecute_PartialGeneration(t *testing.T) {
	gen := &fakeGenerator{errs: map[string]error{"twitter": errors.New("blocked by safety filter")}}
	pub := &fakePublisher{}
	p := New(Deps{Generator: gen, Publisher: pub}, Options{})

	outcome, err := p.Execute(context.Background(), newRun(t, ContentRequest{
		Request:  "Launch week",
		Channels: []string{"linkedin", "twitter"},
	}))
	require.NoError(t, err)
	require.Equal(t, executions.StatusCompleted, outcome.Status)

	res := outcome.Result.(*Result)
	st := stages(res.Steps)
	assert.Equal(t, executions.StepSkipped, st[StageRetrieval])
	assert.Equal(t, executions.StepSkipped, st[StageEnrichment])
	assert.Equal(t, executions.StepPartial, st[StageGeneration])
	assert.Equal(t, executions.StepPartial, st[StagePublish])
	assert.Equal(t, []string{"linkedin"}, res.ChannelsPublished)

	for _, s := range res.Steps {
		if s.Stage == StageGeneration {
			assert.Equal(t, "generated content for 1 of 2 channels (failed: twitter)", s.Detail)
		}
		if s.Stage == StagePublish {
			assert.Equal(t, "1 published, 0 failed, 1 skipped", s.Detail)
		}
	}
}

func TestExecute_NoContentGenerated(t *testing.T) {
	t.Run("permanent failures are final", func(t *testing.T) {
		gen := &fakeGenerator{errs: map[string]error{
			"linkedin": errors.New("invalid prompt"),
			"twitter":  errors.New("invalid prompt"),
		}}
		pub := &fakePublisher{}
		p := New(Deps{Generator: gen, Publisher: pub}, Options{})

		outcome, err := p.Execute(context.Background(), newRun(t, ContentRequest{
			Request:  "Launch week",
			Channels: []string{"linkedin", "twitter"},
		}))
		require.NoError(t, err)
		assert.Equal(t, executions.StatusFailed, outcome.Status)
		assert.Equal(t, "no content generated for any channel", outcome.Error)

		res := outcome.Result.(*Result)
		assert.Equal(t, executions.StepFailed, stages(res.Steps)[StageGeneration])
		assert.Empty(t, pub.job.Channels, "publisher must not run")
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		gen := &fakeGenerator{errs: map[string]error{
			"linkedin": errors.New("invalid prompt"),
			"twitter":  &retryable.StatusError{Service: "gemini", Code: 503},
		}}
		p := New(Deps{Generator: gen, Publisher: &fakePublisher{}}, Options{})

		outcome, err := p.Execute(context.Background(), newRun(t, ContentRequest{
			Request:  "Launch week",
			Channels: []string{"linkedin", "twitter"},
		}))
		require.Error(t, err)
		assert.Nil(t, outcome)
		assert.True(t, retryable.IsTransient(err))
		assert.Contains(t, err.Error(), "twitter")
	})
}

func TestExecute_NoChannelsGeneratesGeneralPost(t *testing.T) {
	gen := &fakeGenerator{}
	pub := &fakePublisher{}
	p := New(Deps{Generator: gen, Publisher: pub}, Options{})

	outcome, err := p.Execute(context.Background(), newRun(t, ContentRequest{Request: "Spring menu"}))
	require.NoError(t, err)
	require.Equal(t, executions.StatusCompleted, outcome.Status)

	res := outcome.Result.(*Result)
	assert.Equal(t, "Post for general", res.Content)
	assert.Equal(t, executions.StepSkipped, stages(res.Steps)[StagePublish])
	assert.Contains(t, gen.prompt(GeneralChannel), "Platform Requirements: General:")
	assert.Empty(t, pub.job.Channels)
}

func TestExecute_Media(t *testing.T) {
	gen := &fakeGenerator{video: generation.ErrUnavailable}
	media := &fakeMedia{}
	pub := &fakePublisher{}
	p := New(Deps{Generator: gen, Media: media, Publisher: pub}, Options{})

	outcome, err := p.Execute(context.Background(), newRun(t, ContentRequest{
		Request:       "Show the new roaster",
		Channels:      []string{"instagram"},
		IncludeImages: true,
		IncludeVideo:  true,
	}))
	require.NoError(t, err)
	require.Equal(t, executions.StatusCompleted, outcome.Status)

	res := outcome.Result.(*Result)
	require.Len(t, res.Images, 1)
	assert.Equal(t, "https://cdn.example.com/tenants/tenant-1/content/exec-1/images/1", res.Images[0])
	assert.Empty(t, res.Videos)
	assert.Equal(t, []storage.MediaKind{storage.MediaImage}, media.saved)
	assert.Equal(t, res.Images, pub.job.Images)

	st := stages(res.Steps)
	assert.Equal(t, executions.StepPassed, st[StageImage])
	assert.Equal(t, executions.StepSkipped, st[StageVideo])
}

func TestExecute_MediaFailureDegrades(t *testing.T) {
	gen := &fakeGenerator{image: errors.New("quota exceeded for images")}
	p := New(Deps{Generator: gen, Media: &fakeMedia{}, Publisher: &fakePublisher{}}, Options{})

	outcome, err := p.Execute(context.Background(), newRun(t, ContentRequest{
		Request:       "Show the new roaster",
		Channels:      []string{"facebook"},
		IncludeImages: true,
	}))
	require.NoError(t, err)
	require.Equal(t, executions.StatusCompleted, outcome.Status)

	res := outcome.Result.(*Result)
	assert.Empty(t, res.Images)
	assert.Equal(t, executions.StepFailed, stages(res.Steps)[StageImage])
}

func TestExecute_NothingPublished(t *testing.T) {
	t.Run("permanent", func(t *testing.T) {
		pub := &fakePublisher{outcome: func(ch string) publish.ChannelResult {
			return publish.ChannelResult{Channel: ch, Status: publish.StatusSkipped, Error: "no active connection"}
		}}
		p := New(Deps{Generator: &fakeGenerator{}, Publisher: pub}, Options{})

		outcome, err := p.Execute(context.Background(), newRun(t, ContentRequest{
			Request:  "Launch week",
			Channels: []string{"linkedin"},
		}))
		require.NoError(t, err)
		assert.Equal(t, executions.StatusFailed, outcome.Status)
		assert.Equal(t, "no channel was published (0 published, 0 failed, 1 skipped)", outcome.Error)
		assert.Equal(t, executions.StepFailed, stages(outcome.Result.(*Result).Steps)[StagePublish])
	})

	t.Run("transient", func(t *testing.T) {
		pub := &fakePublisher{outcome: func(ch string) publish.ChannelResult {
			return publish.ChannelResult{Channel: ch, Status: publish.StatusFailed, Error: "linkedin: status 502", Transient: true}
		}}
		p := New(Deps{Generator: &fakeGenerator{}, Publisher: pub}, Options{})

		outcome, err := p.Execute(context.Background(), newRun(t, ContentRequest{
			Request:  "Launch week",
			Channels: []string{"linkedin"},
		}))
		require.Error(t, err)
		assert.Nil(t, outcome)
		assert.True(t, retryable.IsTransient(err))
	})
}

func TestExecute_RetrievalFailureContinues(t *testing.T) {
	gen := &fakeGenerator{}
	p := New(Deps{
		Retriever: &fakeRetriever{err: errors.New("fts5: syntax error")},
		Enricher:  enrich.NewExtractor(),
		Generator: gen,
		Publisher: &fakePublisher{},
	}, Options{})

	outcome, err := p.Execute(context.Background(), newRun(t, ContentRequest{
		Request:  "Cold brew subscriptions for offices",
		Channels: []string{"twitter"},
	}))
	require.NoError(t, err)
	require.Equal(t, executions.StatusCompleted, outcome.Status)

	st := stages(outcome.Result.(*Result).Steps)
	assert.Equal(t, executions.StepFailed, st[StageRetrieval])
	assert.Equal(t, executions.StepPassed, st[StageEnrichment])
	assert.NotContains(t, gen.prompt("twitter"), "RELEVANT CONTEXT")
}

func TestExecute_InvalidPayload(t *testing.T) {
	p := New(Deps{Generator: &fakeGenerator{}, Publisher: &fakePublisher{}}, Options{})

	run := worker.NewRun(&executions.Record{
		ID:             "exec-2",
		RequestType:    executions.KindCreateContent,
		RequestPayload: json.RawMessage(`{"request":"   "}`),
	}, nil)

	outcome, err := p.Execute(context.Background(), run)
	require.ErrorIs(t, err, ErrEmptyRequest)
	assert.Nil(t, outcome)
	assert.False(t, retryable.IsTransient(err))
}

func TestKind(t *testing.T) {
	var h worker.Handler = New(Deps{}, Options{})
	assert.Equal(t, executions.KindCreateContent, h.Kind())
}
