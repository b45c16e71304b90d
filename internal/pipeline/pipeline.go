// Package pipeline runs create_content executions: it gathers knowledge base
// context, enriches the prompt with keywords, generates one post per channel,
// optionally renders media and fans the posts out to the channel publishers.
// Every stage writes an entry to the execution's step ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/enrich"
	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/generation"
	"github.com/watzon/herald/internal/publish"
	"github.com/watzon/herald/internal/retrieval"
	"github.com/watzon/herald/internal/retryable"
	"github.com/watzon/herald/internal/storage"
	"github.com/watzon/herald/internal/worker"
)

// Ledger stage names.
const (
	StageRetrieval  = "context_retrieval"
	StageEnrichment = "keyword_enrichment"
	StageGeneration = "content_generation"
	StageImage      = "image_generation"
	StageVideo      = "video_generation"
	StagePublish    = "channel_publish"
)

// Retriever finds knowledge base snippets for a query.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, assistantID, query string, limit int) ([]retrieval.Snippet, error)
}

// Enricher derives keywords from a query.
type Enricher interface {
	Research(ctx context.Context, query string, limit int) (*enrich.Result, error)
}

// MediaStore uploads generated media and returns its URL.
type MediaStore interface {
	Save(ctx context.Context, tenantID, executionID string, kind storage.MediaKind, data []byte, mimeType string) (string, error)
}

// Publisher delivers generated posts to their channels.
type Publisher interface {
	Publish(ctx context.Context, job publish.Job) []publish.ChannelResult
}

// Deps are the collaborators of a Pipeline. Generator and Publisher are
// required; a nil Retriever, Enricher or Media skips that stage.
type Deps struct {
	Retriever Retriever
	Enricher  Enricher
	Generator generation.Service
	Media     MediaStore
	Publisher Publisher
}

// Options tune the pipeline.
type Options struct {
	RetrievalLimit   int
	RetrievalTimeout time.Duration
	SnippetChars     int
	Temperature      float32
	MaxTokens        int32
}

// OptionsFromConfig reads Options from the retrieval and generation sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RetrievalLimit:   cfg.Retrieval.Limit,
		RetrievalTimeout: cfg.Retrieval.Timeout,
		SnippetChars:     cfg.Retrieval.SnippetChars,
		Temperature:      cfg.Generation.Temperature,
		MaxTokens:        cfg.Generation.MaxTokens,
	}
}

// Result is the aggregate stored on a create_content execution.
type Result struct {
	Content           string                  `json:"content"`
	ChannelContents   map[string]string       `json:"channel_contents"`
	Channels          []publish.ChannelResult `json:"channels"`
	ContentItems      []string                `json:"content_items"`
	Images            []string                `json:"images"`
	Videos            []string                `json:"videos"`
	ChannelsPublished []string                `json:"channels_published"`
	Summary           executions.StepSummary  `json:"summary"`
	Steps             []executions.Step       `json:"steps"`
}

// Pipeline is the create_content handler.
type Pipeline struct {
	deps Deps
	opts Options
}

// New creates a Pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if opts.RetrievalLimit <= 0 {
		opts.RetrievalLimit = config.DefaultRetrievalLimit
	}
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = config.DefaultSnippetChars
	}
	if opts.Temperature == 0 {
		opts.Temperature = config.DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = config.DefaultMaxTokens
	}
	return &Pipeline{deps: deps, opts: opts}
}

// Kind implements worker.Handler.
func (p *Pipeline) Kind() executions.RequestKind {
	return executions.KindCreateContent
}

// Execute implements worker.Handler. Transient failures that left nothing
// usable are returned as errors so the attempt is retried; every other
// outcome is final.
func (p *Pipeline) Execute(ctx context.Context, run *worker.Run) (*worker.Outcome, error) {
	rec := run.Record

	req, err := ParseContentRequest(rec.RequestPayload)
	if err != nil {
		return nil, retryable.Permanent(err)
	}

	order := req.Channels
	if len(order) == 0 {
		order = []string{GeneralChannel}
	}

	snippets := p.retrieve(ctx, run, req)
	keywords := p.enrich(ctx, run, req, snippets)
	contents, genErr := p.generate(ctx, run, req, order, FormatContext(snippets, p.opts.SnippetChars), keywords)

	res := &Result{
		ChannelContents:   contents,
		Channels:          []publish.ChannelResult{},
		ContentItems:      []string{},
		Images:            []string{},
		Videos:            []string{},
		ChannelsPublished: []string{},
	}
	for _, ch := range order {
		if text := contents[ch]; text != "" {
			res.Content = text
			break
		}
	}

	if len(contents) == 0 {
		if genErr != nil && retryable.IsTransient(genErr) {
			return nil, fmt.Errorf("content generation: %w", genErr)
		}
		p.finish(run, res)
		return worker.Failed("no content generated for any channel", res), nil
	}

	prompt := MediaPrompt(req, order, contents)
	res.Images = p.media(ctx, run, storage.MediaImage, req.IncludeImages, prompt)
	res.Videos = p.media(ctx, run, storage.MediaVideo, req.IncludeVideo, prompt)

	if len(req.Channels) == 0 {
		run.Step(ctx, StagePublish, executions.StepSkipped, "no channels requested")
		p.finish(run, res)
		return worker.Completed(res), nil
	}

	results := p.deps.Publisher.Publish(ctx, publish.Job{
		TenantID:    rec.TenantID,
		AssistantID: rec.AssistantID,
		ExecutionID: rec.ID,
		Channels:    req.Channels,
		Contents:    contents,
		Images:      res.Images,
		Videos:      res.Videos,
	})
	res.Channels = results
	for _, r := range results {
		if r.ContentItemID != "" {
			res.ContentItems = append(res.ContentItems, r.ContentItemID)
		}
		if r.Status == publish.StatusPublished {
			res.ChannelsPublished = append(res.ChannelsPublished, r.Channel)
		}
	}

	summary := publish.Summarize(results)
	switch {
	case summary.Published == len(results):
		run.Step(ctx, StagePublish, executions.StepPassed, summary.String())
	case summary.Published > 0:
		run.Step(ctx, StagePublish, executions.StepPartial, summary.String())
	default:
		run.Step(ctx, StagePublish, executions.StepFailed, summary.String())
	}

	if summary.Published == 0 {
		msg := fmt.Sprintf("no channel was published (%s)", summary)
		if summary.Transient > 0 {
			return nil, retryable.Transient(errors.New(msg))
		}
		p.finish(run, res)
		return worker.Failed(msg, res), nil
	}

	p.finish(run, res)
	return worker.Completed(res), nil
}

func (p *Pipeline) finish(run *worker.Run, res *Result) {
	res.Steps = run.Steps()
	res.Summary = executions.Summarize(res.Steps)
}

func (p *Pipeline) retrieve(ctx context.Context, run *worker.Run, req *ContentRequest) []retrieval.Snippet {
	if p.deps.Retriever == nil {
		run.Step(ctx, StageRetrieval, executions.StepSkipped, "no knowledge base configured")
		return nil
	}

	rctx := ctx
	if p.opts.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, p.opts.RetrievalTimeout)
		defer cancel()
	}

	rec := run.Record
	snippets, err := p.deps.Retriever.Retrieve(rctx, rec.TenantID, rec.AssistantID, req.Request, p.opts.RetrievalLimit)
	if err != nil {
		run.Step(ctx, StageRetrieval, executions.StepFailed, err.Error())
		return nil
	}
	run.Step(ctx, StageRetrieval, executions.StepPassed, fmt.Sprintf("retrieved %d snippets", len(snippets)))
	return snippets
}

func (p *Pipeline) enrich(ctx context.Context, run *worker.Run, req *ContentRequest, snippets []retrieval.Snippet) *enrich.Result {
	if p.deps.Enricher == nil {
		run.Step(ctx, StageEnrichment, executions.StepSkipped, "keyword enrichment is not configured")
		return nil
	}

	query := KeywordQuery(snippets, req.Request)
	result, err := p.deps.Enricher.Research(ctx, query, keywordLimit)
	switch {
	case errors.Is(err, enrich.ErrEmptyQuery):
		run.Step(ctx, StageEnrichment, executions.StepSkipped, "no usable keywords in query")
		return nil
	case err != nil:
		run.Step(ctx, StageEnrichment, executions.StepFailed, err.Error())
		return nil
	case result == nil || len(result.Keywords) == 0:
		run.Step(ctx, StageEnrichment, executions.StepSkipped, "no keywords found")
		return nil
	}

	run.Step(ctx, StageEnrichment, executions.StepPassed,
		fmt.Sprintf("found %d keywords, primary topic %q", len(result.Keywords), result.Seed))
	return result
}

// generate produces one post per channel concurrently. The returned error is
// the first transient failure in channel order, else the first failure, or
// nil when every channel succeeded.
func (p *Pipeline) generate(ctx context.Context, run *worker.Run, req *ContentRequest, order []string, kb string, keywords *enrich.Result) (map[string]string, error) {
	system := SystemInstruction(req.Brand)
	errs := make([]error, len(order))
	texts := make([]string, len(order))

	var wg sync.WaitGroup
	for i, ch := range order {
		wg.Add(1)
		go func(i int, ch string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("generation panicked: %v", r)
				}
			}()

			text, err := p.deps.Generator.Generate(ctx, generation.Request{
				Prompt:            UserPrompt(req, kb, keywords, ch),
				SystemInstruction: system,
				Temperature:       p.opts.Temperature,
				MaxTokens:         p.opts.MaxTokens,
			})
			if err == nil && strings.TrimSpace(text) == "" {
				err = generation.ErrEmptyResponse
			}
			if err != nil {
				errs[i] = err
				return
			}
			texts[i] = text
		}(i, ch)
	}
	wg.Wait()

	contents := make(map[string]string, len(order))
	var failed []string
	var firstErr, transientErr error
	for i, ch := range order {
		if errs[i] != nil {
			failed = append(failed, ch)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", ch, errs[i])
			}
			if transientErr == nil && retryable.IsTransient(errs[i]) {
				transientErr = fmt.Errorf("%s: %w", ch, errs[i])
			}
			log.Warn().
				Err(errs[i]).
				Str("execution_id", run.Record.ID).
				Str("channel", ch).
				Int("attempt", run.Attempt).
				Msg("Channel generation failed")
			continue
		}
		contents[ch] = texts[i]
	}

	switch {
	case len(failed) == 0:
		run.Step(ctx, StageGeneration, executions.StepPassed,
			fmt.Sprintf("generated content for %d channels", len(contents)))
	case len(contents) > 0:
		run.Step(ctx, StageGeneration, executions.StepPartial,
			fmt.Sprintf("generated content for %d of %d channels (failed: %s)", len(contents), len(order), strings.Join(failed, ", ")))
	default:
		run.Step(ctx, StageGeneration, executions.StepFailed, "no content generated for any channel")
	}

	if transientErr != nil {
		return contents, transientErr
	}
	return contents, firstErr
}

func (p *Pipeline) media(ctx context.Context, run *worker.Run, kind storage.MediaKind, requested bool, prompt string) []string {
	stage, noun := StageImage, "image"
	if kind == storage.MediaVideo {
		stage, noun = StageVideo, "video"
	}

	if !requested {
		run.Step(ctx, stage, executions.StepSkipped, "not requested")
		return []string{}
	}
	if p.deps.Media == nil {
		run.Step(ctx, stage, executions.StepSkipped, "media storage is not configured")
		return []string{}
	}

	var (
		m   *generation.Media
		err error
	)
	if kind == storage.MediaVideo {
		m, err = p.deps.Generator.GenerateVideo(ctx, prompt)
	} else {
		m, err = p.deps.Generator.GenerateImage(ctx, prompt)
	}
	switch {
	case errors.Is(err, generation.ErrUnavailable):
		run.Step(ctx, stage, executions.StepSkipped, noun+" generation is not available")
		return []string{}
	case err != nil:
		run.Step(ctx, stage, executions.StepFailed, err.Error())
		return []string{}
	}

	rec := run.Record
	url, err := p.deps.Media.Save(ctx, rec.TenantID, rec.ID, kind, m.Data, m.MIMEType)
	if err != nil {
		run.Step(ctx, stage, executions.StepFailed, fmt.Sprintf("upload %s: %v", noun, err))
		return []string{}
	}

	run.Step(ctx, stage, executions.StepPassed, fmt.Sprintf("uploaded %s to %s", noun, url))
	return []string{url}
}
