package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/connections"
	"github.com/watzon/herald/internal/content"
	"github.com/watzon/herald/internal/metrics"
	"github.com/watzon/herald/internal/retryable"
)

// Channel result statuses.
const (
	StatusPublished = "published"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// ConnectionSource finds the credentials an assistant publishes with.
type ConnectionSource interface {
	Lookup(ctx context.Context, tenantID, assistantID, channel string) (*connections.Connection, error)
}

// ContentRecorder persists published posts.
type ContentRecorder interface {
	Find(ctx context.Context, executionID, channel string) (*content.Item, error)
	Record(ctx context.Context, item *content.Item) (*content.Item, bool, error)
}

// Job is everything one execution publishes.
type Job struct {
	TenantID    string
	AssistantID string
	ExecutionID string
	Channels    []string
	Contents    map[string]string
	Images      []string
	Videos      []string
}

// ChannelResult is the outcome for one channel.
type ChannelResult struct {
	Channel       string `json:"channel"`
	Status        string `json:"status"`
	ContentItemID string `json:"content_item_id,omitempty"`
	PostID        string `json:"post_id,omitempty"`
	Reused        bool   `json:"reused,omitempty"`
	Error         string `json:"error,omitempty"`

	// Transient is set when the failure may succeed on a later attempt.
	Transient bool `json:"-"`
}

// Summary counts channel results.
type Summary struct {
	Published int
	Failed    int
	Skipped   int
	Transient int
}

func Summarize(results []ChannelResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case StatusPublished:
			s.Published++
		case StatusFailed:
			s.Failed++
			if r.Transient {
				s.Transient++
			}
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d published, %d failed, %d skipped", s.Published, s.Failed, s.Skipped)
}

// Fanout publishes a job to all its channels at once. Each channel waits on
// its own rate limiter, shared by every job in the process.
type Fanout struct {
	registry *Registry
	conns    ConnectionSource
	items    ContentRecorder
	timeout  time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limits   map[string]config.ChannelConfig
}

func NewFanout(registry *Registry, conns ConnectionSource, items ContentRecorder, cfg config.PublishingConfig) *Fanout {
	return &Fanout{
		registry: registry,
		conns:    conns,
		items:    items,
		timeout:  cfg.Timeout,
		limiters: make(map[string]*rate.Limiter),
		limits:   cfg.Channels,
	}
}

func (f *Fanout) limiter(channel string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.limiters[channel]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Inf, 0)
	if cc, ok := f.limits[channel]; ok && cc.RateLimit > 0 {
		burst := cc.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(cc.RateLimit), burst)
	}
	f.limiters[channel] = l
	return l
}

// Publish returns one result per job channel, in job order. It never returns
// an error: every failure, including a panic inside a publisher, is folded
// into that channel's result.
func (f *Fanout) Publish(ctx context.Context, job Job) []ChannelResult {
	results := make([]ChannelResult, len(job.Channels))

	var wg sync.WaitGroup
	for i, channel := range job.Channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("execution_id", job.ExecutionID).
						Str("channel", channel).
						Interface("panic", r).
						Msg("Publisher panicked")
					results[i] = ChannelResult{Channel: channel, Status: StatusFailed, Error: fmt.Sprintf("publisher panic: %v", r)}
				}
				metrics.RecordPublish(channel, results[i].Status)
			}()
			results[i] = f.publishOne(ctx, job, channel)
		}()
	}
	wg.Wait()

	return results
}

func (f *Fanout) publishOne(ctx context.Context, job Job, channel string) ChannelResult {
	res := ChannelResult{Channel: channel}
	logger := log.With().Str("execution_id", job.ExecutionID).Str("channel", channel).Logger()

	text := job.Contents[channel]
	if text == "" {
		res.Status, res.Error = StatusSkipped, "no content generated for this channel"
		return res
	}

	conn, err := f.conns.Lookup(ctx, job.TenantID, job.AssistantID, channel)
	if errors.Is(err, connections.ErrNoConnection) {
		res.Status, res.Error = StatusSkipped, "no active connection"
		return res
	}
	if err != nil {
		res.Status, res.Error, res.Transient = StatusFailed, err.Error(), retryable.IsTransient(err)
		return res
	}

	if prior, err := f.items.Find(ctx, job.ExecutionID, channel); err == nil {
		logger.Info().Str("content_item_id", prior.ID).Msg("Channel already published, reusing")
		res.Status, res.ContentItemID, res.PostID, res.Reused = StatusPublished, prior.ID, prior.PlatformPostID, true
		return res
	} else if !errors.Is(err, content.ErrNotFound) {
		res.Status, res.Error, res.Transient = StatusFailed, err.Error(), retryable.IsTransient(err)
		return res
	}

	publisher, ok := f.registry.Lookup(channel)
	if !ok {
		res.Status, res.Error = StatusFailed, fmt.Sprintf("channel %q is not supported", channel)
		return res
	}

	if err := f.limiter(channel).Wait(ctx); err != nil {
		res.Status, res.Error, res.Transient = StatusFailed, fmt.Sprintf("rate limiter: %v", err), true
		return res
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if f.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, f.timeout)
	}
	defer cancel()

	media := append(append([]string(nil), job.Images...), job.Videos...)
	outcome, err := publisher.Publish(callCtx, Post{Content: PlainText(text), MediaURLs: media},
		Credentials{AccessToken: conn.AccessToken, Account: conn.Account})
	if err != nil {
		logger.Warn().Err(err).Msg("Publish failed")
		res.Status, res.Error, res.Transient = StatusFailed, err.Error(), retryable.IsTransient(err)
		return res
	}
	if outcome == nil || !outcome.Success {
		msg := "publisher reported failure"
		if outcome != nil && outcome.Error != "" {
			msg = outcome.Error
		}
		logger.Warn().Str("reason", msg).Msg("Publish rejected")
		res.Status, res.Error = StatusFailed, msg
		return res
	}

	item, _, err := f.items.Record(context.WithoutCancel(ctx), &content.Item{
		TenantID:       job.TenantID,
		AssistantID:    job.AssistantID,
		ExecutionID:    job.ExecutionID,
		Channel:        channel,
		Body:           text,
		Images:         job.Images,
		Videos:         job.Videos,
		PlatformPostID: outcome.PlatformPostID,
		Metadata:       map[string]any{"post_type": outcome.PostType},
	})
	if err != nil {
		// The post is live; report it even though the local record is missing.
		logger.Error().Err(err).Str("post_id", outcome.PlatformPostID).Msg("Failed to record published content")
		res.Status, res.PostID = StatusPublished, outcome.PlatformPostID
		return res
	}

	logger.Info().Str("post_id", outcome.PlatformPostID).Msg("Published")
	res.Status, res.ContentItemID, res.PostID = StatusPublished, item.ID, item.PlatformPostID
	return res
}
