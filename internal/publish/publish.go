// Package publish posts generated content to external channels. Each channel
// has a Publisher; Fanout drives all channels of one execution concurrently.
package publish

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/connections"
)

// Post is the content handed to a channel.
type Post struct {
	Content   string
	MediaURLs []string
}

// Credentials authorize a post on behalf of a connected account.
type Credentials struct {
	AccessToken string
	Account     connections.Account
}

// Outcome is a channel's answer to a publish attempt. A rejected post is
// reported with Success false and a readable Error.
type Outcome struct {
	Success        bool   `json:"success"`
	PlatformPostID string `json:"platform_post_id,omitempty"`
	PostType       string `json:"post_type,omitempty"`
	Error          string `json:"error,omitempty"`
}

func rejected(format string, args ...any) *Outcome {
	return &Outcome{Error: fmt.Sprintf(format, args...)}
}

// Publisher posts to one channel. Transport and upstream failures are
// returned as errors; requirement violations come back as a failed Outcome.
type Publisher interface {
	Channel() string
	Publish(ctx context.Context, post Post, creds Credentials) (*Outcome, error)
}

// Registry maps channel names to publishers.
type Registry struct {
	publishers map[string]Publisher
}

func NewRegistry(publishers ...Publisher) *Registry {
	r := &Registry{publishers: make(map[string]Publisher, len(publishers))}
	for _, p := range publishers {
		r.publishers[p.Channel()] = p
	}
	return r
}

func (r *Registry) Lookup(channel string) (Publisher, bool) {
	p, ok := r.publishers[channel]
	return p, ok
}

// Channels returns the registered channel names, sorted.
func (r *Registry) Channels() []string {
	out := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LogPublisher accepts every post and only logs it. It backs dry-run mode.
type LogPublisher struct {
	channel string
}

func NewLogPublisher(channel string) *LogPublisher {
	return &LogPublisher{channel: channel}
}

func (p *LogPublisher) Channel() string { return p.channel }

func (p *LogPublisher) Publish(ctx context.Context, post Post, creds Credentials) (*Outcome, error) {
	id := fmt.Sprintf("dry-run-%s-%d", p.channel, len(post.Content))
	log.Info().
		Str("channel", p.channel).
		Int("chars", len(post.Content)).
		Int("media", len(post.MediaURLs)).
		Msg("Dry run: post not sent")
	return &Outcome{Success: true, PlatformPostID: id, PostType: postType(post.MediaURLs)}, nil
}

var (
	imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}
	videoExts = []string{".mp4", ".mov", ".avi"}
)

func hasExt(url string, exts []string) bool {
	lower := strings.ToLower(url)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// splitMedia separates image and video URLs by extension. Others are dropped.
func splitMedia(urls []string) (images, videos []string) {
	for _, u := range urls {
		switch {
		case hasExt(u, imageExts):
			images = append(images, u)
		case hasExt(u, videoExts):
			videos = append(videos, u)
		}
	}
	return images, videos
}

func postType(urls []string) string {
	images, videos := splitMedia(urls)
	switch {
	case len(videos) > 0:
		return "video"
	case len(images) > 1:
		return "album"
	case len(images) == 1:
		return "photo"
	}
	return "text"
}

var (
	boldMarkers = regexp.MustCompile(`\*\*|__`)
	headingMark = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// PlainText removes the markdown emphasis and heading markers models tend to
// emit, which channels would otherwise show literally.
func PlainText(s string) string {
	s = boldMarkers.ReplaceAllString(s, "")
	s = headingMark.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
