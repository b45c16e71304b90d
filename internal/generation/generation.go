// Package generation produces post text, images and video for the content
// pipeline. The pipeline depends on the Service interface; Gemini is the
// production implementation.
package generation

import (
	"context"
	"errors"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Request is one text generation call.
type Request struct {
	Prompt            string
	SystemInstruction string
	Temperature       float32
	MaxTokens         int32
}

// Media is a generated binary asset.
type Media struct {
	Data     []byte
	MIMEType string
}

// Service generates text and media.
type Service interface {
	Generate(ctx context.Context, req Request) (string, error)
	GenerateImage(ctx context.Context, prompt string) (*Media, error)
	GenerateVideo(ctx context.Context, prompt string) (*Media, error)
}

var (
	// ErrEmptyResponse means the model returned no usable output.
	ErrEmptyResponse = errors.New("generation returned no content")
	// ErrUnavailable means the deployment has no model for the requested kind.
	ErrUnavailable = errors.New("generation kind not available")
)

var textPolicy = bluemonday.StrictPolicy()

// CleanText strips markup from model output and normalizes whitespace while
// keeping paragraph breaks. Posts are published as plain text, so any HTML
// the model emits is removed rather than escaped.
func CleanText(s string) string {
	s = html.UnescapeString(textPolicy.Sanitize(s))

	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if len(out) > 0 {
				blank = true
			}
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
