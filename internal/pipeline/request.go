package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyRequest is returned for a payload without request text.
var ErrEmptyRequest = errors.New("request text is required")

// Brand carries the tenant's voice settings used in the system instruction.
type Brand struct {
	Voice          string `json:"voice,omitempty" yaml:"voice"`
	TargetAudience string `json:"target_audience,omitempty" yaml:"target_audience"`
	Offerings      string `json:"offerings,omitempty" yaml:"offerings"`
	Website        string `json:"website,omitempty" yaml:"website"`
}

// ContentRequest is the payload of a create_content execution.
type ContentRequest struct {
	Request       string   `json:"request"`
	Channels      []string `json:"channels"`
	IncludeImages bool     `json:"include_images"`
	IncludeVideo  bool     `json:"include_video"`
	Brand         Brand    `json:"brand"`
}

// ParseContentRequest decodes and normalizes a create_content payload.
// Channel names are lower-cased and de-duplicated in order.
func ParseContentRequest(payload []byte) (*ContentRequest, error) {
	var req ContentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode content request: %w", err)
	}

	req.Request = strings.TrimSpace(req.Request)
	if req.Request == "" {
		return nil, ErrEmptyRequest
	}

	seen := make(map[string]bool, len(req.Channels))
	channels := req.Channels[:0]
	for _, ch := range req.Channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		channels = append(channels, ch)
	}
	req.Channels = channels

	return &req, nil
}
