package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/metrics"
	"github.com/watzon/herald/internal/retryable"
)

const service = "gemini"

// maxVideoBytes bounds a downloaded video.
const maxVideoBytes = 512 << 20

// Gemini implements Service on the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    config.GenerationConfig
	http   *http.Client
}

var _ Service = (*Gemini)(nil)

func NewGemini(ctx context.Context, cfg config.GenerationConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("new gemini client failed: %w", err)
	}

	return &Gemini{client: client, cfg: cfg, http: &http.Client{}}, nil
}

func (g *Gemini) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, g.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (g *Gemini) Generate(ctx context.Context, req Request) (text string, err error) {
	start := time.Now()
	defer func() { metrics.RecordGeneration("text", err, time.Since(start)) }()

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = g.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.cfg.MaxTokens
	}

	gc := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(temperature),
		MaxOutputTokens: maxTokens,
	}
	if req.SystemInstruction != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.TextModel, genai.Text(req.Prompt), gc)
	if err != nil {
		return "", fmt.Errorf("gemini text generation failed: %w", classify(err))
	}

	text = CleanText(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (g *Gemini) GenerateImage(ctx context.Context, prompt string) (media *Media, err error) {
	start := time.Now()
	defer func() { metrics.RecordGeneration("image", err, time.Since(start)) }()

	if g.cfg.ImageModel == "" {
		return nil, ErrUnavailable
	}

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	resp, err := g.client.Models.GenerateImages(ctx, g.cfg.ImageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini image generation failed: %w", classify(err))
	}

	for _, img := range resp.GeneratedImages {
		if img == nil || img.Image == nil || len(img.Image.ImageBytes) == 0 {
			continue
		}
		mimeType := img.Image.MIMEType
		if mimeType == "" {
			mimeType = "image/png"
		}
		return &Media{Data: img.Image.ImageBytes, MIMEType: mimeType}, nil
	}
	return nil, ErrEmptyResponse
}

// GenerateVideo starts a long-running video operation and polls it until it
// finishes or ctx ends.
func (g *Gemini) GenerateVideo(ctx context.Context, prompt string) (media *Media, err error) {
	start := time.Now()
	defer func() { metrics.RecordGeneration("video", err, time.Since(start)) }()

	if g.cfg.VideoModel == "" {
		return nil, ErrUnavailable
	}

	callCtx, cancel := g.callContext(ctx)
	op, err := g.client.Models.GenerateVideos(callCtx, g.cfg.VideoModel, prompt, nil, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("gemini video generation failed: %w", classify(err))
	}

	interval := g.cfg.VideoPollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !op.Done {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		callCtx, cancel := g.callContext(ctx)
		op, err = g.client.Operations.GetVideosOperation(callCtx, op, nil)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("polling video operation: %w", classify(err))
		}
		log.Debug().Str("operation", op.Name).Bool("done", op.Done).Msg("Polled video operation")
	}

	if op.Error != nil {
		return nil, fmt.Errorf("video operation failed: %v", op.Error)
	}
	if op.Response == nil {
		return nil, ErrEmptyResponse
	}

	for _, gv := range op.Response.GeneratedVideos {
		if gv == nil || gv.Video == nil {
			continue
		}
		v := gv.Video
		mimeType := v.MIMEType
		if mimeType == "" {
			mimeType = "video/mp4"
		}
		if len(v.VideoBytes) > 0 {
			return &Media{Data: v.VideoBytes, MIMEType: mimeType}, nil
		}
		if v.URI != "" {
			data, err := g.download(ctx, v.URI)
			if err != nil {
				return nil, err
			}
			return &Media{Data: data, MIMEType: mimeType}, nil
		}
	}
	return nil, ErrEmptyResponse
}

// download fetches a generated file. Gemini file URIs require the API key.
func (g *Gemini) download(ctx context.Context, uri string) ([]byte, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("building video download request: %w", err)
	}
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &retryable.StatusError{Service: service, Code: resp.StatusCode, Body: string(body)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVideoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading video: %w", err)
	}
	if len(data) > maxVideoBytes {
		return nil, retryable.Permanentf("video exceeds %d bytes", maxVideoBytes)
	}
	return data, nil
}

// classify converts Gemini API errors into StatusError so the worker can tell
// rate limits and outages from bad requests.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &retryable.StatusError{Service: service, Code: apiErr.Code, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &retryable.StatusError{Service: service, Code: apiErrPtr.Code, Body: apiErrPtr.Message}
	}
	return err
}
