package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/retryable"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello world", "Hello world"},
		{"markup", "<p>Fresh <b>bread</b> daily</p>", "Fresh bread daily"},
		{"entities", "Tea &amp; cake, it's here", "Tea & cake, it's here"},
		{"paragraphs", "  First   line \r\n\r\n\r\n second\tline\n", "First line\n\nsecond line"},
		{"script", "Hi<script>alert(1)</script>", "Hi"},
		{"empty", " \n ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.in))
		})
	}
}

func TestClassify(t *testing.T) {
	err := classify(genai.APIError{Code: 429, Message: "quota"})
	var se *retryable.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 429, se.Code)
	assert.True(t, retryable.IsTransient(err))

	err = classify(genai.APIError{Code: 400, Message: "bad prompt"})
	assert.False(t, retryable.IsTransient(err))

	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
}

func newTestGemini(t *testing.T, handler http.HandlerFunc) *Gemini {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGemini(context.Background(), config.GenerationConfig{
		APIKey:      "test-key",
		BaseURL:     srv.URL,
		TextModel:   "gemini-test",
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	require.NoError(t, err)
	return g
}

func TestGemini_Generate(t *testing.T) {
	var body map[string]any
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent"), r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"<b>Big</b> news &amp; more"}]}}]}`))
	})

	text, err := g.Generate(context.Background(), Request{
		Prompt:            "announce the launch",
		SystemInstruction: "You are a marketer.",
	})
	require.NoError(t, err)
	assert.Equal(t, "Big news & more", text)

	gc, ok := body["generationConfig"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.7, gc["temperature"], 0.001)
	assert.EqualValues(t, 1000, gc["maxOutputTokens"])
	assert.Contains(t, body, "systemInstruction")
}

func TestGemini_GenerateUpstreamError(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":503,"message":"model overloaded","status":"UNAVAILABLE"}}`))
	})

	_, err := g.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)

	var se *retryable.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 503, se.Code)
	assert.True(t, retryable.IsTransient(err))
}

func TestGemini_GenerateEmpty(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"  "}]}}]}`))
	})

	_, err := g.Generate(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGemini_MediaUnavailable(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})

	_, err := g.GenerateImage(context.Background(), "a cat")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = g.GenerateVideo(context.Background(), "a cat")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGemini_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("mp4 bytes"))
	}))
	defer srv.Close()

	g := &Gemini{cfg: config.GenerationConfig{APIKey: "test-key"}, http: srv.Client()}
	data, err := g.download(context.Background(), srv.URL+"/files/v1:download")
	require.NoError(t, err)
	assert.Equal(t, "mp4 bytes", string(data))

	g.cfg.APIKey = "wrong"
	_, err = g.download(context.Background(), srv.URL+"/files/v1:download")
	var se *retryable.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
}

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), config.GenerationConfig{})
	assert.Error(t, err)
}
