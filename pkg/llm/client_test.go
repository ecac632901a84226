package llm

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wemdio/lead-scanner/internal/resilience"
)

func completionBody(content string) map[string]any {
	return map[string]any{
		"id":      "gen-1",
		"object":  "chat.completion",
		"model":   "openai/gpt-4o-mini",
		"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": 120, "completion_tokens": 40, "total_tokens": 160},
	}
}

func TestComplete_Success(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-or-tenant", r.Header.Get("Authorization"))
		assert.Equal(t, "https://leads.example.com", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "lead-scanner", r.Header.Get("X-Title"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionBody(`{"is_match":true}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL+"/"), WithAttribution("https://leads.example.com", "lead-scanner"))
	seed := 42
	resp, err := c.Complete(context.Background(), ChatRequest{
		Credential: "sk-or-tenant",
		Model:      "openai/gpt-4o-mini",
		System:     "system prompt",
		User:       "user prompt",
		Seed:       &seed,
		MaxTokens:  500,
		JSON:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"is_match":true}`, resp.Content)
	assert.Equal(t, 120, resp.Usage.PromptTokens)
	assert.Equal(t, 40, resp.Usage.CompletionTokens)

	assert.Equal(t, "openai/gpt-4o-mini", got["model"])
	assert.EqualValues(t, 42, got["seed"])
	assert.EqualValues(t, 500, got["max_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user prompt", msgs[1].(map[string]any)["content"])
}

func TestComplete_MissingCredential(t *testing.T) {
	c := NewClient(WithBaseURL("http://127.0.0.1:1"))
	_, err := c.Complete(context.Background(), ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.Equal(t, resilience.KindPermanent, resilience.Kind(err))
}

func TestComplete_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   resilience.ErrorKind
	}{
		{http.StatusUnauthorized, resilience.KindPermanent},
		{http.StatusPaymentRequired, resilience.KindPermanent},
		{http.StatusForbidden, resilience.KindPermanent},
		{http.StatusTooManyRequests, resilience.KindTransient},
		{http.StatusBadGateway, resilience.KindTransient},
		{http.StatusBadRequest, resilience.KindRejected},
		{http.StatusRequestEntityTooLarge, resilience.KindRejected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope","code":` + "\"x\"" + `}}`)) //nolint:errcheck
			}))
			defer ts.Close()

			c := NewClient(WithBaseURL(ts.URL))
			_, err := c.Complete(context.Background(), ChatRequest{Credential: "k", Model: "m"})
			require.Error(t, err)
			assert.Equal(t, tt.want, resilience.Kind(err))
		})
	}
}

func TestComplete_NoChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[],"usage":{}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	_, err := c.Complete(context.Background(), ChatRequest{Credential: "k", Model: "m"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestComplete_UndecodableBodyIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>upstream maintenance</body></html>")) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	_, err := c.Complete(context.Background(), ChatRequest{Credential: "k", Model: "m"})
	require.Error(t, err)
	assert.Equal(t, resilience.KindTransient, resilience.Kind(err))
	assert.True(t, resilience.IsTransient(err))
}

func TestBuildRequest_ZeroTemperature(t *testing.T) {
	req := BuildRequest(ChatRequest{Model: "openai/gpt-4o-mini", MaxTokens: 500})
	assert.Equal(t, float32(math.SmallestNonzeroFloat32), req.Temperature)
	assert.Equal(t, float32(1), req.TopP)
	assert.Equal(t, 500, req.MaxTokens)
	assert.Zero(t, req.MaxCompletionTokens)
	assert.Nil(t, req.ResponseFormat)
}

func TestBuildRequest_DraftTemperature(t *testing.T) {
	req := BuildRequest(ChatRequest{Model: "m", Temperature: 0.7})
	assert.InDelta(t, 0.7, req.Temperature, 0.0001)
	assert.Zero(t, req.TopP)
	assert.Zero(t, req.MaxTokens)
}

func TestBuildRequest_ReasoningModel(t *testing.T) {
	req := BuildRequest(ChatRequest{Model: "openai/o4-mini", MaxTokens: 500})
	assert.Zero(t, req.MaxTokens)
	assert.Equal(t, 500, req.MaxCompletionTokens)
	assert.Zero(t, req.Temperature)
	assert.Zero(t, req.TopP)
}

func TestBuildRequest_ReasoningModelPassesValidator(t *testing.T) {
	for _, m := range []string{"o1", "o3-mini", "o4-mini", "gpt-5-mini"} {
		t.Run(m, func(t *testing.T) {
			for _, temp := range []float32{0, 0.7} {
				req := BuildRequest(ChatRequest{Model: m, System: "sys", User: "u", Temperature: temp, MaxTokens: 300, JSON: true})
				assert.NoError(t, openai.NewReasoningValidator().Validate(req))
			}
		})
	}
}

func TestIsReasoningModel(t *testing.T) {
	assert.True(t, IsReasoningModel("o3-2025-04-16"))
	assert.True(t, IsReasoningModel("openai/gpt-5-mini"))
	assert.True(t, IsReasoningModel("o1"))
	assert.False(t, IsReasoningModel("openai/gpt-4o-mini"))
	assert.False(t, IsReasoningModel("anthropic/claude-3.5-haiku"))
}
