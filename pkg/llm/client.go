// Package llm is a thin client for OpenAI-compatible chat completion APIs
// (OpenRouter by default). The credential travels with each request so one
// client serves every tenant.
package llm

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/wemdio/lead-scanner/internal/resilience"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// ErrMissingCredential is returned when a request carries no API key.
var ErrMissingCredential = eris.New("llm: missing credential")

// Client defines the chat completion operation used by the pipeline.
type Client interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is a two-part prompt plus sampling parameters.
type ChatRequest struct {
	Credential  string
	Model       string
	System      string
	User        string
	Temperature float32
	// Seed is sent when non-nil.
	Seed      *int
	MaxTokens int
	// JSON constrains the response to a JSON object.
	JSON bool
}

// ChatResponse is the first choice's content and the call's token usage.
type ChatResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type openAIClient struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
}

// Option configures the client.
type Option func(*openAIClient)

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(c *openAIClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *openAIClient) { c.httpClient = hc }
}

// WithAttribution sets the OpenRouter app attribution headers.
func WithAttribution(referer, title string) Option {
	return func(c *openAIClient) {
		if referer != "" {
			c.headers["HTTP-Referer"] = referer
		}
		if title != "" {
			c.headers["X-Title"] = title
		}
	}
}

// NewClient creates a Client. Per-call deadlines come from the context.
func NewClient(opts ...Option) Client {
	c := &openAIClient{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		headers:    make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// headerDoer adds fixed headers to every outgoing request.
type headerDoer struct {
	hc      *http.Client
	headers map[string]string
}

func (d headerDoer) Do(req *http.Request) (*http.Response, error) {
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	return d.hc.Do(req)
}

func (c *openAIClient) sdk(credential string) *openai.Client {
	cfg := openai.DefaultConfig(credential)
	cfg.BaseURL = c.baseURL
	cfg.HTTPClient = headerDoer{hc: c.httpClient, headers: c.headers}
	return openai.NewClientWithConfig(cfg)
}

func (c *openAIClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Credential) == "" {
		return nil, resilience.NewPermanentError(ErrMissingCredential, 0)
	}

	resp, err := c.sdk(req.Credential).CreateChatCompletion(ctx, BuildRequest(req))
	if err != nil {
		return nil, classify(eris.Wrapf(err, "llm: chat completion %s", req.Model), err)
	}
	if len(resp.Choices) == 0 {
		return nil, resilience.NewTransientError(eris.Errorf("llm: no choices from %s", req.Model), 0)
	}

	return &ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// BuildRequest converts req into the wire request.
func BuildRequest(req ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Seed: req.Seed,
	}
	// Reasoning models only accept their fixed sampling defaults.
	// go-openai drops a zero temperature from the payload, which would leave
	// the provider default in effect for everything else.
	if !IsReasoningModel(req.Model) {
		out.Temperature = req.Temperature
		if out.Temperature == 0 {
			out.Temperature = math.SmallestNonzeroFloat32
			out.TopP = 1
		}
	}
	if req.JSON {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if req.MaxTokens > 0 {
		if IsReasoningModel(req.Model) {
			out.MaxCompletionTokens = req.MaxTokens
		} else {
			out.MaxTokens = req.MaxTokens
		}
	}
	return out
}

// IsReasoningModel reports models that take max_completion_tokens instead of
// max_tokens. Vendor prefixes ("openai/o3-mini") are ignored.
func IsReasoningModel(model string) bool {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// classify tags wrapped with the resilience kind implied by the provider's
// response. Errors without a status (transport, an undecodable body) are
// transient unless the caller cancelled.
func classify(wrapped, cause error) error {
	var apiErr *openai.APIError
	if errors.As(cause, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return resilience.FromProviderStatus(wrapped, apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(cause, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return resilience.FromProviderStatus(wrapped, reqErr.HTTPStatusCode)
	}
	if errors.Is(cause, context.Canceled) {
		return wrapped
	}
	return resilience.NewTransientError(wrapped, 0)
}
