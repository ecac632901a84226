// Package anthropic is a single-turn Messages API client used as the
// independent lead verifier.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/wemdio/lead-scanner/internal/resilience"
)

// Client sends one prompt and returns the model's text.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is a single user turn under a system prompt.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	// CacheSystem marks the system prompt as an ephemeral cache breakpoint.
	// The verifier prompt is identical across tenants, so it is cached.
	CacheSystem bool
	Prompt      string
	Temperature float64
}

// Response carries the concatenated text blocks and token usage.
type Response struct {
	ID         string
	Model      string
	StopReason string
	Text       string
	Usage      Usage
}

// Usage is the token accounting for one call.
type Usage struct {
	Input      int
	Output     int
	CacheWrite int
	CacheRead  int
}

type sdkClient struct {
	api sdk.Client
}

// NewClient returns a Client for apiKey. The SDK's own retries are off;
// the verifier retries through resilience.DoVal.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &sdkClient{api: sdk.NewClient(opts...)}
}

func (c *sdkClient) Complete(ctx context.Context, req Request) (*Response, error) {
	msg, err := c.api.Messages.New(ctx, newParams(req))
	if err != nil {
		return nil, classify(err)
	}
	return newResponse(msg), nil
}

func newParams(req Request) sdk.MessageNewParams {
	p := sdk.MessageNewParams{
		Model:       sdk.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		Temperature: sdk.Float(req.Temperature),
	}
	if req.System != "" {
		sys := sdk.TextBlockParam{Text: req.System}
		if req.CacheSystem {
			sys.CacheControl = sdk.NewCacheControlEphemeralParam()
		}
		p.System = []sdk.TextBlockParam{sys}
	}
	return p
}

func newResponse(msg *sdk.Message) *Response {
	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Text:       text.String(),
		Usage: Usage{
			Input:      int(msg.Usage.InputTokens),
			Output:     int(msg.Usage.OutputTokens),
			CacheWrite: int(msg.Usage.CacheCreationInputTokens),
			CacheRead:  int(msg.Usage.CacheReadInputTokens),
		},
	}
}

// classify maps API status codes onto the resilience taxonomy. Anything
// without a status (network, decode) is transient unless the caller
// cancelled.
func classify(err error) error {
	wrapped := eris.Wrap(err, "anthropic: complete")
	var apiErr *sdk.Error
	switch {
	case errors.As(err, &apiErr):
		return resilience.FromProviderStatus(wrapped, apiErr.StatusCode)
	case errors.Is(err, context.Canceled):
		return wrapped
	default:
		return resilience.NewTransientError(wrapped, 0)
	}
}
