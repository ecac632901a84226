// Package telegram provides a minimal Bot API client for posting lead cards
// to channels and chats.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/wemdio/lead-scanner/internal/resilience"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// MaxMessageLength is the Bot API limit on sendMessage text, in UTF-16 code
// units. Callers truncate by runes, which never exceeds it for BMP text.
const MaxMessageLength = 4096

// Client defines the Bot API operations used for delivery.
type Client interface {
	SendMessage(ctx context.Context, msg SendMessageRequest) (*SentMessage, error)
}

// ParseMode selects Bot API text formatting.
type ParseMode string

const (
	ParseModeNone ParseMode = ""
	ParseModeHTML ParseMode = "HTML"
)

// SendMessageRequest is the sendMessage payload.
type SendMessageRequest struct {
	ChatID                string    `json:"chat_id"`
	Text                  string    `json:"text"`
	ParseMode             ParseMode `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool      `json:"disable_web_page_preview,omitempty"`
}

// SentMessage is the subset of the Bot API Message object we read back.
type SentMessage struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

// DeliveryID renders the sent message as an opaque delivery identifier.
func (m *SentMessage) DeliveryID() string {
	return strconv.FormatInt(m.Chat.ID, 10) + ":" + strconv.FormatInt(m.MessageID, 10)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// APIError is a Bot API failure response.
type APIError struct {
	StatusCode  int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram: api error %d: %s (retry after %s)", e.StatusCode, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram: api error %d: %s", e.StatusCode, e.Description)
}

// Option configures the Telegram client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing or a local Bot API server).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Bot API client for the given bot token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: DefaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SendMessage(ctx context.Context, msg SendMessageRequest) (*SentMessage, error) {
	if c.token == "" {
		return nil, resilience.NewPermanentError(eris.New("telegram: bot token not configured"), 0)
	}
	if strings.TrimSpace(msg.ChatID) == "" {
		return nil, resilience.NewPermanentError(eris.New("telegram: empty chat id"), 0)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, eris.Wrap(err, "telegram: marshal request")
	}

	reqURL := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "telegram: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The request URL embeds the token; keep it out of logs.
		return nil, resilience.NewTransientError(eris.Wrap(redactToken(err, c.token), "telegram: send message"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "telegram: read response body"), resp.StatusCode)
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, resilience.FromHTTPStatus(
			eris.Wrapf(err, "telegram: unmarshal response (status %d)", resp.StatusCode), resp.StatusCode)
	}

	if !ar.OK {
		code := ar.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		apiErr := &APIError{
			StatusCode:  code,
			Description: ar.Description,
			RetryAfter:  time.Duration(ar.Parameters.RetryAfter) * time.Second,
		}
		return nil, resilience.FromHTTPStatus(apiErr, code)
	}

	var sent SentMessage
	if err := json.Unmarshal(ar.Result, &sent); err != nil {
		return nil, eris.Wrap(err, "telegram: unmarshal message")
	}
	return &sent, nil
}

func redactToken(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return eris.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}
