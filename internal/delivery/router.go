// Package delivery posts detected leads to tenant outbound channels.
//
// A channel identifier that starts with http:// or https:// is a webhook and
// receives the payload as JSON. Anything else is a Telegram chat id or
// @channel name and receives an HTML card through the Bot API.
package delivery

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/pkg/telegram"
)

// ErrDelivery matches every failure returned by Router.Post.
var ErrDelivery = eris.New("delivery: post failed")

// Poster delivers a payload to an outbound channel and returns the
// channel-specific delivery identifier.
type Poster interface {
	Post(ctx context.Context, payload Payload, channel string) (string, error)
}

// Error is a failed delivery attempt. Permanent is set when retrying the same
// channel cannot succeed without a configuration change (bad chat id, bot
// removed, webhook rejected the request).
type Error struct {
	Channel   string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	return "delivery: post to " + e.Channel + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDelivery) match any delivery failure.
func (e *Error) Is(target error) bool { return target == ErrDelivery }

// ChannelKind names the transport used for a channel identifier.
type ChannelKind string

const (
	ChannelTelegram ChannelKind = "telegram"
	ChannelWebhook  ChannelKind = "webhook"
)

// KindOf classifies a channel identifier.
func KindOf(channel string) ChannelKind {
	c := strings.ToLower(strings.TrimSpace(channel))
	if strings.HasPrefix(c, "http://") || strings.HasPrefix(c, "https://") {
		return ChannelWebhook
	}
	return ChannelTelegram
}

// Option configures a Router.
type Option func(*Router)

// WithTimeout bounds each Post call. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRateLimit sets the global outbound pace shared by all channels.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Router) {
		if perSecond > 0 {
			r.global = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithChannelRateLimit sets the per-channel pace.
func WithChannelRateLimit(limit rate.Limit, burst int) Option {
	return func(r *Router) {
		r.channelRate = limit
		r.channelBurst = max(burst, 1)
	}
}

// WithBreakers sets the circuit breaker registry, keyed per channel.
func WithBreakers(b *resilience.Breakers) Option {
	return func(r *Router) {
		r.breakers = b
	}
}

// WithHTTPClient sets the HTTP client used for webhook channels. The client
// is used as given, without the internal address guard.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Router) {
		r.webhookClient = hc
	}
}

// WithPrivateWebhooks lets webhook channels reach loopback and private
// network addresses. Off by default.
func WithPrivateWebhooks(allow bool) Option {
	return func(r *Router) {
		r.allowPrivate = allow
	}
}

// Router dispatches payloads to Telegram or webhook channels with global and
// per-channel rate limiting and a circuit breaker per channel.
type Router struct {
	telegram telegram.Client
	webhook  *webhookPoster
	breakers *resilience.Breakers
	timeout  time.Duration

	webhookClient *http.Client
	allowPrivate  bool

	global       *rate.Limiter
	channelRate  rate.Limit
	channelBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRouter creates a Router. tg may be nil when only webhook channels are
// used; Telegram channels then fail permanently.
func NewRouter(tg telegram.Client, opts ...Option) *Router {
	r := &Router{
		telegram:     tg,
		breakers:     resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()),
		timeout:      10 * time.Second,
		global:       rate.NewLimiter(25, 5),
		channelRate:  rate.Every(time.Second),
		channelBurst: 3,
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.webhook = newWebhookPoster(r.webhookClient, r.allowPrivate)
	return r
}

// Breakers exposes the per-channel circuit breakers for monitoring.
func (r *Router) Breakers() *resilience.Breakers {
	return r.breakers
}

// Post delivers payload to channel. Every returned error matches ErrDelivery
// and carries resilience.KindDelivery.
func (r *Router) Post(ctx context.Context, payload Payload, channel string) (string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return "", r.fail(channel, true, eris.New("no outbound channel configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.global.Wait(ctx); err != nil {
		return "", r.fail(channel, false, eris.Wrap(err, "global rate limit"))
	}
	if err := r.channelLimiter(channel).Wait(ctx); err != nil {
		return "", r.fail(channel, false, eris.Wrap(err, "channel rate limit"))
	}

	kind := KindOf(channel)
	cb := r.breakers.Get(string(kind) + ":" + channel)

	id, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (string, error) {
		switch kind {
		case ChannelWebhook:
			return r.webhook.post(ctx, payload, channel)
		default:
			return r.postTelegram(ctx, payload, channel)
		}
	})
	if err != nil {
		permanent := resilience.Kind(err) == resilience.KindPermanent
		return "", r.fail(channel, permanent, err)
	}

	zap.L().Debug("delivery: posted",
		zap.String("channel_kind", string(kind)),
		zap.String("lead_id", payload.LeadID),
		zap.String("delivery_id", id),
	)
	return id, nil
}

func (r *Router) postTelegram(ctx context.Context, payload Payload, chatID string) (string, error) {
	if r.telegram == nil {
		return "", resilience.NewPermanentError(eris.New("telegram client not configured"), 0)
	}
	sent, err := r.telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:                chatID,
		Text:                  RenderHTML(payload),
		ParseMode:             telegram.ParseModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return "", err
	}
	return sent.DeliveryID(), nil
}

func (r *Router) channelLimiter(channel string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[channel]
	if !ok {
		l = rate.NewLimiter(r.channelRate, r.channelBurst)
		r.limiters[channel] = l
	}
	return l
}

func (r *Router) fail(channel string, permanent bool, err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		permanent = false
	}
	return resilience.WithKind(resilience.KindDelivery, &Error{
		Channel:   channel,
		Permanent: permanent,
		Err:       err,
	})
}
