package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/wemdio/lead-scanner/internal/resilience"
)

// DeliveryIDHeader is read from webhook responses when the receiver assigns
// its own identifier.
const DeliveryIDHeader = "X-Delivery-Id"

// ErrBlockedDestination is returned for webhooks that resolve to loopback,
// private, link-local or otherwise internal addresses.
var ErrBlockedDestination = errors.New("webhook: destination address not allowed")

type webhookPoster struct {
	http *http.Client
}

// newWebhookPoster uses hc as given. A nil hc gets a client whose dialer
// refuses internal addresses unless allowPrivate is set.
func newWebhookPoster(hc *http.Client, allowPrivate bool) *webhookPoster {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
		if !allowPrivate {
			hc.Transport = publicOnlyTransport()
		}
	}
	return &webhookPoster{http: hc}
}

// publicOnlyTransport checks each dialed address after DNS resolution, so a
// public name that resolves to an internal address is refused too.
func publicOnlyTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   refuseInternal,
	}).DialContext
	return t
}

func refuseInternal(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return ErrBlockedDestination
	}
	if internalAddr(ap.Addr()) {
		return ErrBlockedDestination
	}
	return nil
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func internalAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() ||
		a.IsPrivate() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsInterfaceLocalMulticast() ||
		a.IsMulticast() ||
		a.IsUnspecified() ||
		sharedAddressSpace.Contains(a)
}

func (w *webhookPoster) post(ctx context.Context, payload Payload, url string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "webhook: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", resilience.NewPermanentError(eris.Wrap(err, "webhook: create request"), 0)
	}
	req.Header.Set("Content-Type", "application/json")
	// Receivers can dedup redeliveries from the sweep on this key.
	req.Header.Set("Idempotency-Key", payload.LeadID)

	resp, err := w.http.Do(req)
	if errors.Is(err, ErrBlockedDestination) {
		return "", resilience.NewPermanentError(eris.Wrap(err, "webhook: send"), 0)
	}
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "webhook: send"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", resilience.FromHTTPStatus(
			eris.Errorf("webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			resp.StatusCode,
		)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if id := strings.TrimSpace(resp.Header.Get(DeliveryIDHeader)); id != "" {
		return id, nil
	}
	return uuid.NewString(), nil
}
