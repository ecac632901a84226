package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorKind is the scanner's error taxonomy. Each kind maps to one handling
// policy, from retrying the call to aborting the tick.
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindPermanent  ErrorKind = "permanent"
	KindValidation ErrorKind = "validation"
	KindDelivery   ErrorKind = "delivery"
	KindFatal      ErrorKind = "fatal"
	// KindRejected is a provider refusing one request (content policy,
	// context length). It fails that message only and is not retried.
	KindRejected   ErrorKind = "rejected"
)

// TransientError wraps an error that is safe to retry (429, 5xx, timeouts,
// unparseable provider output).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError wraps an error that will not go away by retrying within the
// current tick: missing credentials, rejected authorization, bad tenant config.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps an error as permanent with an optional HTTP status code.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// KindError tags an error with an explicit kind. Used for the kinds that have
// no dedicated wrapper type.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// WithKind tags err with kind. A nil err stays nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Kind classifies err. Only an explicit PermanentError reports as permanent;
// untagged errors report as transient and stay scoped to the failing call.
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return KindPermanent
	}
	return KindTransient
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsAuthHTTPStatus reports statuses that mean the credential was rejected.
func IsAuthHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusUnauthorized ||
		statusCode == http.StatusPaymentRequired ||
		statusCode == http.StatusForbidden
}

// FromHTTPStatus wraps err according to the response status of an outbound
// delivery: transient for 408/429/5xx, permanent otherwise.
func FromHTTPStatus(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	if IsTransientHTTPStatus(statusCode) {
		return NewTransientError(err, statusCode)
	}
	return NewPermanentError(err, statusCode)
}

// FromProviderStatus wraps an AI provider error according to its status.
// 408/429/5xx are transient and a rejected credential is permanent. Any
// other status refuses this request only and is tagged KindRejected.
func FromProviderStatus(err error, statusCode int) error {
	switch {
	case err == nil:
		return nil
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(err, statusCode)
	case IsAuthHTTPStatus(statusCode):
		return NewPermanentError(err, statusCode)
	default:
		return WithKind(KindRejected, err)
	}
}
