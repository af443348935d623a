package backoff

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind classifies a failed request.
type Kind string

const (
	KindRateLimited       Kind = "rate_limited"
	KindClientError       Kind = "client_error"
	KindServerError       Kind = "server_error"
	KindTimeout           Kind = "timeout"
	KindConnectionFailure Kind = "connection"
	KindUnknown           Kind = "unknown"
)

// Classify maps an HTTP status code to an error kind. 429 is rate limiting,
// the rest of 4xx are client errors and 5xx are server errors. Anything else,
// including success codes, is Unknown.
func Classify(statusCode int) Kind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode >= 400 && statusCode < 500:
		return KindClientError
	case statusCode >= 500 && statusCode < 600:
		return KindServerError
	default:
		return KindUnknown
	}
}

// ClassifyError maps a transport error to an error kind.
func ClassifyError(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectionFailure
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectionFailure
	}
	return KindUnknown
}

// RequestError is a classified failure of one upstream request.
type RequestError struct {
	Endpoint   string
	StatusCode int
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

// NewStatusError builds a RequestError from an HTTP response status.
func NewStatusError(endpoint string, statusCode int, retryAfter time.Duration) *RequestError {
	return &RequestError{
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Kind:       Classify(statusCode),
		RetryAfter: retryAfter,
	}
}

// NewTransportError builds a RequestError from a transport failure.
func NewTransportError(endpoint string, err error) *RequestError {
	return &RequestError{
		Endpoint: endpoint,
		Kind:     ClassifyError(err),
		Err:      err,
	}
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: upstream returned %d (%s)", e.Endpoint, e.StatusCode, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Endpoint, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Kind)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure kind may ever be retried.
func (e *RequestError) Retryable() bool {
	return e.Kind != KindClientError
}
