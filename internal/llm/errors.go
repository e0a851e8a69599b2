package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/openai/openai-go"
)

var (
	// ErrTimeout is returned when a provider call exceeds its deadline.
	ErrTimeout = errors.New("provider request timed out")
	// ErrConnection is returned when the provider could not be reached.
	ErrConnection = errors.New("provider connection failed")
	// ErrEmptyCompletion is returned for a 200 response without usable content.
	ErrEmptyCompletion = errors.New("provider returned no completion content")
)

// StatusError is a non-200 provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Failure is the class of a failed provider call.
type Failure string

const (
	FailureNone         Failure = ""
	FailureRateLimited  Failure = "rate_limited"
	FailureUnauthorized Failure = "unauthorized"
	FailureStatus       Failure = "status"
	FailureEmpty        Failure = "empty"
	FailureTimeout      Failure = "timeout"
	FailureConnection   Failure = "connection"
	FailureOther        Failure = "other"
)

// Classify maps a transport error to its Failure class.
func Classify(err error) Failure {
	if err == nil {
		return FailureNone
	}

	var status *StatusError
	if errors.As(err, &status) {
		return classifyStatus(status.StatusCode)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode)
	}

	switch {
	case errors.Is(err, ErrEmptyCompletion):
		return FailureEmpty
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrConnection):
		return FailureConnection
	}

	if errors.Is(err, context.Canceled) {
		return FailureOther
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return FailureConnection
	}
	return FailureOther
}

func classifyStatus(code int) Failure {
	switch code {
	case http.StatusTooManyRequests:
		return FailureRateLimited
	case http.StatusUnauthorized:
		return FailureUnauthorized
	default:
		return FailureStatus
	}
}

// wrapTransportError normalizes a client error into ErrTimeout or
// ErrConnection while keeping the original in the chain.
func wrapTransportError(err error) error {
	switch Classify(err) {
	case FailureTimeout:
		if errors.Is(err, ErrTimeout) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case FailureConnection:
		if errors.Is(err, ErrConnection) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnection, err)
	default:
		return err
	}
}
