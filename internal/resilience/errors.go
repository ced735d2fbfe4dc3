// Package resilience provides outcome classification, retry, and rate
// limiting for long-running bulk-fetch jobs against external APIs.
package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"

	"github.com/nlgeodata/harvest-cli/internal/model"
)

// ErrNotFound marks a valid negative: the upstream has no data for the item.
var ErrNotFound = eris.New("not found")

// TransientError wraps an error that is safe to retry (network fault, 5xx).
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

// RateLimitedError marks an upstream throttling response (HTTP 429). It is
// never retried locally; the engine escalates it to the limiter's cooldown.
type RateLimitedError struct {
	Err error
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }

func (e *RateLimitedError) Unwrap() error { return e.Err }

// NewRateLimitedError wraps an error as a throttling signal.
func NewRateLimitedError(err error) *RateLimitedError {
	return &RateLimitedError{Err: err}
}

// FatalError marks a misconfiguration (bad URL template, missing parameter).
// It aborts the whole run instead of being counted as an item failure.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) *FatalError {
	return &FatalError{Err: err}
}

// Classify maps an error onto the fetch-outcome taxonomy. Unknown errors are
// treated as transient: a bulk job that runs for weeks must not abort on a
// failure mode nobody anticipated.
func Classify(err error) model.Outcome {
	if err == nil {
		return model.OutcomeSuccess
	}
	if errors.Is(err, ErrNotFound) {
		return model.OutcomeNotFound
	}
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return model.OutcomeRateLimited
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return model.OutcomeFatal
	}
	return model.OutcomeTransient
}

// ClassifyHTTPStatus maps an HTTP status code onto the outcome taxonomy.
func ClassifyHTTPStatus(status int) model.Outcome {
	switch {
	case status == http.StatusNotFound:
		return model.OutcomeNotFound
	case status == http.StatusTooManyRequests:
		return model.OutcomeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// Credentials or ACL problem: retrying cannot help.
		return model.OutcomeFatal
	case status >= 200 && status < 300:
		return model.OutcomeSuccess
	default:
		return model.OutcomeTransient
	}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
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

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection aborted",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"socket access denied",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
