package llms

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/httpclient"
)

// ErrorKind classifies provider failures so the scheduler can decide
// between retrying, compacting, or surfacing the error.
type ErrorKind string

const (
	// ErrTransient covers rate limits, 5xx, and network failures. Worth
	// retrying with backoff.
	ErrTransient ErrorKind = "transient"
	// ErrContextOverflow means the request exceeded the model's context
	// window. Retrying only helps after compaction.
	ErrContextOverflow ErrorKind = "context_overflow"
	// ErrAuth covers invalid or missing credentials. Never retried.
	ErrAuth ErrorKind = "auth"
	// ErrFatal is everything else: malformed request, unknown model.
	ErrFatal ErrorKind = "fatal"
)

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classify returns the error kind for any error, defaulting to fatal.
func Classify(err error) ErrorKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	var rerr *httpclient.RetryableError
	if errors.As(err, &rerr) {
		return ErrTransient
	}
	// transport failures: connection refused, reset, DNS, timeouts
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return ErrTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return ErrTransient
	}
	return ErrFatal
}

// overflowMarkers are substrings providers use to report a context window
// excess inside an otherwise generic 400.
var overflowMarkers = []string{
	"prompt is too long",
	"context length",
	"context window",
	"maximum context",
	"too many tokens",
}

// classifyHTTP maps a provider HTTP failure onto an error kind using the
// status code plus the error body text.
func classifyHTTP(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)
	for _, marker := range overflowMarkers {
		if strings.Contains(lower, marker) {
			return ErrContextOverflow
		}
	}
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusTooManyRequests, http.StatusRequestTimeout,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrTransient
	default:
		return ErrFatal
	}
}
