// Package llm provides the provider clients and the retry/fallback pipeline
// that turns a completion request into a CompletionResult.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// ErrorType categorizes provider failures for retry and fallback decisions.
type ErrorType string

const (
	ErrorTypeNone               ErrorType = ""
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeServiceUnavailable ErrorType = "service_unavailable"
	ErrorTypeUnknown            ErrorType = "unknown"
)

// ErrEmptyReply marks a successful call that produced no text, e.g. a
// content filter or a length stop before any output.
var ErrEmptyReply = errors.New("provider returned an empty reply")

// statusOverloaded is Anthropic's non-standard "overloaded" status.
const statusOverloaded = 529

// ProviderError is the error returned by every Client method.
type ProviderError struct {
	Kind       ErrorType
	StatusCode int // 0 when the failure never produced an HTTP status
	Provider   string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth waiting out.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ErrorTypeRateLimit
}

// KindOf returns the classification carried by err, or ErrorTypeUnknown for
// errors that did not come from a provider client.
func KindOf(err error) ErrorType {
	if err == nil {
		return ErrorTypeNone
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorTypeUnknown
}

// ClassifyStatus maps an HTTP status code to an ErrorType.
func ClassifyStatus(status int) ErrorType {
	switch status {
	case http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case http.StatusBadGateway, http.StatusServiceUnavailable, statusOverloaded:
		return ErrorTypeServiceUnavailable
	default:
		return ErrorTypeUnknown
	}
}

// classify wraps a raw transport/SDK error into a ProviderError.
// Status codes win; deadline and net timeouts map to timeout; anything
// without a status falls back to message matching.
func classify(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	if status := statusOf(err); status != 0 {
		return &ProviderError{Kind: ClassifyStatus(status), StatusCode: status, Provider: provider, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: ErrorTypeTimeout, Provider: provider, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Kind: ErrorTypeTimeout, Provider: provider, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Kind: ErrorTypeUnknown, Provider: provider, Err: err}
	}

	return &ProviderError{Kind: ClassifyMessage(err.Error()), Provider: provider, Err: err}
}

// statusOf extracts an HTTP status from the SDK error types.
func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) && antErr.StatusCode != 0 {
		return antErr.StatusCode
	}
	return 0
}

// ClassifyMessage determines the error type from an error message. Used for
// mid-stream failures where providers report errors as SSE events.
func ClassifyMessage(msg string) ErrorType {
	if msg == "" {
		return ErrorTypeUnknown
	}
	if IsRateLimitMessage(msg) {
		return ErrorTypeRateLimit
	}
	if IsOverloadedMessage(msg) {
		return ErrorTypeServiceUnavailable
	}
	if IsTimeoutMessage(msg) {
		return ErrorTypeTimeout
	}
	return ErrorTypeUnknown
}

// IsRateLimitMessage checks if a message indicates rate limiting.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)

	if strings.Contains(lower, "429") {
		return true
	}

	return strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "requests per minute")
}

// IsOverloadedMessage checks if a message indicates the service is overloaded.
func IsOverloadedMessage(msg string) bool {
	lower := strings.ToLower(msg)

	if (strings.Contains(lower, "503") || strings.Contains(lower, "502")) &&
		(strings.Contains(lower, "service") || strings.Contains(lower, "unavailable") || strings.Contains(lower, "gateway")) {
		return true
	}

	return strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "server is busy") ||
		strings.Contains(lower, "temporarily unavailable")
}

// IsTimeoutMessage checks if a message indicates a timeout.
func IsTimeoutMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded")
}
