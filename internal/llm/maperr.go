package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrProviderUnreachable wraps low-level connection failures so adapters
// can recognize them with errors.Is after wrapping with more context.
var ErrProviderUnreachable = errors.New("provider unreachable")

// AdapterError carries the apierr-shaped classification spec.md §4.5
// requires from every adapter, without internal/llm depending on
// internal/apierr (kept import-direction-clean: server maps AdapterError
// onto apierr.Error, not the other way around).
type AdapterError struct {
	Category  string // validation_error | rate_limit_error | resource_error | service_unavailable | context_limit_error
	Code      string
	Message   string
	Retryable bool
	RetryAfterSeconds int
}

func (e *AdapterError) Error() string { return e.Message }

// ClassifyHTTPStatus maps a non-2xx HTTP response from a provider onto the
// category/code pairs required by spec.md §4.5's "Required mappings from
// provider wire formats".
func ClassifyHTTPStatus(status int, body []byte) *AdapterError {
	text := strings.ToLower(string(body))
	switch {
	case status == http.StatusTooManyRequests || strings.Contains(text, "rate limit"):
		return &AdapterError{Category: "rate_limit_error", Code: "RATE_LIMITED", Message: "provider rate limited the request", Retryable: true}
	case status == http.StatusRequestEntityTooLarge || strings.Contains(text, "context length") || strings.Contains(text, "maximum context") || strings.Contains(text, "context_length_exceeded"):
		return &AdapterError{Category: "context_limit_error", Code: "CONTEXT_OVERFLOW", Message: "provider reported a context overflow", Retryable: false}
	case strings.Contains(text, "out of memory") || strings.Contains(text, "capacity") || strings.Contains(text, "overloaded"):
		return &AdapterError{Category: "resource_error", Code: "CAPACITY_EXHAUSTED", Message: "provider is out of capacity", Retryable: true}
	case status >= 500:
		return &AdapterError{Category: "service_unavailable", Code: "PROVIDER_UNREACHABLE", Message: fmt.Sprintf("provider returned status %d", status), Retryable: true}
	case status >= 400:
		return &AdapterError{Category: "validation_error", Code: "PROVIDER_REJECTED", Message: fmt.Sprintf("provider rejected the request (status %d): %s", status, string(body)), Retryable: false}
	default:
		return &AdapterError{Category: "service_unavailable", Code: "PROVIDER_UNREACHABLE", Message: fmt.Sprintf("unexpected provider status %d", status), Retryable: true}
	}
}

// ClassifyMessage inspects a provider-supplied error message (no HTTP
// status attached, e.g. an error field inside a 200 response or an SSE
// error event) and applies the same taxonomy.
func ClassifyMessage(message, kind string) *AdapterError {
	text := strings.ToLower(message + " " + kind)
	switch {
	case strings.Contains(text, "rate") && strings.Contains(text, "limit"):
		return &AdapterError{Category: "rate_limit_error", Code: "RATE_LIMITED", Message: message, Retryable: true}
	case strings.Contains(text, "context") && (strings.Contains(text, "length") || strings.Contains(text, "exceed") || strings.Contains(text, "overflow")):
		return &AdapterError{Category: "context_limit_error", Code: "CONTEXT_OVERFLOW", Message: message, Retryable: false}
	case strings.Contains(text, "overloaded") || strings.Contains(text, "capacity") || strings.Contains(text, "out of memory"):
		return &AdapterError{Category: "resource_error", Code: "CAPACITY_EXHAUSTED", Message: message, Retryable: true}
	default:
		return &AdapterError{Category: "validation_error", Code: "PROVIDER_REJECTED", Message: message, Retryable: false}
	}
}

func (e *AdapterError) AsStreamEvent() StreamEvent {
	return StreamEvent{Type: EventError, ErrorCode: e.Code, ErrorMessage: e.Message, ErrorRetryable: e.Retryable}
}
