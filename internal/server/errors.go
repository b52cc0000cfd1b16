package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/openrag/gateway/internal/apierr"
	"github.com/openrag/gateway/internal/llm"
	"github.com/openrag/gateway/internal/router"
)

// adapterErrToAPIErr maps an llm.AdapterError (spec.md §4.5's "Required
// mappings from provider wire formats") onto the Error Envelope. A plain
// Go error not wrapping AdapterError is treated as an unreachable provider,
// the most common cause of a raw transport error bubbling up.
func adapterErrToAPIErr(err error, requestID string) *apierr.Error {
	var ae *llm.AdapterError
	if !errors.As(err, &ae) {
		return apierr.New(apierr.CategoryUnavailable, apierr.CodeProviderUnreachable, err.Error(), requestID).WithStatus(http.StatusServiceUnavailable)
	}

	e := apierr.New(apierr.Category(ae.Category), ae.Code, ae.Message, requestID)
	if ae.Category == "rate_limit_error" && ae.RetryAfterSeconds > 0 {
		e = e.WithDetails(map[string]any{"retry_after_seconds": ae.RetryAfterSeconds})
	}
	return e
}

// modelNotFoundAPIErr maps router.ErrModelNotFound onto model_error/404
// with the Levenshtein-nearest suggestions spec.md §4.4 requires.
func modelNotFoundAPIErr(err *router.ErrModelNotFound, requestID string) *apierr.Error {
	return apierr.New(apierr.CategoryModel, apierr.CodeModelNotFound, err.Error(), requestID).
		WithStatus(http.StatusNotFound).
		WithSuggestions(err.Suggestions...)
}

// contextOverflowAPIErr builds the context_limit_error per spec.md §4.6.
func contextOverflowAPIErr(requestID, model string, currentTokens, incomingTokens, projected, limit int) *apierr.Error {
	return apierr.New(apierr.CategoryContextLimit, apierr.CodeContextOverflow, "message would exceed the model's context window", requestID).
		WithDetails(map[string]any{
			"current_tokens":  currentTokens,
			"incoming_tokens": incomingTokens,
			"projected_total": projected,
			"limit":           limit,
			"model":           model,
		}).
		WithSuggestions(
			"Start a new conversation",
			"Use a model with a larger context window (current: "+strconv.Itoa(limit)+")",
			"Shorten your message",
		)
}
