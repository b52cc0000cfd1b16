package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/openrag/gateway/internal/apierr"
	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/llm"
	"github.com/openrag/gateway/internal/router"
	"github.com/openrag/gateway/internal/store"
	"github.com/openrag/gateway/internal/stream"
)

// Stream handles GET /stream/{token} (spec.md §4.7.3). This endpoint is
// mounted outside the authenticated route group — the stream token is
// itself the capability, minted only after auth+authorization in
// PrepareStream and single-use from here on.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	token := r.PathValue("token")

	session, err := s.streams.Claim(r.Context(), token)
	switch {
	case errors.Is(err, stream.ErrSessionNotFound):
		apierr.WriteJSON(w, apierr.New(apierr.CategoryAuth, apierr.CodeStreamTokenInvalid, "stream token not found or expired", requestID), s.devMode)
		return
	case errors.Is(err, stream.ErrSessionConsumed):
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, apierr.CodeStreamConsumed, "stream token already consumed", requestID), s.devMode)
		return
	case err != nil:
		apierr.WriteJSON(w, apierr.New(apierr.CategoryUnavailable, "KV_UNAVAILABLE", err.Error(), requestID).WithStatus(http.StatusServiceUnavailable), s.devMode)
		return
	}

	adapter, _, routeErr := s.router.Route(session.Model)
	if routeErr != nil {
		var notFound *router.ErrModelNotFound
		if errors.As(routeErr, &notFound) {
			apierr.WriteJSON(w, modelNotFoundAPIErr(notFound, requestID), s.devMode)
			return
		}
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "ROUTE_FAILED", routeErr.Error(), requestID), s.devMode)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "STREAMING_UNSUPPORTED", "response writer does not support flushing", requestID), s.devMode)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	placeholderID := ulid.Make().String()
	writeSSEFrame(w, flusher, map[string]any{
		"type":                             "conversation_start",
		"conversation_id":                  session.ConversationID,
		"assistant_message_placeholder_id": placeholderID,
	})

	ctx, cancel := context.WithTimeout(r.Context(), s.wallclockCap)
	defer cancel()

	messages := make([]llm.ChatMessage, len(session.History))
	copy(messages, session.History)

	events, err := adapter.ChatStream(ctx, session.Model, messages, llm.Params{})
	if err != nil {
		writeStreamError(w, flusher, adapterErrToAPIErr(err, requestID))
		s.enqueuePersist(context.Background(), session, "", "", "", llm.Usage{}, 0)
		return
	}

	var content, reasoning, raw strings.Builder
	var usage llm.Usage
	var reasoningOpen bool
	var extractor stream.ReasoningExtractor
	interrupted := false

	toolStarted := map[string]time.Time{}

loop:
	for {
		select {
		case <-ctx.Done():
			interrupted = true
			break loop
		case event, ok := <-events:
			if !ok {
				break loop
			}
			switch event.Type {
			case llm.EventTokenDelta:
				raw.WriteString(event.Text)
				for _, p := range extractor.Feed(event.Text) {
					if !emitReasoningPiece(w, flusher, p, &content, &reasoning, &reasoningOpen) {
						interrupted = true
						break loop
					}
				}
			case llm.EventReasoningDelta:
				reasoning.WriteString(event.Text)
				if !reasoningOpen {
					reasoningOpen = true
					if !writeSSEFrame(w, flusher, map[string]any{"type": "thinking_start"}) {
						interrupted = true
						break loop
					}
				}
				if !writeSSEFrame(w, flusher, map[string]any{"type": "thinking_delta", "content": event.Text}) {
					interrupted = true
					break loop
				}
			case llm.EventToolCallStart:
				toolStarted[event.ToolCallID] = time.Now()
				if !writeSSEFrame(w, flusher, map[string]any{
					"type": "tool_call_start", "tool_call_id": event.ToolCallID,
					"name": event.ToolName, "arguments_partial": event.ToolArgumentsPartial,
				}) {
					interrupted = true
					break loop
				}
			case llm.EventToolCallEnd:
				elapsedMS := int64(0)
				if started, ok := toolStarted[event.ToolCallID]; ok {
					elapsedMS = time.Since(started).Milliseconds()
				}
				if !writeSSEFrame(w, flusher, map[string]any{
					"type": "tool_call_end", "tool_call_id": event.ToolCallID,
					"success": event.ToolError == "", "result": event.ToolResult,
					"error": event.ToolError, "execution_time_ms": elapsedMS,
				}) {
					interrupted = true
					break loop
				}
			case llm.EventUsage:
				usage = event.Usage
				if !writeSSEFrame(w, flusher, map[string]any{
					"type": "usage", "input_tokens": usage.InputTokens,
					"output_tokens": usage.OutputTokens, "total_tokens": usage.TotalTokens,
				}) {
					interrupted = true
					break loop
				}
			case llm.EventError:
				writeStreamError(w, flusher, apierr.New(apierr.Category(categoryOrDefault(event.ErrorCode)), event.ErrorCode, event.ErrorMessage, requestID).WithStatus(0))
				interrupted = true
				break loop
			case llm.EventDone:
				if event.Usage.TotalTokens > 0 {
					usage = event.Usage
				}
				break loop
			}
		}
	}

	for _, p := range extractor.Flush() {
		emitReasoningPiece(w, flusher, p, &content, &reasoning, &reasoningOpen)
	}
	if reasoningOpen {
		writeSSEFrame(w, flusher, map[string]any{"type": "thinking_end"})
	}

	finalContent := content.String()
	finalReasoning := reasoning.String()

	var reasoningPtr *string
	if finalReasoning != "" {
		reasoningPtr = &finalReasoning
	}
	writeSSEFrame(w, flusher, map[string]any{
		"type": "message_complete",
		"message": map[string]any{
			"id":                placeholderID,
			"conversation_id":   session.ConversationID,
			"role":              "assistant",
			"content":           finalContent,
			"reasoning_content": reasoningPtr,
			"token_count":       usage.TotalTokens,
		},
	})
	writeSSEFrame(w, flusher, map[string]any{"type": "done"})

	s.enqueuePersist(context.Background(), session, finalContent, finalReasoning, raw.String(), usage, time.Since(session.CreatedAt).Milliseconds())

	if interrupted {
		slog.Warn("stream interrupted", "conversation_id", session.ConversationID, "user_message_id", session.UserMessageID)
	}

	if err := s.streams.Delete(context.Background(), token); err != nil {
		slog.Error("failed to delete consumed stream session", "token", token, "error", err)
	}
}

// enqueuePersist hands the assembled turn off to the Persistence Worker
// (spec.md §4.7.3 step 5 / §4.8), using a background context since the
// request may already be cancelled by the time this runs.
func (s *Server) enqueuePersist(ctx context.Context, session *domain.StreamSession, content, reasoning, raw string, usage llm.Usage, elapsedMS int64) {
	if _, err := s.jobs.EnqueuePersistJob(ctx, store.PersistJob{
		ConversationID: session.ConversationID,
		PrincipalID:    session.PrincipalID,
		UserMessageID:  session.UserMessageID,
		Content:        content,
		Reasoning:      reasoning,
		Raw:            raw,
		Model:          session.Model,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		TotalTokens:    usage.TotalTokens,
		ElapsedMS:      elapsedMS,
	}); err != nil {
		slog.Error("failed to enqueue persistence job", "conversation_id", session.ConversationID, "error", err)
	}
}

// emitReasoningPiece writes the appropriate SSE frame for one extractor
// piece and accumulates it into the user-visible or reasoning buffer.
// Returns false if the write failed (client disconnected).
func emitReasoningPiece(w http.ResponseWriter, flusher http.Flusher, p stream.Piece, content, reasoning *strings.Builder, reasoningOpen *bool) bool {
	if p.ReasoningStart {
		*reasoningOpen = true
		if !writeSSEFrame(w, flusher, map[string]any{"type": "thinking_start"}) {
			return false
		}
	}
	if p.Text != "" {
		if p.Reasoning {
			reasoning.WriteString(p.Text)
			if !writeSSEFrame(w, flusher, map[string]any{"type": "thinking_delta", "content": p.Text}) {
				return false
			}
		} else {
			content.WriteString(p.Text)
			if !writeSSEFrame(w, flusher, map[string]any{"type": "content_delta", "content": p.Text}) {
				return false
			}
		}
	}
	if p.ReasoningEnd {
		*reasoningOpen = false
		if !writeSSEFrame(w, flusher, map[string]any{"type": "thinking_end"}) {
			return false
		}
	}
	return true
}

// writeSSEFrame marshals payload and writes one SSE frame, flushing
// immediately (spec.md §6.2), grounded on the teacher's writeSSEChunk in
// gateway.go. Returns false on write failure (client disconnect).
func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, payload map[string]any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal SSE frame", "error", err)
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// writeStreamError emits a terminal SSE error frame carrying the Error
// Envelope fields (spec.md §6.2's "error" event).
func writeStreamError(w http.ResponseWriter, flusher http.Flusher, e *apierr.Error) {
	writeSSEFrame(w, flusher, map[string]any{
		"type":       "error",
		"code":       e.Code,
		"message":    e.Message,
		"request_id": e.RequestID,
		"retryable":  e.Retryable(),
	})
}

func categoryOrDefault(code string) string {
	switch code {
	case apierr.CodeRateLimited:
		return string(apierr.CategoryRateLimit)
	case apierr.CodeCapacityExhausted:
		return string(apierr.CategoryResource)
	case apierr.CodeContextOverflow:
		return string(apierr.CategoryContextLimit)
	case apierr.CodeProviderTimeout, apierr.CodeProviderUnreachable:
		return string(apierr.CategoryUnavailable)
	default:
		return string(apierr.CategoryValidation)
	}
}
