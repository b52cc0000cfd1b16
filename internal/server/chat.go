package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openrag/gateway/internal/apierr"
	"github.com/openrag/gateway/internal/contextguard"
	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/llm"
	"github.com/openrag/gateway/internal/router"
	"github.com/openrag/gateway/internal/store"
)

type chatRequest struct {
	Message   string `json:"message"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Chat handles POST /api/chat/conversations/{id}/chat, the non-streaming
// turn (spec.md §6.1): same Context Guard path as the streaming prepare
// step, but the assistant message is appended synchronously instead of
// being handed to the Persistence Worker.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	principal, _ := principalFromContext(r.Context())
	conversationID := r.PathValue("id")

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "INVALID_BODY", "invalid request body", requestID), s.devMode)
		return
	}
	if req.Message == "" {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "EMPTY_MESSAGE", "message must not be empty", requestID), s.devMode)
		return
	}
	if req.Model == "" {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "MODEL_REQUIRED", "model is required", requestID), s.devMode)
		return
	}

	conv, history, err := s.conversations.GetConversation(r.Context(), principal.ID, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryNotFound, "CONVERSATION_NOT_FOUND", "conversation not found", requestID), s.devMode)
		return
	}
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "GET_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	adapter, _, routeErr := s.router.Route(req.Model)
	if routeErr != nil {
		var notFound *router.ErrModelNotFound
		if errors.As(routeErr, &notFound) {
			apierr.WriteJSON(w, modelNotFoundAPIErr(notFound, requestID), s.devMode)
			return
		}
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "ROUTE_FAILED", routeErr.Error(), requestID), s.devMode)
		return
	}

	systemPrompt := ""
	if conv.SystemPrompt != nil {
		systemPrompt = *conv.SystemPrompt
	}

	guardResult, err := contextguard.Check(r.Context(), s.guard, adapter, req.Model, conv.TotalTokens, req.Message, systemPrompt, req.MaxTokens)
	if err != nil {
		apierr.WriteJSON(w, adapterErrToAPIErr(err, requestID), s.devMode)
		return
	}
	if guardResult.Exceeded {
		apierr.WriteJSON(w, contextOverflowAPIErr(requestID, req.Model, guardResult.CurrentTokens, guardResult.IncomingTokens, guardResult.ProjectedTotal, guardResult.Limit), s.devMode)
		return
	}

	userMsg, err := s.conversations.AppendMessage(r.Context(), principal.ID, store.AppendMessageInput{
		ConversationID: conversationID,
		Role:           domain.RoleUserMsg,
		Content:        req.Message,
		TokenCount:     guardResult.IncomingTokens,
	})
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "APPEND_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	messages := make([]llm.ChatMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, llm.ChatMessage{Role: domain.RoleSystemMsg, Content: systemPrompt})
	}
	for _, m := range history {
		messages = append(messages, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: domain.RoleUserMsg, Content: req.Message})

	start := time.Now()
	result, err := adapter.ChatOnce(r.Context(), req.Model, messages, llm.Params{MaxTokens: req.MaxTokens})
	if err != nil {
		apierr.WriteJSON(w, adapterErrToAPIErr(err, requestID), s.devMode)
		return
	}
	elapsed := time.Since(start)

	assistantMsg, err := s.conversations.AppendMessage(r.Context(), principal.ID, store.AppendMessageInput{
		ConversationID: conversationID,
		Role:           domain.RoleAssistantMsg,
		Content:        result.Content,
		TokenCount:     result.Usage.TotalTokens,
		ProviderMetadata: map[string]any{
			"model":            req.Model,
			"input_tokens":     result.Usage.InputTokens,
			"output_tokens":    result.Usage.OutputTokens,
			"elapsed_ms":       elapsed.Milliseconds(),
			"user_message_id":  userMsg.ID,
		},
	})
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "APPEND_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	httpResponseJSON(w, map[string]any{
		"user_message":      userMsg,
		"assistant_message": assistantMsg,
		"usage":             result.Usage,
	}, http.StatusOK)
}
