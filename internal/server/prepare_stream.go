package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openrag/gateway/internal/apierr"
	"github.com/openrag/gateway/internal/contextguard"
	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/router"
	"github.com/openrag/gateway/internal/store"
	"github.com/openrag/gateway/internal/stream"
)

type prepareStreamRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

type prepareStreamResponse struct {
	StreamToken string `json:"stream_token"`
	StreamURL   string `json:"stream_url"`
	ExpiresIn   int    `json:"expires_in"`
}

// PrepareStream handles POST /api/chat/conversations/{id}/prepare-stream
// (spec.md §4.7.2). It runs entirely within the web request — authorize,
// route, guard, append the user message, mint a stream token — then hands
// off to the Stream Coordinator's KV session for the follow-up GET
// /stream/{token} to actually open the provider stream.
func (s *Server) PrepareStream(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	principal, _ := principalFromContext(r.Context())
	conversationID := r.PathValue("id")

	var req prepareStreamRequest
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

	// Step 1: authorize.
	conv, history, err := s.conversations.GetConversation(r.Context(), principal.ID, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryNotFound, "CONVERSATION_NOT_FOUND", "conversation not found", requestID), s.devMode)
		return
	}
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "GET_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	// Step 2: resolve model, fail fast on unknown.
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

	// Step 3: context guard.
	guardResult, err := contextguard.Check(r.Context(), s.guard, adapter, req.Model, conv.TotalTokens, req.Message, systemPrompt, 0)
	if err != nil {
		apierr.WriteJSON(w, adapterErrToAPIErr(err, requestID), s.devMode)
		return
	}
	if guardResult.Exceeded {
		apierr.WriteJSON(w, contextOverflowAPIErr(requestID, req.Model, guardResult.CurrentTokens, guardResult.IncomingTokens, guardResult.ProjectedTotal, guardResult.Limit), s.devMode)
		return
	}

	// Step 4: append the user message — this commits.
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

	// Step 5: ordered message history fed to the model, including the
	// system prompt if configured.
	chatHistory := make([]domain.ChatMessage, 0, len(history)+2)
	if systemPrompt != "" {
		chatHistory = append(chatHistory, domain.ChatMessage{Role: domain.RoleSystemMsg, Content: systemPrompt})
	}
	for _, m := range history {
		chatHistory = append(chatHistory, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	chatHistory = append(chatHistory, domain.ChatMessage{Role: domain.RoleUserMsg, Content: req.Message})

	// Step 6: mint the stream token.
	token, err := stream.NewToken()
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "TOKEN_GENERATION_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	// Step 7: cache the session in the KV store.
	session := domain.StreamSession{
		Token:          token,
		ConversationID: conversationID,
		PrincipalID:    principal.ID,
		Model:          req.Model,
		History:        chatHistory,
		UserMessageID:  userMsg.ID,
		CreatedAt:      time.Now().UTC(),
		TTLSeconds:     int(s.sessionTTL.Seconds()),
	}
	if err := s.streams.Put(r.Context(), session, s.sessionTTL); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryUnavailable, "KV_UNAVAILABLE", err.Error(), requestID).WithStatus(http.StatusServiceUnavailable), s.devMode)
		return
	}

	// Step 8: respond.
	httpResponseJSON(w, prepareStreamResponse{
		StreamToken: token,
		StreamURL:   "/stream/" + token,
		ExpiresIn:   int(s.sessionTTL.Seconds()),
	}, http.StatusOK)
}
