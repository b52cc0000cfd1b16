package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/openrag/gateway/internal/apierr"
	"github.com/openrag/gateway/internal/store"
)

const maxTitleLength = 200

type createConversationRequest struct {
	Title        string         `json:"title"`
	Model        *string        `json:"model,omitempty"`
	SystemPrompt *string        `json:"system_prompt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CreateConversation handles POST /api/chat/conversations (spec.md §4.3
// create_conversation).
func (s *Server) CreateConversation(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	principal, _ := principalFromContext(r.Context())

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "INVALID_BODY", "invalid request body", requestID), s.devMode)
		return
	}
	if req.Title == "" || len(req.Title) > maxTitleLength {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "INVALID_TITLE", "title must be non-empty and at most 200 characters", requestID), s.devMode)
		return
	}

	conv, err := s.conversations.CreateConversation(r.Context(), principal.ID, req.Title, req.Model, req.SystemPrompt, req.Metadata)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "CREATE_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	httpResponseJSON(w, conv, http.StatusCreated)
}

// ListConversations handles GET /api/chat/conversations (spec.md §4.3
// list_conversations).
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	principal, _ := principalFromContext(r.Context())

	q := r.URL.Query()
	filter := store.ConversationFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Limit:  atoiDefault(q.Get("limit"), 50),
		Offset: atoiDefault(q.Get("offset"), 0),
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}

	conversations, err := s.conversations.ListConversations(r.Context(), principal.ID, filter)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "LIST_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	httpResponseJSON(w, map[string]any{"conversations": conversations}, http.StatusOK)
}

// GetConversation handles GET /api/chat/conversations/{id} (spec.md §4.3
// get_conversation, eager-loaded messages).
func (s *Server) GetConversation(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	principal, _ := principalFromContext(r.Context())
	id := r.PathValue("id")

	conv, messages, err := s.conversations.GetConversation(r.Context(), principal.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryNotFound, "CONVERSATION_NOT_FOUND", "conversation not found", requestID), s.devMode)
		return
	}
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "GET_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	httpResponseJSON(w, map[string]any{"conversation": conv, "messages": messages}, http.StatusOK)
}

type updateConversationRequest struct {
	Title        *string        `json:"title,omitempty"`
	Model        *string        `json:"model,omitempty"`
	SystemPrompt *string        `json:"system_prompt,omitempty"`
	Status       *string        `json:"status,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UpdateConversation handles PATCH /api/chat/conversations/{id}.
func (s *Server) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	principal, _ := principalFromContext(r.Context())
	id := r.PathValue("id")

	var req updateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "INVALID_BODY", "invalid request body", requestID), s.devMode)
		return
	}

	conv, err := s.conversations.UpdateConversation(r.Context(), principal.ID, id, req.Title, req.Model, req.SystemPrompt, req.Status, req.Metadata)
	if errors.Is(err, store.ErrNotFound) {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryNotFound, "CONVERSATION_NOT_FOUND", "conversation not found", requestID), s.devMode)
		return
	}
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryValidation, "UPDATE_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	httpResponseJSON(w, conv, http.StatusOK)
}

// DeleteConversation handles DELETE /api/chat/conversations/{id}. ?hard=true
// removes all messages; default is a soft status->deleted update.
func (s *Server) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	principal, _ := principalFromContext(r.Context())
	id := r.PathValue("id")
	hard := r.URL.Query().Get("hard") == "true"

	err := s.conversations.DeleteConversation(r.Context(), principal.ID, id, hard)
	if errors.Is(err, store.ErrNotFound) {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryNotFound, "CONVERSATION_NOT_FOUND", "conversation not found", requestID), s.devMode)
		return
	}
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "DELETE_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMessages handles GET /api/chat/conversations/{id}/messages.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	principal, _ := principalFromContext(r.Context())
	id := r.PathValue("id")

	q := r.URL.Query()
	filter := store.MessageFilter{
		Role:   q.Get("role"),
		Limit:  atoiDefault(q.Get("limit"), 50),
		Offset: atoiDefault(q.Get("offset"), 0),
	}

	messages, err := s.conversations.ListMessages(r.Context(), principal.ID, id, filter)
	if errors.Is(err, store.ErrNotFound) {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryNotFound, "CONVERSATION_NOT_FOUND", "conversation not found", requestID), s.devMode)
		return
	}
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CategoryConfiguration, "LIST_MESSAGES_FAILED", err.Error(), requestID), s.devMode)
		return
	}

	httpResponseJSON(w, map[string]any{"messages": messages}, http.StatusOK)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
