// Package domain holds the entities shared by the store, router, stream, and
// server packages: Principal, Conversation, Message, Model Descriptor, and
// the Stream Session handed between the prepare and stream steps.
package domain

import "time"

// Role precedence used by the Principal Store when mapping issuer realm
// roles onto the single stored role. Earlier entries win.
var RolePrecedence = []string{"admin", "user"}

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Principal is the local mirror of an authenticated human, auto-provisioned
// on first verified credential.
type Principal struct {
	ID         int64     `json:"id"`
	Subject    string    `json:"subject"` // opaque external identifier from the issuer
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Claims is what the Identity Verifier extracts from a verified bearer
// credential before handing off to the Principal Store's resolve step.
type Claims struct {
	Subject           string
	Email             string
	PreferredUsername string
	RealmRoles        []string
}

// ResolveRole maps a realm roles list onto the stored role using
// RolePrecedence; defaults to RoleUser when nothing matches.
func ResolveRole(realmRoles []string) string {
	for _, candidate := range RolePrecedence {
		for _, r := range realmRoles {
			if r == candidate {
				return candidate
			}
		}
	}
	return RoleUser
}

const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
	ConversationDeleted  = "deleted"
)

// Conversation is a persistent chat session owned by exactly one Principal.
type Conversation struct {
	ID            string         `json:"id"`
	PrincipalID   int64          `json:"principal_id"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	Model         *string        `json:"model,omitempty"`
	SystemPrompt  *string        `json:"system_prompt,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	MessageCount  int            `json:"message_count"`
	TotalTokens   int            `json:"total_tokens"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

const (
	RoleUserMsg      = "user"
	RoleAssistantMsg = "assistant"
	RoleSystemMsg    = "system"
	RoleToolMsg      = "tool"
)

// Message is a single utterance within a Conversation.
type Message struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversation_id"`
	Sequence         int64          `json:"sequence"`
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	RawContent       *string        `json:"raw_content,omitempty"`
	ReasoningContent *string        `json:"reasoning_content,omitempty"`
	TokenCount       int            `json:"token_count"`
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

const (
	ModelAvailable         = "available"
	ModelUnavailable       = "unavailable"
	ModelResourceExhausted = "resource_exhausted"
)

// ModelDescriptor is a provider-independent record describing a callable
// model, contributed by provider adapters and merged by the Router.
type ModelDescriptor struct {
	Name           string `json:"name"`
	Provider       string `json:"provider"`
	ContextWindow  int    `json:"context_window"`
	Streaming      bool   `json:"streaming"`
	Tools          bool   `json:"tools"`
	Reasoning      bool   `json:"reasoning"`
	Status         string `json:"status"`
	failureStreak  int
}

// FailureStreak and RecordFailure/RecordSuccess track the two-consecutive-
// failure rule from the Model Registry & Router (C4): a provider going
// unreachable does not immediately invalidate its previously known
// descriptors.
func (m *ModelDescriptor) FailureStreak() int { return m.failureStreak }

func (m *ModelDescriptor) RecordFailure() {
	m.failureStreak++
	if m.failureStreak >= 2 {
		m.Status = ModelUnavailable
	}
}

func (m *ModelDescriptor) RecordSuccess() {
	m.failureStreak = 0
	m.Status = ModelAvailable
}

// StreamSession is the transient record created by the prepare step (C7)
// and consumed exactly once by the stream step. It lives only in the KV
// cache, never in the relational store.
type StreamSession struct {
	Token          string          `json:"token"`
	ConversationID string          `json:"conversation_id"`
	PrincipalID    int64           `json:"principal_id"`
	Model          string          `json:"model"`
	History        []ChatMessage   `json:"history"`
	UserMessageID  string          `json:"user_message_id"`
	CreatedAt      time.Time       `json:"created_at"`
	TTLSeconds     int             `json:"ttl_seconds"`
}

// ChatMessage is the minimal role/content pair fed to a provider adapter;
// distinct from the persisted Message so the store schema can evolve
// independently of the wire shape sent to providers.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
