// Package store defines the Conversation Store (C3) repository contract,
// implemented twice — internal/store/postgres (primary) and
// internal/store/sqlite3 (secondary) — per spec.md §9's "Repository/ORM
// patterns" design note. Both implementations must respect invariants
// I1-I6.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openrag/gateway/internal/domain"
)

// ErrNotFound is returned by repository lookups that find nothing, letting
// callers map it onto apierr.CategoryNotFound without leaking whether a
// row existed but was unowned (spec.md §4.3: "not_found never reveals
// existence to non-owners").
var ErrNotFound = errors.New("not found")

// ConversationFilter narrows list_conversations (spec.md §4.3).
type ConversationFilter struct {
	Status   string // "" means the default-exclude-deleted predicate (open question (c))
	Search   string
	From, To *time.Time
	Limit    int
	Offset   int
}

// MessageFilter narrows list_messages.
type MessageFilter struct {
	Role   string
	Limit  int
	Offset int
}

// AppendMessageInput carries everything append_message needs to perform
// its single transactional insert + counter update (spec.md §4.3).
type AppendMessageInput struct {
	ConversationID   string
	Role             string
	Content          string
	RawContent       *string
	ReasoningContent *string
	TokenCount       int
	ProviderMetadata map[string]any
}

// ConversationRepository is the Conversation Store's persistence boundary.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, principalID int64, title string, model, systemPrompt *string, metadata map[string]any) (*domain.Conversation, error)
	ListConversations(ctx context.Context, principalID int64, filter ConversationFilter) ([]domain.Conversation, error)
	GetConversation(ctx context.Context, principalID int64, id string) (*domain.Conversation, []domain.Message, error)
	UpdateConversation(ctx context.Context, principalID int64, id string, title, model, systemPrompt, status *string, metadata map[string]any) (*domain.Conversation, error)
	DeleteConversation(ctx context.Context, principalID int64, id string, hard bool) error
	AppendMessage(ctx context.Context, principalID int64, input AppendMessageInput) (*domain.Message, error)
	ListMessages(ctx context.Context, principalID int64, conversationID string, filter MessageFilter) ([]domain.Message, error)

	// FindAssistantMessageByUserMessageID backs the Persistence Worker's
	// idempotency check (spec.md §4.8 step 2): it looks up an assistant
	// message whose provider metadata references user_message_id.
	FindAssistantMessageByUserMessageID(ctx context.Context, userMessageID string) (*domain.Message, error)
}

// JobStatus values for the durable persistence queue (C8).
const (
	JobPending    = "pending"
	JobInProgress = "in_progress"
	JobDone       = "done"
	JobDeadLetter = "dead_letter"
)

// PersistJob is a durable row backing persist_assistant_message
// (spec.md §4.8).
type PersistJob struct {
	ID             int64
	ConversationID string
	PrincipalID    int64
	UserMessageID  string
	Content        string
	Reasoning      string
	Raw            string
	Model          string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	ElapsedMS      int64
	Attempts       int
	Status         string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
}

// JobRepository is the Persistence Worker's durable queue boundary.
type JobRepository interface {
	EnqueuePersistJob(ctx context.Context, job PersistJob) (int64, error)
	// ClaimNextJob claims one pending job whose NextAttemptAt has elapsed,
	// using SELECT ... FOR UPDATE SKIP LOCKED on Postgres or a
	// single-writer claim on SQLite.
	ClaimNextJob(ctx context.Context) (*PersistJob, error)
	MarkJobDone(ctx context.Context, id int64) error
	RescheduleJob(ctx context.Context, id int64, next time.Time) error
	DeadLetterJob(ctx context.Context, id int64) error
}
