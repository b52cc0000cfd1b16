package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/store"
)

const sqliteTimeLayout = time.RFC3339Nano

func formatSQLiteTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

type conversationRow struct {
	ID           string
	PrincipalID  int64
	Title        string
	Status       string
	Model        sql.NullString
	SystemPrompt sql.NullString
	Metadata     []byte
	MessageCount int
	TotalTokens  int
	CreatedAt    string
	UpdatedAt    string
}

func (r conversationRow) toDomain() (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID: r.ID, PrincipalID: r.PrincipalID, Title: r.Title, Status: r.Status,
		MessageCount: r.MessageCount, TotalTokens: r.TotalTokens,
		CreatedAt: parseSQLiteTime(r.CreatedAt), UpdatedAt: parseSQLiteTime(r.UpdatedAt),
	}
	if r.Model.Valid {
		c.Model = &r.Model.String
	}
	if r.SystemPrompt.Valid {
		c.SystemPrompt = &r.SystemPrompt.String
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal conversation metadata: %w", err)
		}
	}
	return c, nil
}

var conversationColumns = []any{
	"id", "principal_id", "title", "status", "model", "system_prompt",
	"metadata", "message_count", "total_tokens", "created_at", "updated_at",
}

func scanConversation(scanner interface{ Scan(...any) error }) (conversationRow, error) {
	var row conversationRow
	err := scanner.Scan(
		&row.ID, &row.PrincipalID, &row.Title, &row.Status, &row.Model, &row.SystemPrompt,
		&row.Metadata, &row.MessageCount, &row.TotalTokens, &row.CreatedAt, &row.UpdatedAt,
	)
	return row, err
}

func (s *SQLite) CreateConversation(ctx context.Context, principalID int64, title string, model, systemPrompt *string, metadata map[string]any) (*domain.Conversation, error) {
	id := ulid.Make().String()
	now := formatSQLiteTime(time.Now())

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation metadata: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableConversations).Rows(
		goqu.Record{
			"id": id, "principal_id": principalID, "title": title, "status": domain.ConversationActive,
			"model": model, "system_prompt": systemPrompt, "metadata": metaJSON,
			"message_count": 0, "total_tokens": 0, "created_at": now, "updated_at": now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return s.getConversationRow(ctx, s.db, principalID, id)
}

func (s *SQLite) getConversationRow(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, principalID int64, id string) (*domain.Conversation, error) {
	query, _, err := s.goqu.From(s.tableConversations).
		Select(conversationColumns...).
		Where(goqu.I("id").Eq(id), goqu.I("principal_id").Eq(principalID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get conversation query: %w", err)
	}

	row, err := scanConversation(q.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %q: %w", id, err)
	}

	return row.toDomain()
}

func (s *SQLite) ListConversations(ctx context.Context, principalID int64, filter store.ConversationFilter) ([]domain.Conversation, error) {
	ds := s.goqu.From(s.tableConversations).
		Select(conversationColumns...).
		Where(goqu.I("principal_id").Eq(principalID))

	if filter.Status != "" {
		ds = ds.Where(goqu.I("status").Eq(filter.Status))
	} else {
		ds = ds.Where(goqu.I("status").Neq(domain.ConversationDeleted))
	}
	if filter.Search != "" {
		ds = ds.Where(goqu.I("title").Like("%" + filter.Search + "%"))
	}
	if filter.From != nil {
		ds = ds.Where(goqu.I("created_at").Gte(formatSQLiteTime(*filter.From)))
	}
	if filter.To != nil {
		ds = ds.Where(goqu.I("created_at").Lte(formatSQLiteTime(*filter.To)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	ds = ds.Order(goqu.I("updated_at").Desc()).Limit(uint(limit)).Offset(uint(filter.Offset))

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []domain.Conversation
	for rows.Next() {
		row, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		d, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	return result, rows.Err()
}

func (s *SQLite) GetConversation(ctx context.Context, principalID int64, id string) (*domain.Conversation, []domain.Message, error) {
	conv, err := s.getConversationRow(ctx, s.db, principalID, id)
	if err != nil {
		return nil, nil, err
	}

	msgs, err := s.ListMessages(ctx, principalID, id, store.MessageFilter{})
	if err != nil {
		return nil, nil, err
	}

	return conv, msgs, nil
}

func (s *SQLite) UpdateConversation(ctx context.Context, principalID int64, id string, title, model, systemPrompt, status *string, metadata map[string]any) (*domain.Conversation, error) {
	record := goqu.Record{"updated_at": formatSQLiteTime(time.Now())}
	if title != nil {
		record["title"] = *title
	}
	if model != nil {
		record["model"] = *model
	}
	if systemPrompt != nil {
		record["system_prompt"] = *systemPrompt
	}
	if status != nil {
		record["status"] = *status
	}
	if metadata != nil {
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal conversation metadata: %w", err)
		}
		record["metadata"] = metaJSON
	}

	query, _, err := s.goqu.Update(s.tableConversations).Set(record).
		Where(goqu.I("id").Eq(id), goqu.I("principal_id").Eq(principalID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update conversation query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update conversation %q: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.getConversationRow(ctx, s.db, principalID, id)
}

func (s *SQLite) DeleteConversation(ctx context.Context, principalID int64, id string, hard bool) error {
	if hard {
		query, _, err := s.goqu.Delete(s.tableConversations).
			Where(goqu.I("id").Eq(id), goqu.I("principal_id").Eq(principalID)).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build hard delete conversation query: %w", err)
		}
		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("hard delete conversation %q: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return store.ErrNotFound
		}
		return nil
	}

	deleted := domain.ConversationDeleted
	_, err := s.UpdateConversation(ctx, principalID, id, nil, nil, nil, &deleted, nil)
	return err
}

// ─── Messages ───

type messageRow struct {
	ID               string
	ConversationID   string
	Sequence         int64
	Role             string
	Content          string
	RawContent       sql.NullString
	ReasoningContent sql.NullString
	TokenCount       int
	ProviderMetadata []byte
	CreatedAt        string
}

func (r messageRow) toDomain() (*domain.Message, error) {
	m := &domain.Message{
		ID: r.ID, ConversationID: r.ConversationID, Sequence: r.Sequence, Role: r.Role,
		Content: r.Content, TokenCount: r.TokenCount, CreatedAt: parseSQLiteTime(r.CreatedAt),
	}
	if r.RawContent.Valid {
		m.RawContent = &r.RawContent.String
	}
	if r.ReasoningContent.Valid {
		m.ReasoningContent = &r.ReasoningContent.String
	}
	if len(r.ProviderMetadata) > 0 {
		if err := json.Unmarshal(r.ProviderMetadata, &m.ProviderMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal message provider metadata: %w", err)
		}
	}
	return m, nil
}

var messageColumns = []any{
	"id", "conversation_id", "sequence", "role", "content", "raw_content",
	"reasoning_content", "token_count", "provider_metadata", "created_at",
}

// AppendMessage mirrors postgres.Postgres.AppendMessage's transaction shape
// (lock conversation row, assign next sequence, enforce non-decreasing
// created_at, update counters) but relies on SQLite's single-writer
// connection pool (SetMaxOpenConns(1)) instead of SELECT ... FOR UPDATE,
// which SQLite does not support, to serialize concurrent callers (I1-I6).
func (s *SQLite) AppendMessage(ctx context.Context, principalID int64, input store.AppendMessageInput) (*domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lockQuery, _, err := s.goqu.From(s.tableConversations).
		Select("message_count", "total_tokens", "status").
		Where(goqu.I("id").Eq(input.ConversationID), goqu.I("principal_id").Eq(principalID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build lock conversation query: %w", err)
	}

	var messageCount, totalTokens int
	var status string
	if err := tx.QueryRowContext(ctx, lockQuery).Scan(&messageCount, &totalTokens, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("lock conversation %q: %w", input.ConversationID, err)
	}
	if status == domain.ConversationDeleted {
		return nil, store.ErrNotFound
	}

	var lastCreatedAtStr sql.NullString
	lastQuery, _, err := s.goqu.From(s.tableMessages).
		Select("created_at").
		Where(goqu.I("conversation_id").Eq(input.ConversationID)).
		Order(goqu.I("sequence").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build last message query: %w", err)
	}
	if err := tx.QueryRowContext(ctx, lastQuery).Scan(&lastCreatedAtStr); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fetch last message for %q: %w", input.ConversationID, err)
	}

	now := time.Now().UTC()
	if lastCreatedAtStr.Valid {
		lastCreatedAt := parseSQLiteTime(lastCreatedAtStr.String)
		if !lastCreatedAt.IsZero() && !now.After(lastCreatedAt) {
			now = lastCreatedAt.Add(time.Microsecond)
		}
	}
	nowStr := formatSQLiteTime(now)

	id := ulid.Make().String()
	sequence := int64(messageCount) + 1

	metaJSON, err := json.Marshal(input.ProviderMetadata)
	if err != nil {
		return nil, fmt.Errorf("marshal provider metadata: %w", err)
	}

	var userMessageID sql.NullString
	if input.Role == domain.RoleAssistantMsg {
		if uid, ok := input.ProviderMetadata["user_message_id"].(string); ok && uid != "" {
			userMessageID = sql.NullString{String: uid, Valid: true}
		}
	}

	insertQuery, _, err := s.goqu.Insert(s.tableMessages).Rows(
		goqu.Record{
			"id": id, "conversation_id": input.ConversationID, "sequence": sequence,
			"role": input.Role, "content": input.Content, "raw_content": input.RawContent,
			"reasoning_content": input.ReasoningContent, "token_count": input.TokenCount,
			"provider_metadata": metaJSON, "created_at": nowStr, "user_message_id": userMessageID,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert message query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	updateQuery, _, err := s.goqu.Update(s.tableConversations).Set(
		goqu.Record{
			"message_count": messageCount + 1,
			"total_tokens":  totalTokens + input.TokenCount,
			"updated_at":    nowStr,
		},
	).Where(goqu.I("id").Eq(input.ConversationID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update conversation counters query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
		return nil, fmt.Errorf("update conversation counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append_message: %w", err)
	}

	return &domain.Message{
		ID: id, ConversationID: input.ConversationID, Sequence: sequence, Role: input.Role,
		Content: input.Content, RawContent: input.RawContent, ReasoningContent: input.ReasoningContent,
		TokenCount: input.TokenCount, ProviderMetadata: input.ProviderMetadata, CreatedAt: now,
	}, nil
}

func (s *SQLite) ListMessages(ctx context.Context, principalID int64, conversationID string, filter store.MessageFilter) ([]domain.Message, error) {
	if _, err := s.getConversationRow(ctx, s.db, principalID, conversationID); err != nil {
		return nil, err
	}

	ds := s.goqu.From(s.tableMessages).
		Select(messageColumns...).
		Where(goqu.I("conversation_id").Eq(conversationID))

	if filter.Role != "" {
		ds = ds.Where(goqu.I("role").Eq(filter.Role))
	}

	ds = ds.Order(goqu.I("sequence").Asc())
	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit)).Offset(uint(filter.Offset))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list messages for %q: %w", conversationID, err)
	}
	defer rows.Close()

	var result []domain.Message
	for rows.Next() {
		var row messageRow
		if err := rows.Scan(
			&row.ID, &row.ConversationID, &row.Sequence, &row.Role, &row.Content,
			&row.RawContent, &row.ReasoningContent, &row.TokenCount, &row.ProviderMetadata, &row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		d, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	return result, rows.Err()
}

func (s *SQLite) FindAssistantMessageByUserMessageID(ctx context.Context, userMessageID string) (*domain.Message, error) {
	query, _, err := s.goqu.From(s.tableMessages).
		Select(messageColumns...).
		Where(goqu.I("user_message_id").Eq(userMessageID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build find assistant message query: %w", err)
	}

	var row messageRow
	err = s.db.QueryRowContext(ctx, query).Scan(
		&row.ID, &row.ConversationID, &row.Sequence, &row.Role, &row.Content,
		&row.RawContent, &row.ReasoningContent, &row.TokenCount, &row.ProviderMetadata, &row.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find assistant message for user_message_id %q: %w", userMessageID, err)
	}

	return row.toDomain()
}
