package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/openrag/gateway/internal/store"
)

var jobColumns = []any{
	"id", "conversation_id", "principal_id", "user_message_id", "content", "reasoning", "raw", "model",
	"input_tokens", "output_tokens", "total_tokens", "elapsed_ms", "attempts", "status",
	"next_attempt_at", "created_at",
}

type jobRow struct {
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
	NextAttemptAt  string
	CreatedAt      string
}

func (r jobRow) toDomain() store.PersistJob {
	return store.PersistJob{
		ID: r.ID, ConversationID: r.ConversationID, PrincipalID: r.PrincipalID, UserMessageID: r.UserMessageID,
		Content: r.Content, Reasoning: r.Reasoning, Raw: r.Raw, Model: r.Model,
		InputTokens: r.InputTokens, OutputTokens: r.OutputTokens, TotalTokens: r.TotalTokens,
		ElapsedMS: r.ElapsedMS, Attempts: r.Attempts, Status: r.Status,
		NextAttemptAt: parseSQLiteTime(r.NextAttemptAt), CreatedAt: parseSQLiteTime(r.CreatedAt),
	}
}

func scanJob(scanner interface{ Scan(...any) error }) (jobRow, error) {
	var j jobRow
	err := scanner.Scan(
		&j.ID, &j.ConversationID, &j.PrincipalID, &j.UserMessageID, &j.Content, &j.Reasoning, &j.Raw, &j.Model,
		&j.InputTokens, &j.OutputTokens, &j.TotalTokens, &j.ElapsedMS, &j.Attempts, &j.Status,
		&j.NextAttemptAt, &j.CreatedAt,
	)
	return j, err
}

// EnqueuePersistJob mirrors postgres.Postgres.EnqueuePersistJob's
// idempotent-on-user_message_id behavior, using SQLite's
// "INSERT ... ON CONFLICT DO NOTHING" (goqu.DoNothing) in place of
// Postgres's RETURNING, since modernc.org/sqlite's driver does not surface
// RETURNING through database/sql the same way; the row is fetched back by
// user_message_id either way.
func (s *SQLite) EnqueuePersistJob(ctx context.Context, job store.PersistJob) (int64, error) {
	now := formatSQLiteTime(time.Now())
	nextAttempt := job.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = time.Now()
	}
	status := job.Status
	if status == "" {
		status = store.JobPending
	}

	query, _, err := s.goqu.Insert(s.tablePersistJobs).Rows(
		goqu.Record{
			"conversation_id": job.ConversationID, "principal_id": job.PrincipalID, "user_message_id": job.UserMessageID,
			"content": job.Content, "reasoning": job.Reasoning, "raw": job.Raw, "model": job.Model,
			"input_tokens": job.InputTokens, "output_tokens": job.OutputTokens, "total_tokens": job.TotalTokens,
			"elapsed_ms": job.ElapsedMS, "attempts": 0, "status": status,
			"next_attempt_at": formatSQLiteTime(nextAttempt), "created_at": now,
		},
	).OnConflict(goqu.DoNothing()).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build enqueue job query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("enqueue persist job: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		existing, findErr := s.findJobByUserMessageID(ctx, job.UserMessageID)
		if findErr != nil {
			return 0, findErr
		}
		return existing.ID, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted job id: %w", err)
	}
	return id, nil
}

func (s *SQLite) findJobByUserMessageID(ctx context.Context, userMessageID string) (*store.PersistJob, error) {
	query, _, err := s.goqu.From(s.tablePersistJobs).
		Select(jobColumns...).
		Where(goqu.I("user_message_id").Eq(userMessageID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build find job query: %w", err)
	}

	row, err := scanJob(s.db.QueryRowContext(ctx, query))
	if err != nil {
		return nil, fmt.Errorf("find job for user_message_id %q: %w", userMessageID, err)
	}
	job := row.toDomain()
	return &job, nil
}

// ClaimNextJob relies on SQLite's single-writer connection (SetMaxOpenConns(1))
// to serialize the select-then-update instead of SELECT ... FOR UPDATE SKIP
// LOCKED, which SQLite has no equivalent for; only one worker process can
// hold the database file's write lock at a time regardless.
func (s *SQLite) ClaimNextJob(ctx context.Context) (*store.PersistJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tablePersistJobs).
		Select(jobColumns...).
		Where(
			goqu.I("status").Eq(store.JobPending),
			goqu.I("next_attempt_at").Lte(formatSQLiteTime(time.Now())),
		).
		Order(goqu.I("next_attempt_at").Asc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build claim job query: %w", err)
	}

	row, err := scanJob(tx.QueryRowContext(ctx, selectQuery))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	updateQuery, _, err := s.goqu.Update(s.tablePersistJobs).Set(
		goqu.Record{"status": store.JobInProgress, "attempts": row.Attempts + 1},
	).Where(goqu.I("id").Eq(row.ID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build mark in-progress query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
		return nil, fmt.Errorf("mark job %d in-progress: %w", row.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim job: %w", err)
	}

	job := row.toDomain()
	job.Attempts++
	job.Status = store.JobInProgress
	return &job, nil
}

func (s *SQLite) MarkJobDone(ctx context.Context, id int64) error {
	query, _, err := s.goqu.Update(s.tablePersistJobs).Set(
		goqu.Record{"status": store.JobDone},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build mark done query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("mark job %d done: %w", id, err)
	}
	return nil
}

func (s *SQLite) RescheduleJob(ctx context.Context, id int64, next time.Time) error {
	query, _, err := s.goqu.Update(s.tablePersistJobs).Set(
		goqu.Record{"status": store.JobPending, "next_attempt_at": formatSQLiteTime(next)},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build reschedule job query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("reschedule job %d: %w", id, err)
	}
	return nil
}

func (s *SQLite) DeadLetterJob(ctx context.Context, id int64) error {
	query, _, err := s.goqu.Update(s.tablePersistJobs).Set(
		goqu.Record{"status": store.JobDeadLetter},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build dead-letter job query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("dead-letter job %d: %w", id, err)
	}
	return nil
}
