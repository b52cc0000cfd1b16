package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/openrag/gateway/internal/store"
)

var jobColumns = []any{
	"id", "conversation_id", "principal_id", "user_message_id", "content", "reasoning", "raw", "model",
	"input_tokens", "output_tokens", "total_tokens", "elapsed_ms", "attempts", "status",
	"next_attempt_at", "created_at",
}

func scanJob(scanner interface{ Scan(...any) error }) (store.PersistJob, error) {
	var j store.PersistJob
	err := scanner.Scan(
		&j.ID, &j.ConversationID, &j.PrincipalID, &j.UserMessageID, &j.Content, &j.Reasoning, &j.Raw, &j.Model,
		&j.InputTokens, &j.OutputTokens, &j.TotalTokens, &j.ElapsedMS, &j.Attempts, &j.Status,
		&j.NextAttemptAt, &j.CreatedAt,
	)
	return j, err
}

// EnqueuePersistJob is idempotent on user_message_id: re-enqueuing the same
// user message returns the existing job's id instead of creating a
// duplicate, backing the Persistence Worker's dedup-by-user_message_id
// invariant (spec.md §4.8, P8).
func (p *Postgres) EnqueuePersistJob(ctx context.Context, job store.PersistJob) (int64, error) {
	now := time.Now().UTC()
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	if job.Status == "" {
		job.Status = store.JobPending
	}

	query, _, err := p.goqu.Insert(p.tablePersistJobs).Rows(
		goqu.Record{
			"conversation_id": job.ConversationID, "principal_id": job.PrincipalID, "user_message_id": job.UserMessageID,
			"content": job.Content, "reasoning": job.Reasoning, "raw": job.Raw, "model": job.Model,
			"input_tokens": job.InputTokens, "output_tokens": job.OutputTokens, "total_tokens": job.TotalTokens,
			"elapsed_ms": job.ElapsedMS, "attempts": 0, "status": job.Status,
			"next_attempt_at": job.NextAttemptAt, "created_at": now,
		},
	).OnConflict(goqu.DoNothing()).Returning("id").ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build enqueue job query: %w", err)
	}

	var id int64
	err = p.db.QueryRowContext(ctx, query).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict on user_message_id: the job already exists, return it.
		existing, findErr := p.findJobByUserMessageID(ctx, job.UserMessageID)
		if findErr != nil {
			return 0, findErr
		}
		return existing.ID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue persist job: %w", err)
	}

	return id, nil
}

func (p *Postgres) findJobByUserMessageID(ctx context.Context, userMessageID string) (*store.PersistJob, error) {
	query, _, err := p.goqu.From(p.tablePersistJobs).
		Select(jobColumns...).
		Where(goqu.I("user_message_id").Eq(userMessageID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build find job query: %w", err)
	}

	job, err := scanJob(p.db.QueryRowContext(ctx, query))
	if err != nil {
		return nil, fmt.Errorf("find job for user_message_id %q: %w", userMessageID, err)
	}
	return &job, nil
}

// ClaimNextJob uses SELECT ... FOR UPDATE SKIP LOCKED so multiple worker
// instances can poll the same queue concurrently without claiming the same
// row (spec.md §4.8's "durable queue" is silent on worker concurrency; this
// is the standard Postgres pattern for a competing-consumers queue).
func (p *Postgres) ClaimNextJob(ctx context.Context) (*store.PersistJob, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := p.goqu.From(p.tablePersistJobs).
		Select(jobColumns...).
		Where(
			goqu.I("status").Eq(store.JobPending),
			goqu.I("next_attempt_at").Lte(time.Now().UTC()),
		).
		Order(goqu.I("next_attempt_at").Asc()).
		Limit(1).
		ForUpdate(exp.SkipLocked).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build claim job query: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, selectQuery))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	updateQuery, _, err := p.goqu.Update(p.tablePersistJobs).Set(
		goqu.Record{"status": store.JobInProgress, "attempts": job.Attempts + 1},
	).Where(goqu.I("id").Eq(job.ID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build mark in-progress query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
		return nil, fmt.Errorf("mark job %d in-progress: %w", job.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim job: %w", err)
	}

	job.Attempts++
	job.Status = store.JobInProgress
	return &job, nil
}

func (p *Postgres) MarkJobDone(ctx context.Context, id int64) error {
	query, _, err := p.goqu.Update(p.tablePersistJobs).Set(
		goqu.Record{"status": store.JobDone},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build mark done query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("mark job %d done: %w", id, err)
	}
	return nil
}

// RescheduleJob backs the worker's exponential backoff: initial 1s, factor
// 2, max 5 attempts (spec.md §4.8) — the caller computes next and passes it
// in, keeping the backoff policy out of the repository layer.
func (p *Postgres) RescheduleJob(ctx context.Context, id int64, next time.Time) error {
	query, _, err := p.goqu.Update(p.tablePersistJobs).Set(
		goqu.Record{"status": store.JobPending, "next_attempt_at": next},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build reschedule job query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("reschedule job %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) DeadLetterJob(ctx context.Context, id int64) error {
	query, _, err := p.goqu.Update(p.tablePersistJobs).Set(
		goqu.Record{"status": store.JobDeadLetter},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build dead-letter job query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("dead-letter job %d: %w", id, err)
	}
	return nil
}
