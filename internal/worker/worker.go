// Package worker implements the Persistence Worker (C8): a pool of
// goroutines draining the durable persist_jobs queue so assistant message
// persistence (spec.md §4.8) survives a mid-stream crash. The polling loop
// is grounded on the teacher's internal/service/workflow/scheduler.go use
// of worldline-go/hardloop for periodic background work, generalized from
// a single cron-triggered function to N independent poll loops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/worldline-go/hardloop"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/openrag/gateway/internal/config"
	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/store"
)

// Pool drains store.JobRepository, persisting each job's assistant message
// via store.ConversationRepository.AppendMessage, retrying with exponential
// backoff up to the configured attempt ceiling before dead-lettering.
type Pool struct {
	jobs          store.JobRepository
	conversations store.ConversationRepository

	workers      int
	pollInterval time.Duration
	initial      time.Duration
	factor       float64
	maxAttempts  int
}

// New builds a Pool from Persistence config, defaulting any unset knobs
// the way config.Load's `default:` struct tags do for a zero-value struct
// (e.g. when the worker is built directly in tests).
func New(jobs store.JobRepository, conversations store.ConversationRepository, cfg config.Persistence) (*Pool, error) {
	initial, err := str2duration.ParseDuration(cfg.Retry.Initial)
	if err != nil {
		if cfg.Retry.Initial != "" {
			return nil, fmt.Errorf("parse persistence.retry.initial: %w", err)
		}
		initial = time.Second
	}

	factor := cfg.Retry.Factor
	if factor <= 0 {
		factor = 2
	}

	maxAttempts := cfg.Retry.Max
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	pollInterval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &Pool{
		jobs: jobs, conversations: conversations,
		workers: workers, pollInterval: pollInterval,
		initial: initial, factor: factor, maxAttempts: maxAttempts,
	}, nil
}

// Start launches cfg.Workers independent poll loops, each its own hardloop
// Cron on an "@every" spec, stopping when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	crons := make([]hardloop.Cron, 0, p.workers)
	for i := 0; i < p.workers; i++ {
		workerID := i
		crons = append(crons, hardloop.Cron{
			Name:  fmt.Sprintf("persist-worker-%d", workerID),
			Specs: []string{fmt.Sprintf("@every %ds", int(p.pollInterval.Seconds()))},
			Func: func(ctx context.Context) error {
				p.drainOnce(ctx, workerID)
				return nil
			},
		})
	}

	cronJob, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("create persistence worker pool: %w", err)
	}

	return cronJob.Start(ctx)
}

// drainOnce claims and persists jobs until the queue reports empty, so a
// burst of completed streams doesn't wait a full poll interval per job.
func (p *Pool) drainOnce(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.jobs.ClaimNextJob(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			slog.Error("persistence worker claim failed", "worker", workerID, "error", err)
			return
		}

		p.persist(ctx, workerID, job)
	}
}

// persist applies the idempotency check (spec.md §4.8 step 2), appends the
// assistant message on success, and reschedules with exponential backoff or
// dead-letters on exhaustion (step 5).
func (p *Pool) persist(ctx context.Context, workerID int, job *store.PersistJob) {
	if existing, err := p.conversations.FindAssistantMessageByUserMessageID(ctx, job.UserMessageID); err == nil && existing != nil {
		if err := p.jobs.MarkJobDone(ctx, job.ID); err != nil {
			slog.Error("persistence worker mark done failed", "worker", workerID, "job_id", job.ID, "error", err)
		}
		return
	}

	var reasoning, raw *string
	if job.Reasoning != "" {
		reasoning = &job.Reasoning
	}
	if job.Raw != "" {
		raw = &job.Raw
	}

	_, err := p.conversations.AppendMessage(ctx, job.PrincipalID, store.AppendMessageInput{
		ConversationID:   job.ConversationID,
		Role:             domain.RoleAssistantMsg,
		Content:          job.Content,
		RawContent:       raw,
		ReasoningContent: reasoning,
		TokenCount:       job.TotalTokens,
		ProviderMetadata: map[string]any{
			"user_message_id": job.UserMessageID,
			"model":            job.Model,
			"input_tokens":     job.InputTokens,
			"output_tokens":    job.OutputTokens,
			"elapsed_ms":       job.ElapsedMS,
		},
	})
	if err == nil {
		if err := p.jobs.MarkJobDone(ctx, job.ID); err != nil {
			slog.Error("persistence worker mark done failed", "worker", workerID, "job_id", job.ID, "error", err)
		}
		return
	}

	slog.Warn("persistence worker append failed", "worker", workerID, "job_id", job.ID, "attempt", job.Attempts, "error", err)

	if job.Attempts >= p.maxAttempts {
		if dlErr := p.jobs.DeadLetterJob(ctx, job.ID); dlErr != nil {
			slog.Error("persistence worker dead-letter failed", "worker", workerID, "job_id", job.ID, "error", dlErr)
		}
		return
	}

	backoff := time.Duration(float64(p.initial) * math.Pow(p.factor, float64(job.Attempts-1)))
	if rescheduleErr := p.jobs.RescheduleJob(ctx, job.ID, time.Now().Add(backoff)); rescheduleErr != nil {
		slog.Error("persistence worker reschedule failed", "worker", workerID, "job_id", job.ID, "error", rescheduleErr)
	}
}
