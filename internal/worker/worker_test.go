package worker

import (
	"context"
	"testing"
	"time"

	"github.com/openrag/gateway/internal/config"
	"github.com/openrag/gateway/internal/domain"
	"github.com/openrag/gateway/internal/store"
)

// fakeJobRepo and fakeConvRepo are minimal in-memory stand-ins exercising
// Pool.persist's four branches (success, idempotent skip, retry,
// dead-letter) without a
// real database.
type fakeJobRepo struct {
	queue       []*store.PersistJob
	done        map[int64]bool
	rescheduled map[int64]time.Time
	deadLettered map[int64]bool
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{
		done:         map[int64]bool{},
		rescheduled:  map[int64]time.Time{},
		deadLettered: map[int64]bool{},
	}
}

func (f *fakeJobRepo) EnqueuePersistJob(ctx context.Context, job store.PersistJob) (int64, error) {
	job.ID = int64(len(f.queue) + 1)
	f.queue = append(f.queue, &job)
	return job.ID, nil
}

func (f *fakeJobRepo) ClaimNextJob(ctx context.Context) (*store.PersistJob, error) {
	for _, j := range f.queue {
		if j.Status == store.JobPending && !j.NextAttemptAt.After(time.Now()) {
			j.Attempts++
			j.Status = store.JobInProgress
			return j, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeJobRepo) MarkJobDone(ctx context.Context, id int64) error {
	f.done[id] = true
	return nil
}

func (f *fakeJobRepo) RescheduleJob(ctx context.Context, id int64, next time.Time) error {
	f.rescheduled[id] = next
	for _, j := range f.queue {
		if j.ID == id {
			j.Status = store.JobPending
			j.NextAttemptAt = next
		}
	}
	return nil
}

func (f *fakeJobRepo) DeadLetterJob(ctx context.Context, id int64) error {
	f.deadLettered[id] = true
	return nil
}

type fakeConvRepo struct {
	store.ConversationRepository // nil embed: unimplemented methods panic if called

	appendErr   error
	appended    []store.AppendMessageInput
	existingIdx map[string]*domain.Message
}

func (f *fakeConvRepo) AppendMessage(ctx context.Context, principalID int64, input store.AppendMessageInput) (*domain.Message, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.appended = append(f.appended, input)
	return &domain.Message{ConversationID: input.ConversationID, Content: input.Content}, nil
}

func (f *fakeConvRepo) FindAssistantMessageByUserMessageID(ctx context.Context, userMessageID string) (*domain.Message, error) {
	if m, ok := f.existingIdx[userMessageID]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func testPool(t *testing.T, jobs *fakeJobRepo, convs *fakeConvRepo) *Pool {
	t.Helper()
	p, err := New(jobs, convs, config.Persistence{
		Retry: config.RetryConfig{Initial: "1ms", Factor: 2, Max: 3},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestPersist_SuccessMarksDone(t *testing.T) {
	jobs := newFakeJobRepo()
	convs := &fakeConvRepo{existingIdx: map[string]*domain.Message{}}
	p := testPool(t, jobs, convs)

	job := &store.PersistJob{ID: 1, ConversationID: "c1", UserMessageID: "u1", Attempts: 1}
	p.persist(context.Background(), 0, job)

	if !jobs.done[1] {
		t.Errorf("expected job 1 marked done")
	}
	if len(convs.appended) != 1 {
		t.Errorf("expected one AppendMessage call, got %d", len(convs.appended))
	}
}

func TestPersist_IdempotentSkipsAppend(t *testing.T) {
	jobs := newFakeJobRepo()
	convs := &fakeConvRepo{existingIdx: map[string]*domain.Message{
		"u1": {ID: "m1"},
	}}
	p := testPool(t, jobs, convs)

	job := &store.PersistJob{ID: 1, ConversationID: "c1", UserMessageID: "u1", Attempts: 1}
	p.persist(context.Background(), 0, job)

	if !jobs.done[1] {
		t.Errorf("expected job 1 marked done")
	}
	if len(convs.appended) != 0 {
		t.Errorf("expected no AppendMessage call when already persisted, got %d", len(convs.appended))
	}
}

func TestPersist_FailureReschedules(t *testing.T) {
	jobs := newFakeJobRepo()
	convs := &fakeConvRepo{
		existingIdx: map[string]*domain.Message{},
		appendErr:   context.DeadlineExceeded,
	}
	p := testPool(t, jobs, convs)

	job := &store.PersistJob{ID: 1, ConversationID: "c1", UserMessageID: "u1", Attempts: 1}
	p.persist(context.Background(), 0, job)

	if jobs.done[1] {
		t.Errorf("job should not be marked done on failure")
	}
	if jobs.deadLettered[1] {
		t.Errorf("job should not be dead-lettered before max attempts")
	}
	if _, ok := jobs.rescheduled[1]; !ok {
		t.Errorf("expected job rescheduled after failure")
	}
}

func TestPersist_ExhaustedAttemptsDeadLetters(t *testing.T) {
	jobs := newFakeJobRepo()
	convs := &fakeConvRepo{
		existingIdx: map[string]*domain.Message{},
		appendErr:   context.DeadlineExceeded,
	}
	p := testPool(t, jobs, convs)

	job := &store.PersistJob{ID: 1, ConversationID: "c1", UserMessageID: "u1", Attempts: 3}
	p.persist(context.Background(), 0, job)

	if !jobs.deadLettered[1] {
		t.Errorf("expected job dead-lettered after exhausting attempts")
	}
	if _, ok := jobs.rescheduled[1]; ok {
		t.Errorf("did not expect reschedule once attempts are exhausted")
	}
}
