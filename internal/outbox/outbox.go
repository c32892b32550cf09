// Package outbox persists completions that could not reach the backend and
// replays them later from the SQLite job queue.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/compass/internal/compass"
	"github.com/kalambet/compass/internal/storage"
)

// JobType is the job queue type for deferred engagements.
const JobType = "record_engagement"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	CountJobs(jobType, status string) (int, error)
}

// Recorder sends an engagement. Implemented by compass.Service.
type Recorder interface {
	RecordEngagement(ctx context.Context, in compass.EngagementInput) (*compass.UserStreak, error)
}

type payload struct {
	PromptID    int64      `json:"promptId"`
	Completed   bool       `json:"completed"`
	Reflection  string     `json:"reflection,omitempty"`
	Rating      int        `json:"rating,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Queue enqueues deferred engagements.
type Queue struct {
	store  JobStore
	logger *zap.Logger
}

// NewQueue creates a Queue over store.
func NewQueue(store JobStore, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, logger: logger}
}

// Enqueue stores in for a later replay.
func (q *Queue) Enqueue(_ context.Context, in compass.EngagementInput) error {
	raw, err := json.Marshal(payload{
		PromptID:    in.PromptID,
		Completed:   in.Completed,
		Reflection:  in.Reflection,
		Rating:      in.Rating,
		CompletedAt: in.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding engagement: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(raw),
	}
	if err := q.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing engagement: %w", err)
	}
	q.logger.Info("engagement queued", zap.String("job_id", job.ID), zap.Int64("prompt_id", in.PromptID))
	return nil
}

// Pending returns how many deferred engagements await replay.
func (q *Queue) Pending() (int, error) {
	return q.store.CountJobs(JobType, "pending")
}

// Worker replays record_engagement jobs.
type Worker struct {
	store    JobStore
	recorder Recorder
	poll     time.Duration
	logger   *zap.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 5s.
func NewWorker(store JobStore, recorder Recorder, pollInterval time.Duration, logger *zap.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:    store,
		recorder: recorder,
		poll:     pollInterval,
		logger:   logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("outbox iteration failed", zap.Error(err))
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Drain replays every job that is due now and returns how many succeeded
// and how many failed. Failed jobs are rescheduled with backoff.
func (w *Worker) Drain(ctx context.Context) (sent, failed int, err error) {
	for ctx.Err() == nil {
		job, err := w.store.ClaimNextJob([]string{JobType})
		if err != nil {
			return sent, failed, fmt.Errorf("claiming job: %w", err)
		}
		if job == nil {
			return sent, failed, nil
		}
		if w.handle(ctx, job) {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed, ctx.Err()
}

// RunOnce claims and processes a single record_engagement job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *storage.Job) bool {
	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("engagement replay failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts+1),
			zap.Stringer("kind", compass.KindOf(err)),
			zap.Error(err))
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return false
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		w.logger.Error("failed to complete job", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}
	return true
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	_, err := w.recorder.RecordEngagement(ctx, compass.EngagementInput{
		PromptID:    p.PromptID,
		Completed:   p.Completed,
		Reflection:  p.Reflection,
		Rating:      p.Rating,
		CompletedAt: p.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("recording engagement for prompt %d: %w", p.PromptID, err)
	}
	w.logger.Info("queued engagement delivered", zap.String("job_id", job.ID), zap.Int64("prompt_id", p.PromptID))
	return nil
}
