package jobs

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"taskbot/internal/logging"
	"taskbot/internal/metrics"
)

// HandlerFunc processes one claimed job. A returned error schedules a retry.
type HandlerFunc func(ctx context.Context, job *Job) error

type Worker struct {
	ID       string
	Repo     *Repo
	Handlers map[string]HandlerFunc
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Interval time.Duration
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 800 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.log().Error("worker claim error", zap.String("worker", w.ID), zap.Error(err))
			}
		}
	}
}

// RunOnce claims and handles at most one job. It reports whether a job was
// found.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.Repo.Claim(ctx, w.ID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *Job) {
	log := w.log().With(zap.Uint64("job_id", job.ID), zap.String("type", job.Type))

	h, ok := w.Handlers[job.Type]
	if !ok {
		log.Warn("unknown job type")
		w.Metrics.Job(job.Type, "unknown")
		_ = w.Repo.MarkFailed(ctx, job.ID, "unknown job type")
		return
	}

	if err := h(ctx, job); err != nil {
		log.Warn("job failed", zap.Int("attempts", job.Attempts+1), zap.Error(err))
		w.Metrics.Job(job.Type, "failed")
		w.retry(ctx, job, err.Error())
		return
	}
	w.Metrics.Job(job.Type, "done")
	if err := w.Repo.MarkDone(ctx, job.ID); err != nil {
		log.Error("mark done", zap.Error(err))
	}
}

func (w *Worker) retry(ctx context.Context, job *Job, errMsg string) {
	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		_ = w.Repo.MarkFailed(ctx, job.ID, errMsg)
		return
	}

	sec := math.Min(math.Pow(2, float64(attempts)), 600)
	next := time.Now().Add(time.Duration(sec) * time.Second)

	_ = w.Repo.RetryLater(ctx, job.ID, attempts, next, errMsg)
}

func (w *Worker) log() *zap.Logger { return logging.OrNop(w.Log) }
