package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const stuckAfter = 5 * time.Minute

type Repo struct {
	DB *gorm.DB
}

// Enqueue inserts a pending job using tx, so callers can make it atomic with
// the domain write that caused it.
func Enqueue(tx *gorm.DB, typ, key string, payload any, runAt time.Time) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	j := Job{
		Type:        typ,
		DedupKey:    key,
		Payload:     b,
		RunAt:       runAt,
		Status:      StatusPending,
		MaxAttempts: defaultMaxAttempts,
	}
	return tx.Create(&j).Error
}

// CancelPending drops pending jobs of typ for key (avoid double dispatch).
func CancelPending(tx *gorm.DB, typ, key string) error {
	return tx.Where("type = ? AND dedup_key = ? AND status = ?", typ, key, StatusPending).Delete(&Job{}).Error
}

// Claim takes one due job. Stuck RUNNING jobs are requeued first.
// FOR UPDATE SKIP LOCKED plus the status compare-and-set keep two workers
// from claiming the same row.
func (r *Repo) Claim(ctx context.Context, workerID string) (*Job, error) {
	var job Job
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		if err := tx.Model(&Job{}).
			Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", StatusRunning, now.Add(-stuckAfter)).
			Updates(map[string]any{"status": StatusPending, "locked_by": nil, "locked_at": nil}).Error; err != nil {
			return err
		}

		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND run_at <= ?", StatusPending, now).
			Order("run_at asc, id asc").
			Take(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			job = Job{}
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&Job{}).
			Where("id = ? AND status = ?", job.ID, StatusPending).
			Updates(map[string]any{"status": StatusRunning, "locked_by": workerID, "locked_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			job = Job{}
			return nil
		}
		job.Status = StatusRunning
		job.LockedBy = &workerID
		job.LockedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *Repo) MarkDone(ctx context.Context, id uint64) error {
	return r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).
		Updates(map[string]any{"status": StatusDone, "locked_by": nil, "locked_at": nil}).Error
}

func (r *Repo) MarkFailed(ctx context.Context, id uint64, errMsg string) error {
	return r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).
		Updates(map[string]any{"status": StatusFailed, "last_error": errMsg, "locked_by": nil, "locked_at": nil}).Error
}

func (r *Repo) RetryLater(ctx context.Context, id uint64, attempts int, runAt time.Time, errMsg string) error {
	return r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":     StatusPending,
			"attempts":   attempts,
			"run_at":     runAt,
			"locked_by":  nil,
			"locked_at":  nil,
			"last_error": errMsg,
		}).Error
}
