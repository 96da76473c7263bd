package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"taskbot/internal/apperr"
	"taskbot/internal/jobs"
	"taskbot/internal/notify"
	"taskbot/internal/task"
)

// HandleReminder is the jobs handler for scheduled-date reminders. Stale
// reminders (task gone, finished or moved to another date) complete quietly.
func (e *Engine) HandleReminder(ctx context.Context, job *jobs.Job) error {
	var p task.ReminderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode reminder payload: %w", err)
	}
	log := e.log().With(zap.Uint64("job_id", job.ID), zap.Int64("task_id", p.TaskID))

	t, err := e.Tasks.Get(ctx, p.TaskID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Debug("reminder for deleted task")
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status.Terminal() || t.ScheduledDate == nil || t.ScheduledDate.Format(task.DateLayout) != p.Date {
		log.Debug("stale reminder", zap.String("status", string(t.Status)))
		return nil
	}

	rep, err := e.Notifier.Notify(ctx, notify.Event{TaskID: t.ID, Kind: notify.KindReminder, Rule: notify.AssigneeOrAuthor()})
	if err != nil {
		return err
	}
	log.Info("reminder sent", zap.Int("delivered", len(rep.Delivered)), zap.Int("failed", len(rep.Failed)))
	return nil
}

// JobHandlers lists the background handlers the engine provides.
func (e *Engine) JobHandlers() map[string]jobs.HandlerFunc {
	return map[string]jobs.HandlerFunc{task.ReminderJob: e.HandleReminder}
}
