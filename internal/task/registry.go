package task

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taskbot/internal/apperr"
	"taskbot/internal/jobs"
	"taskbot/internal/retry"
)

const defaultPageSize = 50

// Registry owns task rows. Assign and Transition are compare-and-set updates,
// so concurrent callers on the same task see exactly one winner.
type Registry struct {
	DB           *gorm.DB
	Location     *time.Location
	ReminderHour int
	Retry        retry.Policy
	PageSize     int
	Now          func() time.Time
}

type ReminderPayload struct {
	TaskID int64  `json:"task_id"`
	Date   string `json:"date"`
}

func ReminderKey(id int64) string { return fmt.Sprintf("task:%d", id) }

func (r *Registry) Create(ctx context.Context, authorID int64, f Fields) (Task, error) {
	f.Description = strings.TrimSpace(f.Description)
	if err := validateDescription(f.Description); err != nil {
		return Task{}, err
	}
	t := Task{
		AuthorID:      authorID,
		Description:   f.Description,
		Locality:      strings.TrimSpace(f.Locality),
		Address:       strings.TrimSpace(f.Address),
		ScheduledDate: dateOnly(f.ScheduledDate),
		Status:        StatusCreated,
	}

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&t).Error; err != nil {
			return err
		}
		return r.scheduleReminder(tx, t)
	})
	if err != nil {
		return Task{}, apperr.Transient(err)
	}
	return t, nil
}

func (r *Registry) Get(ctx context.Context, id int64) (Task, error) {
	return retry.Do(ctx, r.policy(), func(ctx context.Context) (Task, error) {
		return r.load(r.DB.WithContext(ctx), id, false)
	})
}

func (r *Registry) UpdateField(ctx context.Context, id int64, field Field, value string) error {
	value = strings.TrimSpace(value)
	updates := map[string]any{}
	var date *time.Time

	switch field {
	case FieldDescription:
		if err := validateDescription(value); err != nil {
			return err
		}
		updates["description"] = value
	case FieldLocality:
		updates["locality"] = value
	case FieldAddress:
		updates["address"] = value
	case FieldScheduledDate:
		if value != "" && value != "-" {
			d, err := ParseDate(value)
			if err != nil {
				return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
			}
			date = &d
		}
		updates["scheduled_date"] = date
	default:
		return fmt.Errorf("%w: неизвестное поле %q", apperr.ErrValidation, field)
	}

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := r.load(tx, id, true)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("%w: task %d is %s", apperr.ErrInvalidTransition, id, cur.Status)
		}
		res := tx.Model(&Task{}).Where("id = ? AND status = ?", id, cur.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: task %d changed concurrently", apperr.ErrConflict, id)
		}
		if field != FieldScheduledDate {
			return nil
		}
		if err := jobs.CancelPending(tx, ReminderJob, ReminderKey(id)); err != nil {
			return err
		}
		cur.ScheduledDate = date
		return r.scheduleReminder(tx, cur)
	})
	return classify(err)
}

// Assign gives an open task to workerID and moves it to in_progress. Asking
// again for the same worker succeeds without a write.
func (r *Registry) Assign(ctx context.Context, id, workerID int64) (Task, error) {
	var out Task
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("id = ? AND assignee_id IS NULL AND status IN ?", id, []Status{StatusCreated, StatusScheduled}).
			Updates(map[string]any{"assignee_id": workerID, "status": StatusInProgress})
		if res.Error != nil {
			return res.Error
		}

		cur, err := r.load(tx, id, false)
		if err != nil {
			return err
		}
		out = cur
		if res.RowsAffected == 1 {
			return nil
		}

		switch {
		case cur.AssigneeID != nil && *cur.AssigneeID == workerID && !cur.Status.Terminal():
			return nil
		case cur.Status.Terminal():
			return fmt.Errorf("%w: task %d is %s", apperr.ErrInvalidTransition, id, cur.Status)
		default:
			return fmt.Errorf("%w: task %d is already taken", apperr.ErrConflict, id)
		}
	})
	if err != nil {
		return Task{}, classify(err)
	}
	return out, nil
}

// Transition moves a task along the status graph and returns the task as it
// was before the change.
func (r *Registry) Transition(ctx context.Context, id int64, to Status) (Task, error) {
	var prev Task
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := r.load(tx, id, true)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, to) {
			return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, cur.Status, to)
		}
		if to == StatusScheduled && cur.ScheduledDate == nil {
			return fmt.Errorf("%w: у задачи %d не указана дата", apperr.ErrValidation, id)
		}

		res := tx.Model(&Task{}).Where("id = ? AND status = ?", id, cur.Status).Update("status", to)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: task %d changed concurrently", apperr.ErrConflict, id)
		}
		if to.Terminal() {
			if err := jobs.CancelPending(tx, ReminderJob, ReminderKey(id)); err != nil {
				return err
			}
		}
		prev = cur
		return nil
	})
	if err != nil {
		return Task{}, classify(err)
	}
	return prev, nil
}

// Query yields tasks matching f, newest first. Rows are fetched in keyset
// pages; no connection is held while the caller consumes a page.
func (r *Registry) Query(ctx context.Context, f Filter) iter.Seq2[Task, error] {
	return func(yield func(Task, error) bool) {
		size := r.PageSize
		if size <= 0 {
			size = defaultPageSize
		}
		var (
			after   *Task
			emitted int
		)
		for {
			limit := size
			if f.Limit > 0 && f.Limit-emitted < limit {
				limit = f.Limit - emitted
			}
			page, err := retry.Do(ctx, r.policy(), func(ctx context.Context) ([]Task, error) {
				return r.page(ctx, f, after, limit)
			})
			if err != nil {
				yield(Task{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
				emitted++
			}
			if len(page) < limit || (f.Limit > 0 && emitted >= f.Limit) {
				return
			}
			last := page[len(page)-1]
			after = &last
		}
	}
}

func (r *Registry) page(ctx context.Context, f Filter, after *Task, limit int) ([]Task, error) {
	q := r.DB.WithContext(ctx).Model(&Task{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.AssigneeID != nil {
		q = q.Where("assignee_id = ?", *f.AssigneeID)
	}
	if f.AuthorID != nil {
		q = q.Where("author_id = ?", *f.AuthorID)
	}
	if f.Locality != "" {
		q = q.Where("locality = ?", f.Locality)
	}
	if f.From != nil {
		q = q.Where("scheduled_date >= ?", *dateOnly(f.From))
	}
	if f.To != nil {
		q = q.Where("scheduled_date <= ?", *dateOnly(f.To))
	}
	if after != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}

	var rows []Task
	err := q.Order("created_at desc, id desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// Delete removes a task. Admins may delete anything; authors only tasks
// nobody has touched yet.
func (r *Registry) Delete(ctx context.Context, id int64, actor Actor) error {
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := r.load(tx, id, true)
		if err != nil {
			return err
		}
		if !actor.Admin && (cur.AuthorID != actor.ID || cur.Status != StatusCreated) {
			return fmt.Errorf("%w: only the author may delete a new task", apperr.ErrForbidden)
		}
		if err := tx.Delete(&Task{}, id).Error; err != nil {
			return err
		}
		return jobs.CancelPending(tx, ReminderJob, ReminderKey(id))
	})
	return classify(err)
}

// ReminderAt is the moment a reminder for date fires.
func (r *Registry) ReminderAt(date time.Time) time.Time {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(date.Year(), date.Month(), date.Day(), r.ReminderHour, 0, 0, 0, loc)
}

// scheduleReminder enqueues the reminder for t on tx. Dates whose reminder
// moment already passed get none.
func (r *Registry) scheduleReminder(tx *gorm.DB, t Task) error {
	if t.ScheduledDate == nil {
		return nil
	}
	at := r.ReminderAt(*t.ScheduledDate)
	if at.Before(r.now()) {
		return nil
	}
	payload := ReminderPayload{TaskID: t.ID, Date: t.ScheduledDate.Format(DateLayout)}
	return jobs.Enqueue(tx, ReminderJob, ReminderKey(t.ID), payload, at)
}

func (r *Registry) load(db *gorm.DB, id int64, lock bool) (Task, error) {
	if lock {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var t Task
	if err := db.Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Task{}, fmt.Errorf("%w: task %d", apperr.ErrNotFound, id)
		}
		return Task{}, err
	}
	return t, nil
}

func (r *Registry) policy() retry.Policy {
	if r.Retry.Attempts == 0 {
		return retry.Default
	}
	return r.Retry
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func validateDescription(s string) error {
	if s == "" {
		return fmt.Errorf("%w: описание не может быть пустым", apperr.ErrValidation)
	}
	if utf8.RuneCountInString(s) > MaxDescription {
		return fmt.Errorf("%w: описание длиннее %d символов", apperr.ErrValidation, MaxDescription)
	}
	return nil
}

func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrForbidden),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrConflict),
		errors.Is(err, apperr.ErrInvalidTransition):
		return err
	default:
		return apperr.Transient(err)
	}
}
