// Package notify fans task events out to the users a rule selects.
// Deliveries are independent: one failing recipient never stops the others.
package notify

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskbot/internal/apperr"
	"taskbot/internal/chat"
	"taskbot/internal/identity"
	"taskbot/internal/logging"
	"taskbot/internal/metrics"
	"taskbot/internal/task"
)

type Kind string

const (
	KindCreated       Kind = "created"
	KindAssigned      Kind = "assigned"
	KindStatusChanged Kind = "status_changed"
	KindReminder      Kind = "reminder"
	KindPaid          Kind = "paid"
	KindAccessRequest Kind = "access_request"
	KindAccount       Kind = "account"
)

const defaultParallelism = 8

type Event struct {
	TaskID           int64
	Kind             Kind
	Rule             Rule
	PreviousAssignee *int64
	PreviousStatus   task.Status
	ActorID          int64
	Note             string
}

// Job is one rendered message waiting for delivery.
type Job struct {
	TaskID    int64
	Recipient int64
	Message   chat.Message
}

type Failure struct {
	Recipient int64
	Err       error
}

type Report struct {
	Delivered []int64
	Failed    []Failure
}

type Tasks interface {
	Get(ctx context.Context, id int64) (task.Task, error)
}

type Directory interface {
	Resolve(ctx context.Context, userID int64) (identity.User, error)
	ListByRole(ctx context.Context, role identity.Role) ([]identity.User, error)
}

type Notifier struct {
	Tasks       Tasks
	Users       Directory
	Sender      chat.Sender
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	Parallelism int
}

// Notify loads the task, resolves recipients and delivers one message each.
// The error covers only the lookup phase; delivery failures are in Report.
func (n *Notifier) Notify(ctx context.Context, ev Event) (Report, error) {
	if ev.Rule == nil {
		return Report{}, fmt.Errorf("%w: event without rule", apperr.ErrValidation)
	}
	t, err := n.Tasks.Get(ctx, ev.TaskID)
	if err != nil {
		return Report{}, err
	}
	recipients, err := n.recipients(ctx, t, ev)
	if err != nil {
		return Report{}, err
	}

	jobs := make([]Job, 0, len(recipients))
	for _, id := range recipients {
		jobs = append(jobs, Job{TaskID: t.ID, Recipient: id, Message: render(t, ev, id)})
	}
	return n.deliver(ctx, ev.Kind, jobs), nil
}

// Broadcast delivers prepared messages that are not about a task, such as
// access requests to staff.
func (n *Notifier) Broadcast(ctx context.Context, kind Kind, msgs ...chat.Message) Report {
	jobs := make([]Job, 0, len(msgs))
	for _, m := range msgs {
		jobs = append(jobs, Job{Recipient: m.Recipient, Message: m})
	}
	slices.SortStableFunc(jobs, func(a, b Job) int { return cmp.Compare(a.Recipient, b.Recipient) })
	return n.deliver(ctx, kind, jobs)
}

func (n *Notifier) recipients(ctx context.Context, t task.Task, ev Event) ([]int64, error) {
	ids, err := ev.Rule(ctx, n.Users, t, ev)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	out := ids[:0]
	for _, id := range ids {
		u, err := n.Users.Resolve(ctx, id)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			continue
		case err != nil:
			return nil, err
		case u.Blocked():
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (n *Notifier) deliver(ctx context.Context, kind Kind, jobs []Job) Report {
	limit := n.Parallelism
	if limit <= 0 {
		limit = defaultParallelism
	}
	log := logging.OrNop(n.Log)

	errs := make([]error, len(jobs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, j := range jobs {
		g.Go(func() error {
			errs[i] = n.Sender.Send(ctx, j.Message)
			return nil
		})
	}
	_ = g.Wait()

	var rep Report
	for i, j := range jobs {
		if errs[i] != nil {
			log.Warn("notification failed",
				zap.Int64("task_id", j.TaskID),
				zap.Int64("recipient", j.Recipient),
				zap.String("kind", string(kind)),
				zap.Error(errs[i]))
			n.Metrics.Notification(string(kind), "failed")
			rep.Failed = append(rep.Failed, Failure{Recipient: j.Recipient, Err: errs[i]})
			continue
		}
		n.Metrics.Notification(string(kind), "delivered")
		rep.Delivered = append(rep.Delivered, j.Recipient)
	}
	return rep
}
