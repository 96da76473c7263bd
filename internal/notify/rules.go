package notify

import (
	"context"

	"taskbot/internal/identity"
	"taskbot/internal/task"
)

// Rule picks the recipients of an event. Duplicates are fine; Notify
// removes them.
type Rule func(ctx context.Context, dir Directory, t task.Task, ev Event) ([]int64, error)

func AllWithRole(roles ...identity.Role) Rule {
	return func(ctx context.Context, dir Directory, _ task.Task, _ Event) ([]int64, error) {
		var ids []int64
		for _, r := range roles {
			users, err := dir.ListByRole(ctx, r)
			if err != nil {
				return nil, err
			}
			for _, u := range users {
				ids = append(ids, u.ID)
			}
		}
		return ids, nil
	}
}

func Author() Rule {
	return func(_ context.Context, _ Directory, t task.Task, _ Event) ([]int64, error) {
		return []int64{t.AuthorID}, nil
	}
}

// Assignees is the current assignee plus the one before the change, if any.
func Assignees() Rule {
	return func(_ context.Context, _ Directory, t task.Task, ev Event) ([]int64, error) {
		var ids []int64
		if t.AssigneeID != nil {
			ids = append(ids, *t.AssigneeID)
		}
		if ev.PreviousAssignee != nil {
			ids = append(ids, *ev.PreviousAssignee)
		}
		return ids, nil
	}
}

func AuthorAndAssignee() Rule { return Union(Author(), Assignees()) }

// AssigneeOrAuthor falls back to the author while nobody has taken the task.
func AssigneeOrAuthor() Rule {
	return func(_ context.Context, _ Directory, t task.Task, _ Event) ([]int64, error) {
		if t.AssigneeID != nil {
			return []int64{*t.AssigneeID}, nil
		}
		return []int64{t.AuthorID}, nil
	}
}

func Users(ids ...int64) Rule {
	return func(context.Context, Directory, task.Task, Event) ([]int64, error) {
		return append([]int64(nil), ids...), nil
	}
}

func Union(rules ...Rule) Rule {
	return func(ctx context.Context, dir Directory, t task.Task, ev Event) ([]int64, error) {
		var ids []int64
		for _, r := range rules {
			got, err := r(ctx, dir, t, ev)
			if err != nil {
				return nil, err
			}
			ids = append(ids, got...)
		}
		return ids, nil
	}
}
