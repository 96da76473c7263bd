package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskbot/internal/apperr"
	"taskbot/internal/chat"
	"taskbot/internal/identity"
	"taskbot/internal/notify"
	"taskbot/internal/report"
	"taskbot/internal/task"
)

const listLimit = 20

var fieldAliases = map[string]task.Field{
	"description":    task.FieldDescription,
	"описание":       task.FieldDescription,
	"locality":       task.FieldLocality,
	"город":          task.FieldLocality,
	"пункт":          task.FieldLocality,
	"address":        task.FieldAddress,
	"адрес":          task.FieldAddress,
	"date":           task.FieldScheduledDate,
	"scheduled_date": task.FieldScheduledDate,
	"дата":           task.FieldScheduledDate,
}

func (e *Engine) openTasks(ctx context.Context, c *call) ([]chat.Message, error) {
	f := task.Filter{Statuses: []task.Status{task.StatusCreated, task.StatusScheduled}, Limit: listLimit}
	return e.listTasks(ctx, c, f, "Открытых задач нет.", func(t task.Task) [][]chat.Button {
		return chat.Row(notify.TakeButton(t.ID))
	})
}

func (e *Engine) myTasks(ctx context.Context, c *call) ([]chat.Message, error) {
	me := c.update.UserID
	f := task.Filter{Statuses: []task.Status{task.StatusInProgress}, AssigneeID: &me, Limit: listLimit}
	return e.listTasks(ctx, c, f, "У вас нет задач в работе.", func(t task.Task) [][]chat.Button {
		row := []chat.Button{{Text: "Выполнена", Data: fmt.Sprintf("done:%d", t.ID)}}
		if t.AuthorID == me || isStaff(c.role) {
			row = append(row, chat.Button{Text: "Отменить", Data: fmt.Sprintf("cancel:%d", t.ID)})
		}
		return chat.Row(row...)
	})
}

func (e *Engine) listTasks(ctx context.Context, c *call, f task.Filter, empty string, buttons func(task.Task) [][]chat.Button) ([]chat.Message, error) {
	var msgs []chat.Message
	for t, err := range e.Tasks.Query(ctx, f) {
		if err != nil {
			return nil, err
		}
		msg := c.reply(notify.Card(t))
		msg.Buttons = buttons(t)
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return []chat.Message{c.reply(empty)}, nil
	}
	return msgs, nil
}

func (e *Engine) take(ctx context.Context, c *call) ([]chat.Message, error) {
	id, err := parseID(c.cmd.arg(0))
	if err != nil {
		return nil, err
	}
	t, err := e.Tasks.Assign(ctx, id, c.update.UserID)
	if errors.Is(err, apperr.ErrConflict) {
		return []chat.Message{c.reply("Задача уже взята другим исполнителем.")}, nil
	}
	if err != nil {
		return nil, err
	}
	if t.AuthorID != c.update.UserID {
		e.notify(ctx, notify.Event{TaskID: id, Kind: notify.KindAssigned, Rule: notify.Author(), ActorID: c.update.UserID})
	}
	msg := c.reply(fmt.Sprintf("Вы взяли задачу #%d.\n\n%s", t.ID, notify.Card(t)))
	msg.Buttons = chat.Row(chat.Button{Text: "Выполнена", Data: fmt.Sprintf("done:%d", t.ID)})
	return []chat.Message{msg}, nil
}

// done is allowed to the assignee and to staff.
func (e *Engine) done(ctx context.Context, c *call) ([]chat.Message, error) {
	return e.transition(ctx, c, task.StatusDone, func(t task.Task) bool {
		return t.AssigneeID != nil && *t.AssigneeID == c.update.UserID
	})
}

// cancelTask is allowed to the author and to staff.
func (e *Engine) cancelTask(ctx context.Context, c *call) ([]chat.Message, error) {
	return e.transition(ctx, c, task.StatusCancelled, func(t task.Task) bool {
		return t.AuthorID == c.update.UserID
	})
}

func (e *Engine) schedule(ctx context.Context, c *call) ([]chat.Message, error) {
	return e.transition(ctx, c, task.StatusScheduled, func(task.Task) bool { return true })
}

func (e *Engine) transition(ctx context.Context, c *call, to task.Status, owns func(task.Task) bool) ([]chat.Message, error) {
	id, err := parseID(c.cmd.arg(0))
	if err != nil {
		return nil, err
	}
	cur, err := e.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isStaff(c.role) && !owns(cur) {
		return nil, fmt.Errorf("%w: task %d", apperr.ErrForbidden, id)
	}

	prev, err := e.Tasks.Transition(ctx, id, to)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, notify.Event{
		TaskID:         id,
		Kind:           notify.KindStatusChanged,
		Rule:           notify.AuthorAndAssignee(),
		PreviousStatus: prev.Status,
		ActorID:        c.update.UserID,
	})
	return []chat.Message{c.reply(fmt.Sprintf("Задача #%d: %s.", id, to.Title()))}, nil
}

func (e *Engine) edit(ctx context.Context, c *call) ([]chat.Message, error) {
	usage := fmt.Errorf("%w: формат /edit <id> <поле> <значение>, поля: описание, город, адрес, дата", apperr.ErrValidation)
	if len(c.cmd.args) < 2 {
		return nil, usage
	}
	id, err := parseID(c.cmd.args[0])
	if err != nil {
		return nil, err
	}
	field, ok := fieldAliases[strings.ToLower(c.cmd.args[1])]
	if !ok {
		return nil, usage
	}
	value := strings.TrimSpace(strings.Join(c.cmd.args[2:], " "))

	cur, err := e.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	editor := cur.AuthorID == c.update.UserID || (cur.AssigneeID != nil && *cur.AssigneeID == c.update.UserID)
	if !isStaff(c.role) && !editor {
		return nil, fmt.Errorf("%w: task %d", apperr.ErrForbidden, id)
	}
	if err := e.Tasks.UpdateField(ctx, id, field, value); err != nil {
		return nil, err
	}
	t, err := e.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return []chat.Message{c.reply("Задача обновлена.\n\n" + notify.Card(t))}, nil
}

func (e *Engine) deleteTask(ctx context.Context, c *call) ([]chat.Message, error) {
	id, err := parseID(c.cmd.arg(0))
	if err != nil {
		return nil, err
	}
	actor := task.Actor{ID: c.update.UserID, Admin: c.role == identity.RoleAdmin}
	if err := e.Tasks.Delete(ctx, id, actor); err != nil {
		return nil, err
	}
	return []chat.Message{c.reply(fmt.Sprintf("Задача #%d удалена.", id))}, nil
}

func (e *Engine) export(ctx context.Context, c *call) ([]chat.Message, error) {
	var buf bytes.Buffer
	n, err := report.WriteTasksXLSX(&buf, e.Tasks.Query(ctx, task.Filter{}), e.nameOf(ctx))
	if err != nil {
		return nil, err
	}
	msg := c.reply(fmt.Sprintf("Выгружено задач: %d.", n))
	msg.Document = &chat.Document{Name: "tasks-" + time.Now().Format("2006-01-02") + ".xlsx", Content: buf.Bytes()}
	return []chat.Message{msg}, nil
}

// nameOf caches display names for the duration of one export.
func (e *Engine) nameOf(ctx context.Context) report.Names {
	cache := map[int64]string{}
	return func(id int64) string {
		if n, ok := cache[id]; ok {
			return n
		}
		n := strconv.FormatInt(id, 10)
		if u, err := e.Users.Resolve(ctx, id); err == nil {
			n = u.Name()
		}
		cache[id] = n
		return n
	}
}

// notify runs a fan-out and logs the outcome. Delivery problems never fail
// the command that caused them.
func (e *Engine) notify(ctx context.Context, ev notify.Event) {
	rep, err := e.Notifier.Notify(ctx, ev)
	if err != nil {
		e.log().Warn("notify", zap.Int64("task_id", ev.TaskID), zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	if len(rep.Failed) > 0 {
		e.log().Info("notify partial", zap.Int64("task_id", ev.TaskID), zap.Int("delivered", len(rep.Delivered)), zap.Int("failed", len(rep.Failed)))
	}
}
