package notify_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"taskbot/internal/apperr"
	"taskbot/internal/chat"
	"taskbot/internal/identity"
	"taskbot/internal/metrics"
	"taskbot/internal/notify"
	"taskbot/internal/task"
)

type tasks map[int64]task.Task

func (m tasks) Get(_ context.Context, id int64) (task.Task, error) {
	t, ok := m[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: task %d", apperr.ErrNotFound, id)
	}
	return t, nil
}

type directory []identity.User

func (d directory) Resolve(_ context.Context, id int64) (identity.User, error) {
	for _, u := range d {
		if u.ID == id {
			return u, nil
		}
	}
	return identity.User{}, apperr.ErrNotFound
}

func (d directory) ListByRole(_ context.Context, r identity.Role) ([]identity.User, error) {
	var out []identity.User
	for _, u := range d {
		if u.Role == r && !u.Blocked() {
			out = append(out, u)
		}
	}
	return out, nil
}

type sender struct {
	mu       sync.Mutex
	sent     []chat.Message
	failFor  map[int64]bool
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *sender) Send(_ context.Context, m chat.Message) error {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if cur <= p || s.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	if s.failFor[m.Recipient] {
		return errors.New("chat not found")
	}
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
	return nil
}

func (s *sender) recipients() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, m := range s.sent {
		ids = append(ids, m.Recipient)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func users() directory {
	return directory{
		{ID: 100, Role: identity.RoleWorker, Status: identity.StatusActive},
		{ID: 101, Role: identity.RoleWorker, Status: identity.StatusActive},
		{ID: 102, Role: identity.RoleWorker, Status: identity.StatusBlocked},
		{ID: 300, Role: identity.RoleManager, Status: identity.StatusActive},
		{ID: 400, Role: identity.RoleAdmin, Status: identity.StatusActive},
	}
}

func TestNotifyCreatedGoesToAllWorkers(t *testing.T) {
	date := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := &sender{}
	n := &notify.Notifier{
		Tasks:  tasks{1: {ID: 1, AuthorID: 100, Description: "Fix", Address: "Lenina 1", ScheduledDate: &date, Status: task.StatusCreated}},
		Users:  users(),
		Sender: s,
	}

	rep, err := n.Notify(context.Background(), notify.Event{TaskID: 1, Kind: notify.KindCreated, Rule: notify.AllWithRole(identity.RoleWorker)})
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101}, rep.Delivered, "author included, blocked excluded")
	assert.Empty(t, rep.Failed)
	assert.Equal(t, []int64{100, 101}, s.recipients())

	msg := s.sent[0]
	assert.Contains(t, msg.Text, "Fix")
	assert.Contains(t, msg.Text, "01.06.2025")
	require.Len(t, msg.Buttons, 1)
	assert.Equal(t, "take:1", msg.Buttons[0][0].Data)
}

func TestNotifyFailuresAreIsolated(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := metrics.New()
	s := &sender{failFor: map[int64]bool{101: true}}
	n := &notify.Notifier{
		Tasks:   tasks{1: {ID: 1, AuthorID: 300, Description: "x", Status: task.StatusCreated}},
		Users:   users(),
		Sender:  s,
		Log:     zap.New(core),
		Metrics: m,
	}

	rep, err := n.Notify(context.Background(), notify.Event{
		TaskID: 1,
		Kind:   notify.KindCreated,
		Rule:   notify.Union(notify.AllWithRole(identity.RoleWorker), notify.Author(), notify.Users(400, 100, 999)),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 300, 400}, rep.Delivered)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, int64(101), rep.Failed[0].Recipient)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(101), logs.All()[0].ContextMap()["recipient"])
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Notifications.WithLabelValues("created", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("created", "failed")))
}

func TestNotifyBoundedParallelism(t *testing.T) {
	var dir directory
	for i := int64(1); i <= 30; i++ {
		dir = append(dir, identity.User{ID: i, Role: identity.RoleWorker, Status: identity.StatusActive})
	}
	s := &sender{}
	n := &notify.Notifier{
		Tasks:       tasks{1: {ID: 1, Description: "x", Status: task.StatusCreated}},
		Users:       dir,
		Sender:      s,
		Parallelism: 4,
	}

	rep, err := n.Notify(context.Background(), notify.Event{TaskID: 1, Kind: notify.KindCreated, Rule: notify.AllWithRole(identity.RoleWorker)})
	require.NoError(t, err)
	assert.Len(t, rep.Delivered, 30)
	assert.LessOrEqual(t, s.peak.Load(), int32(4))
}

func TestRules(t *testing.T) {
	prev := int64(7)
	cur := int64(8)
	tk := task.Task{ID: 1, AuthorID: 100, AssigneeID: &cur, Status: task.StatusInProgress, Description: "x"}
	ev := notify.Event{PreviousAssignee: &prev}
	ctx := context.Background()

	tests := []struct {
		name string
		rule notify.Rule
		task task.Task
		want []int64
	}{
		{"author", notify.Author(), tk, []int64{100}},
		{"assignees", notify.Assignees(), tk, []int64{8, 7}},
		{"author and assignee", notify.AuthorAndAssignee(), tk, []int64{100, 8, 7}},
		{"assignee or author", notify.AssigneeOrAuthor(), tk, []int64{8}},
		{"unassigned falls back to author", notify.AssigneeOrAuthor(), task.Task{AuthorID: 100}, []int64{100}},
		{"managers and admins", notify.AllWithRole(identity.RoleManager, identity.RoleAdmin), tk, []int64{300, 400}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.rule(ctx, users(), tc.task, ev)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNotifyMissingTask(t *testing.T) {
	n := &notify.Notifier{Tasks: tasks{}, Users: users(), Sender: &sender{}}
	_, err := n.Notify(context.Background(), notify.Event{TaskID: 5, Kind: notify.KindReminder, Rule: notify.Author()})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStatusChangedTemplate(t *testing.T) {
	w := int64(100)
	s := &sender{}
	n := &notify.Notifier{
		Tasks:  tasks{1: {ID: 1, AuthorID: 300, AssigneeID: &w, Status: task.StatusDone, Description: "x"}},
		Users:  users(),
		Sender: s,
	}
	_, err := n.Notify(context.Background(), notify.Event{
		TaskID:         1,
		Kind:           notify.KindStatusChanged,
		PreviousStatus: task.StatusInProgress,
		Rule:           notify.Author(),
	})
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	assert.Equal(t, "Статус задачи #1: в работе → выполнена", s.sent[0].Text)
	assert.Empty(t, s.sent[0].Buttons)
}
