package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"taskbot/internal/access"
	"taskbot/internal/auth"
	"taskbot/internal/chat"
	"taskbot/internal/conversation"
	"taskbot/internal/db/dbtest"
	"taskbot/internal/engine"
	"taskbot/internal/extract"
	"taskbot/internal/identity"
	"taskbot/internal/jobs"
	"taskbot/internal/notify"
	"taskbot/internal/payment"
	"taskbot/internal/task"
)

const adminID = 1

type outbox struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (o *outbox) Send(_ context.Context, m chat.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
	return nil
}

func (o *outbox) to(id int64) []chat.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []chat.Message
	for _, m := range o.msgs {
		if m.Recipient == id {
			out = append(out, m)
		}
	}
	return out
}

func (o *outbox) reset() {
	o.mu.Lock()
	o.msgs = nil
	o.mu.Unlock()
}

type invoices struct{ refs []string }

func (p *invoices) CreateCharge(_ context.Context, _ int64, md payment.Metadata) (string, error) {
	p.refs = append(p.refs, md.Ref)
	return "", nil
}

type files map[string][]byte

func (f files) Fetch(_ context.Context, id string) (io.ReadCloser, error) {
	b, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("no file %s", id)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type env struct {
	t        *testing.T
	db       *gorm.DB
	eng      *engine.Engine
	users    *identity.Store
	out      *outbox
	invoices *invoices
	files    files
	nextID   int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := dbtest.Open(t, &identity.User{}, &task.Task{}, &jobs.Job{}, &conversation.State{}, &payment.Charge{})
	users := &identity.Store{DB: db, AdminIDs: []int64{adminID}}
	tasks := &task.Registry{DB: db, Location: time.UTC, ReminderHour: 9}
	out := &outbox{}
	inv := &invoices{}
	fs := files{}

	e := &env{
		t:        t,
		db:       db,
		users:    users,
		out:      out,
		invoices: inv,
		files:    fs,
		eng: &engine.Engine{
			Users:         users,
			Gate:          access.New(users, nil),
			Conversations: &conversation.Machine{DB: db, TTL: time.Hour},
			Tasks:         tasks,
			Notifier:      &notify.Notifier{Tasks: tasks, Users: users, Sender: out},
			Payments:      &payment.Service{DB: db, Provider: inv},
			Extractor:     extract.XLSX{},
			Files:         fs,
			Tokens:        auth.NewJWT("test-secret"),
		},
	}
	_, err := users.Register(context.Background(), adminID, "Admin", "admin")
	require.NoError(t, err)
	return e
}

func (e *env) withRole(id int64, role identity.Role) {
	e.t.Helper()
	ctx := context.Background()
	_, err := e.users.Register(ctx, id, fmt.Sprintf("User %d", id), "")
	require.NoError(e.t, err)
	if role != identity.RoleUnauthenticated {
		require.NoError(e.t, e.users.SetRole(ctx, adminID, id, role))
	}
}

func (e *env) send(userID int64, text string) []chat.Message {
	e.nextID++
	return e.eng.HandleUpdate(context.Background(), engine.Update{ID: e.nextID, UserID: userID, Text: text, Time: time.Now()})
}

func (e *env) press(userID int64, data string) []chat.Message {
	e.nextID++
	return e.eng.HandleUpdate(context.Background(), engine.Update{ID: e.nextID, UserID: userID, Callback: data})
}

func (e *env) tasks() []task.Task {
	e.t.Helper()
	var ts []task.Task
	require.NoError(e.t, e.db.Order("id").Find(&ts).Error)
	return ts
}

func (e *env) states() int64 {
	e.t.Helper()
	var n int64
	require.NoError(e.t, e.db.Model(&conversation.State{}).Count(&n).Error)
	return n
}

func last(msgs []chat.Message) chat.Message {
	if len(msgs) == 0 {
		return chat.Message{}
	}
	return msgs[len(msgs)-1]
}

func TestWorkerCreatesTaskThroughDialog(t *testing.T) {
	e := newEnv(t)
	e.withRole(100, identity.RoleWorker)
	e.withRole(101, identity.RoleWorker)
	e.withRole(300, identity.RoleManager)

	assert.Equal(t, "Опишите задачу (до 1000 символов).", last(e.send(100, "Создать задачу")).Text)
	assert.Equal(t, "Укажите адрес.", last(e.send(100, "Заменить счётчик")).Text)
	assert.Equal(t, "Укажите дату выполнения в формате ДД.ММ.ГГГГ.", last(e.send(100, "ул. Ленина, 1")).Text)

	reply := e.send(100, "01.06.2025")
	require.Len(t, reply, 1)
	assert.Contains(t, reply[0].Text, "создана")

	ts := e.tasks()
	require.Len(t, ts, 1)
	got := ts[0]
	assert.Equal(t, "Заменить счётчик", got.Description)
	assert.Equal(t, "ул. Ленина, 1", got.Address)
	require.NotNil(t, got.ScheduledDate)
	assert.Equal(t, "2025-06-01", got.ScheduledDate.Format(task.DateLayout))
	assert.Equal(t, task.StatusCreated, got.Status)
	assert.Equal(t, int64(100), got.AuthorID)
	assert.Zero(t, e.states())

	for _, w := range []int64{100, 101} {
		msgs := e.out.to(w)
		require.Len(t, msgs, 1, "worker %d", w)
		assert.Contains(t, msgs[0].Text, "Заменить счётчик")
		assert.Equal(t, fmt.Sprintf("take:%d", got.ID), msgs[0].Buttons[0][0].Data)
	}
	assert.Empty(t, e.out.to(300), "managers are not workers")
}

func TestUnauthenticatedCreateIsDenied(t *testing.T) {
	e := newEnv(t)

	reply := e.send(200, "Создать задачу")
	require.Len(t, reply, 1)
	assert.Contains(t, reply[0].Text, access.ReasonNotAuthorized)

	assert.Empty(t, e.tasks())
	assert.Zero(t, e.states())

	reply = e.send(200, "/newtask")
	assert.Contains(t, last(reply).Text, access.ReasonNotAuthorized)
	assert.Zero(t, e.states())
}

func TestRejectedInputRepeatsPrompt(t *testing.T) {
	e := newEnv(t)
	e.withRole(100, identity.RoleWorker)

	e.send(100, "/newtask")
	e.send(100, "Описание")
	reply := e.send(100, "   ")
	require.Len(t, reply, 2)
	assert.Equal(t, "Адрес не может быть пустым.", reply[0].Text)
	assert.Equal(t, "Укажите адрес.", reply[1].Text)

	assert.Equal(t, "Укажите дату выполнения в формате ДД.ММ.ГГГГ.", last(e.send(100, "ул. Мира, 2")).Text)
	reply = e.send(100, "2025-06-01")
	require.Len(t, reply, 2)
	assert.Equal(t, "Неверная дата. Пример: 01.06.2025", reply[0].Text)
	assert.Equal(t, "Укажите дату выполнения в формате ДД.ММ.ГГГГ.", reply[1].Text)
	assert.Empty(t, e.tasks())
}

func TestCancelLeavesDialog(t *testing.T) {
	e := newEnv(t)
	e.withRole(100, identity.RoleWorker)

	e.send(100, "/newtask")
	assert.Equal(t, int64(1), e.states())
	assert.Equal(t, "Действие отменено.", last(e.send(100, "Отмена")).Text)
	assert.Zero(t, e.states())
	assert.Equal(t, "Нечего отменять.", last(e.send(100, "/cancel")).Text)
}

func TestBlockedMidDialogCannotFinish(t *testing.T) {
	e := newEnv(t)
	e.withRole(100, identity.RoleWorker)
	e.withRole(101, identity.RoleWorker)

	e.send(100, "Создать задачу")
	e.send(100, "Заменить счётчик")
	e.send(100, "ул. Ленина, 1")
	require.NoError(t, e.users.SetBlocked(context.Background(), adminID, 100, true))

	reply := e.send(100, "01.06.2099")
	require.Len(t, reply, 1)
	assert.Contains(t, reply[0].Text, access.ReasonNotAuthorized)
	assert.Empty(t, e.tasks())
	assert.Zero(t, e.states(), "denied dialog is dropped")

	e.send(101, "Создать задачу")
	e.send(101, "Покрасить забор")
	require.NoError(t, e.users.SetRole(context.Background(), adminID, 101, identity.RoleUnauthenticated))
	assert.Contains(t, last(e.send(101, "ул. Мира, 2")).Text, access.ReasonNotAuthorized)
	assert.Empty(t, e.tasks())
}

func TestExpiredDialogIsAnnounced(t *testing.T) {
	e := newEnv(t)
	e.withRole(100, identity.RoleWorker)
	now := time.Now()
	e.eng.Conversations.Now = func() time.Time { return now }

	e.send(100, "Создать задачу")
	e.send(100, "Заменить счётчик")
	now = now.Add(2 * time.Hour)

	reply := e.send(100, "ул. Ленина, 5")
	require.Len(t, reply, 2)
	assert.Contains(t, reply[0].Text, "истекло")
	assert.Equal(t, "Опишите задачу (до 1000 символов).", reply[1].Text)
	assert.Equal(t, int64(1), e.states())

	e.send(100, "Новое описание")
	now = now.Add(2 * time.Hour)
	reply = e.send(100, "Создать задачу")
	require.Len(t, reply, 2)
	assert.Contains(t, reply[0].Text, "истекло")
	assert.Equal(t, "Опишите задачу (до 1000 символов).", reply[1].Text)
	assert.Empty(t, e.tasks())
}

func TestTakeConflictAndDone(t *testing.T) {
	e := newEnv(t)
	e.withRole(100, identity.RoleWorker)
	e.withRole(101, identity.RoleWorker)
	e.withRole(102, identity.RoleWorker)

	tk, err := e.eng.Tasks.Create(context.Background(), 102, task.Fields{Description: "Покрасить забор"})
	require.NoError(t, err)

	reply := e.press(100, fmt.Sprintf("take:%d", tk.ID))
	assert.Contains(t, last(reply).Text, "Вы взяли задачу")
	assert.Len(t, e.out.to(102), 1, "author told about assignment")

	reply = e.press(101, fmt.Sprintf("take:%d", tk.ID))
	assert.Equal(t, "Задача уже взята другим исполнителем.", last(reply).Text)

	mine := e.send(100, "/my")
	require.Len(t, mine, 1)
	require.Len(t, mine[0].Buttons[0], 1, "only the author or staff may cancel")
	assert.Equal(t, fmt.Sprintf("done:%d", tk.ID), mine[0].Buttons[0][0].Data)

	reply = e.press(101, fmt.Sprintf("done:%d", tk.ID))
	assert.Equal(t, "Недостаточно прав для этого действия.", last(reply).Text)

	e.out.reset()
	reply = e.press(100, fmt.Sprintf("done:%d", tk.ID))
	assert.Contains(t, last(reply).Text, "выполнена")
	assert.Len(t, e.out.to(102), 1)
	assert.Len(t, e.out.to(100), 1)

	reply = e.send(102, fmt.Sprintf("/edit %d адрес Новый", tk.ID))
	assert.Equal(t, "Это действие недоступно для задачи в текущем статусе.", last(reply).Text)
}

func TestAccessRequestAndApproval(t *testing.T) {
	e := newEnv(t)
	e.withRole(300, identity.RoleManager)

	reply := e.send(500, "/request")
	assert.Contains(t, last(reply).Text, "Заявка отправлена")

	for _, staff := range []int64{adminID, 300} {
		msgs := e.out.to(staff)
		require.Len(t, msgs, 1)
		assert.Equal(t, "approve:500", msgs[0].Buttons[0][0].Data)
	}
	assert.Equal(t, "Заявка уже на рассмотрении.", last(e.send(500, "/request")).Text)

	e.press(300, "approve:500")
	u, err := e.users.Resolve(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, identity.RoleWorker, u.Role)
	assert.Contains(t, last(e.out.to(500)).Text, "исполнитель")

	reply = e.send(300, "/role 500 admin")
	assert.Equal(t, "Недостаточно прав для этого действия.", last(reply).Text)
}

func TestWorkerCannotManageUsers(t *testing.T) {
	e := newEnv(t)
	e.withRole(100, identity.RoleWorker)
	assert.Contains(t, last(e.send(100, "/users")).Text, access.ReasonNotAuthorized)
	assert.Contains(t, last(e.send(100, "/export")).Text, access.ReasonNotAuthorized)
}

func TestExport(t *testing.T) {
	e := newEnv(t)
	_, err := e.eng.Tasks.Create(context.Background(), adminID, task.Fields{Description: "a"})
	require.NoError(t, err)

	reply := e.send(adminID, "Выгрузка")
	msg := last(reply)
	require.NotNil(t, msg.Document)
	assert.True(t, strings.HasSuffix(msg.Document.Name, ".xlsx"))

	f, err := excelize.OpenReader(bytes.NewReader(msg.Document.Content))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetList()[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Admin", rows[1][2])
}

func TestImportFromDocument(t *testing.T) {
	e := newEnv(t)
	e.withRole(100, identity.RoleWorker)

	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	require.NoError(t, wb.SetSheetRow(sheet, "A1", &[]any{"Описание", "Проверить проводку"}))
	require.NoError(t, wb.SetSheetRow(sheet, "A2", &[]any{"Город", "Казань"}))
	require.NoError(t, wb.SetSheetRow(sheet, "A3", &[]any{"Дата", "15.07.2025"}))
	var buf bytes.Buffer
	require.NoError(t, wb.Write(&buf))
	e.files["f1"] = buf.Bytes()
	e.files["bad"] = []byte("garbage")

	e.send(100, "/import")

	e.nextID++
	reply := e.eng.HandleUpdate(context.Background(), engine.Update{ID: e.nextID, UserID: 100, File: &engine.FileRef{ID: "bad", Name: "bad.xlsx"}})
	require.Len(t, reply, 2)
	assert.Contains(t, reply[0].Text, "Не удалось прочитать документ")
	assert.Empty(t, e.tasks())

	e.nextID++
	reply = e.eng.HandleUpdate(context.Background(), engine.Update{ID: e.nextID, UserID: 100, File: &engine.FileRef{ID: "f1", Name: "task.xlsx"}})
	assert.Contains(t, last(reply).Text, "создана")

	ts := e.tasks()
	require.Len(t, ts, 1)
	assert.Equal(t, "Проверить проводку", ts[0].Description)
	assert.Equal(t, "Казань", ts[0].Locality)
	assert.Equal(t, "2025-07-15", ts[0].ScheduledDate.Format(task.DateLayout))
}

func TestPaymentSettlesOnce(t *testing.T) {
	e := newEnv(t)
	e.withRole(100, identity.RoleWorker)
	tk, err := e.eng.Tasks.Create(context.Background(), 100, task.Fields{Description: "x"})
	require.NoError(t, err)

	reply := e.send(100, fmt.Sprintf("/pay %d 1500,5", tk.ID))
	assert.Contains(t, last(reply).Text, "1500.50")
	require.Len(t, e.invoices.refs, 1)

	e.out.reset()
	settle := engine.Update{ID: 999, UserID: 100, ChargeRef: e.invoices.refs[0]}
	assert.Contains(t, last(e.eng.HandleUpdate(context.Background(), settle)).Text, "получена")
	assert.Len(t, e.out.to(100), 1)
	assert.Len(t, e.out.to(adminID), 1)

	settle.ID++
	e.eng.HandleUpdate(context.Background(), settle)
	assert.Len(t, e.out.to(100), 1, "no second notice")
}

func TestReminderHandler(t *testing.T) {
	e := newEnv(t)
	e.withRole(100, identity.RoleWorker)
	ctx := context.Background()
	date := time.Now().AddDate(0, 0, 3)
	d := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	tk, err := e.eng.Tasks.Create(ctx, 100, task.Fields{Description: "remind me", ScheduledDate: &d})
	require.NoError(t, err)

	var job jobs.Job
	require.NoError(t, e.db.Where("type = ?", task.ReminderJob).First(&job).Error)
	require.NoError(t, e.eng.HandleReminder(ctx, &job))
	require.Len(t, e.out.to(100), 1)
	assert.Contains(t, e.out.to(100)[0].Text, "Напоминание")

	stale, err := json.Marshal(task.ReminderPayload{TaskID: tk.ID, Date: "2000-01-01"})
	require.NoError(t, err)
	require.NoError(t, e.eng.HandleReminder(ctx, &jobs.Job{Payload: stale}))
	assert.Len(t, e.out.to(100), 1, "moved date is ignored")

	gone, err := json.Marshal(task.ReminderPayload{TaskID: 9999, Date: "2000-01-01"})
	require.NoError(t, err)
	assert.NoError(t, e.eng.HandleReminder(ctx, &jobs.Job{Payload: gone}))
}

func TestTokenAndStart(t *testing.T) {
	e := newEnv(t)
	reply := e.send(adminID, "/start")
	assert.Contains(t, last(reply).Text, "администратор")
	assert.NotEmpty(t, last(reply).Menu)

	tok := last(e.send(adminID, "/token")).Text
	parts := strings.Split(tok, "\n")
	id, err := auth.NewJWT("test-secret").Verify(parts[len(parts)-1])
	require.NoError(t, err)
	assert.Equal(t, int64(adminID), id)
}

func TestPanicBecomesGenericMessage(t *testing.T) {
	e := &engine.Engine{}
	reply := e.HandleUpdate(context.Background(), engine.Update{ID: 1, UserID: 5, Text: "hi"})
	require.Len(t, reply, 1)
	assert.Equal(t, int64(5), reply[0].Recipient)
	assert.Equal(t, "Что-то пошло не так, попробуйте ещё раз.", reply[0].Text)
}
