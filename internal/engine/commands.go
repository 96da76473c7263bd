package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"taskbot/internal/access"
	"taskbot/internal/apperr"
	"taskbot/internal/chat"
	"taskbot/internal/identity"
)

const (
	menuCreate  = "Создать задачу"
	menuImport  = "Импорт из файла"
	menuOpen    = "Открытые задачи"
	menuMine    = "Мои задачи"
	menuRequest = "Запросить доступ"
	menuUsers   = "Пользователи"
	menuExport  = "Выгрузка"
	menuCancel  = "Отмена"
)

var menuCommands = map[string]string{
	menuCreate:  "newtask",
	menuImport:  "import",
	menuOpen:    "tasks",
	menuMine:    "my",
	menuRequest: "request",
	menuUsers:   "users",
	menuExport:  "export",
	menuCancel:  "cancel",
}

// callbackCommands maps inline button prefixes to commands. cancel:<id>
// cancels a task, unlike the plain /cancel that leaves a dialog.
var callbackCommands = map[string]string{
	"take":     "take",
	"done":     "done",
	"cancel":   "cancel_task",
	"schedule": "schedule",
	"approve":  "approve",
	"reject":   "reject",
	"request":  "request",
	"newtask":  "newtask",
}

type command struct {
	name string
	args []string
	rest string
}

func (c command) arg(i int) string {
	if i < len(c.args) {
		return c.args[i]
	}
	return ""
}

func parseCommand(callback, text string) (command, bool) {
	if callback != "" {
		name, arg, _ := strings.Cut(callback, ":")
		mapped, ok := callbackCommands[name]
		if !ok {
			return command{}, false
		}
		cmd := command{name: mapped, rest: arg}
		if arg != "" {
			cmd.args = []string{arg}
		}
		return cmd, true
	}

	text = strings.TrimSpace(text)
	if name, ok := menuCommands[text]; ok {
		return command{name: name}, true
	}
	if !strings.HasPrefix(text, "/") {
		return command{}, false
	}
	head, rest, _ := strings.Cut(text, " ")
	name := strings.TrimPrefix(head, "/")
	name, _, _ = strings.Cut(name, "@")
	return command{name: strings.ToLower(name), args: strings.Fields(rest), rest: strings.TrimSpace(rest)}, true
}

type handler struct {
	action access.Action
	usage  string
	run    func(e *Engine, ctx context.Context, c *call) ([]chat.Message, error)
}

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		"start":       {run: (*Engine).start},
		"help":        {run: (*Engine).help},
		"cancel":      {run: (*Engine).cancelFlow, usage: "/cancel: прервать текущий диалог"},
		"contact":     {run: (*Engine).contact, usage: "/contact <телефон>: сохранить контактный телефон"},
		"request":     {action: access.RequestAccess, run: (*Engine).requestAccess, usage: "/request: запросить доступ"},
		"newtask":     {action: access.CreateTask, run: (*Engine).newTask, usage: "/newtask: создать задачу"},
		"import":      {action: access.CreateTask, run: (*Engine).importTask, usage: "/import: создать задачу из файла .xlsx"},
		"tasks":       {action: access.ViewTasks, run: (*Engine).openTasks, usage: "/tasks: открытые задачи"},
		"my":          {action: access.ViewTasks, run: (*Engine).myTasks, usage: "/my: мои задачи в работе"},
		"take":        {action: access.AssignSelf, run: (*Engine).take},
		"done":        {action: access.ChangeTaskStatus, run: (*Engine).done, usage: "/done <id>: отметить выполнение"},
		"cancel_task": {action: access.ChangeTaskStatus, run: (*Engine).cancelTask},
		"schedule":    {action: access.ScheduleTask, run: (*Engine).schedule, usage: "/schedule <id>: запланировать задачу"},
		"edit":        {action: access.EditTask, run: (*Engine).edit, usage: "/edit <id> <поле> <значение>: изменить задачу"},
		"delete":      {action: access.DeleteTask, run: (*Engine).deleteTask, usage: "/delete <id>: удалить задачу"},
		"users":       {action: access.ManageUsers, run: (*Engine).listUsers, usage: "/users: заявки и сотрудники"},
		"role":        {action: access.ManageUsers, run: (*Engine).setRole, usage: "/role <id> <роль>: назначить роль"},
		"approve":     {action: access.ManageUsers, run: (*Engine).approve},
		"reject":      {action: access.ManageUsers, run: (*Engine).reject, usage: "/reject <id> [причина]: отклонить заявку"},
		"block":       {action: access.ManageUsers, run: (*Engine).block, usage: "/block <id>: заблокировать пользователя"},
		"unblock":     {action: access.ManageUsers, run: (*Engine).unblock, usage: "/unblock <id>: разблокировать пользователя"},
		"export":      {action: access.ExportTasks, run: (*Engine).export, usage: "/export: выгрузить задачи в .xlsx"},
		"pay":         {action: access.RequestPayment, run: (*Engine).pay, usage: "/pay <id> <сумма>: выставить счёт по задаче"},
		"token":       {action: access.IssueAPIToken, run: (*Engine).token, usage: "/token: токен для API"},
	}
}

func menuFor(role identity.Role) [][]string {
	switch role {
	case identity.RoleWorker:
		return [][]string{{menuCreate, menuImport}, {menuOpen, menuMine}}
	case identity.RoleManager, identity.RoleAdmin:
		return [][]string{{menuCreate, menuImport}, {menuOpen, menuMine}, {menuUsers, menuExport}}
	default:
		return [][]string{{menuRequest}}
	}
}

func isStaff(role identity.Role) bool {
	return role == identity.RoleManager || role == identity.RoleAdmin
}

func (e *Engine) start(_ context.Context, c *call) ([]chat.Message, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Здравствуйте, %s!\nВаша роль: %s.", c.user.Name(), c.role.Title())
	switch {
	case c.user.Blocked():
		b.WriteString("\nВаша учётная запись заблокирована.")
	case c.role == identity.RoleUnauthenticated && c.user.AdminComment != "":
		fmt.Fprintf(&b, "\nПредыдущая заявка отклонена: %s", c.user.AdminComment)
	case c.role == identity.RoleUnauthenticated:
		b.WriteString("\nЧтобы работать с задачами, запросите доступ.")
	case c.role == identity.RolePending:
		b.WriteString("\nЗаявка на рассмотрении.")
	}
	msg := c.reply(b.String())
	msg.Menu = menuFor(c.role)
	return []chat.Message{msg}, nil
}

func (e *Engine) help(_ context.Context, c *call) ([]chat.Message, error) {
	role := c.role
	if role == "" {
		role = c.user.Role
		if c.user.Blocked() {
			role = identity.RoleUnauthenticated
		}
	}
	var lines []string
	for _, h := range handlers {
		if h.usage == "" || (h.action != "" && !access.Allows(role, h.action)) {
			continue
		}
		lines = append(lines, h.usage)
	}
	sort.Strings(lines)
	msg := c.reply("Доступные команды:\n" + strings.Join(lines, "\n"))
	msg.Menu = menuFor(role)
	return []chat.Message{msg}, nil
}

func (e *Engine) cancelFlow(ctx context.Context, c *call) ([]chat.Message, error) {
	name, ok, err := e.Conversations.Pending(ctx, c.update.UserID)
	if err != nil {
		return nil, err
	}
	text := "Нечего отменять."
	if ok {
		if _, err := e.Conversations.Cancel(ctx, c.update.UserID, name); err != nil {
			return nil, err
		}
		text = "Действие отменено."
	}
	msg := c.reply(text)
	msg.Menu = menuFor(c.role)
	return []chat.Message{msg}, nil
}

func (e *Engine) contact(ctx context.Context, c *call) ([]chat.Message, error) {
	if err := e.Users.SetContact(ctx, c.update.UserID, c.cmd.rest); err != nil {
		return nil, err
	}
	return []chat.Message{c.reply("Контакт сохранён.")}, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: укажите номер, например /done 12", apperr.ErrValidation)
	}
	return id, nil
}
