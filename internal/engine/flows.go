package engine

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"taskbot/internal/access"
	"taskbot/internal/chat"
	"taskbot/internal/conversation"
	"taskbot/internal/task"
)

const (
	flowCreateTask = "create_task"
	flowImportTask = "import_task"
)

// flowActions is the capability checked before every step of a flow.
var flowActions = map[string]access.Action{
	flowCreateTask: access.CreateTask,
	flowImportTask: access.CreateTask,
}

const (
	promptDescription = "Опишите задачу (до 1000 символов)."
	promptAddress     = "Укажите адрес."
	promptDate        = "Укажите дату выполнения в формате ДД.ММ.ГГГГ."
	msgExpired        = "Время ожидания истекло, начнём заново."
	promptDocument    = "Пришлите файл .xlsx: в колонке A названия полей (Описание, Населённый пункт, Адрес, Дата), в колонке B значения."
)

func (e *Engine) flow(name string) *conversation.Flow {
	e.flowsOnce.Do(func() {
		e.flows = map[string]*conversation.Flow{
			flowCreateTask: {
				Name: flowCreateTask,
				Steps: []conversation.Step{
					{Field: "description", Prompt: promptDescription, Validate: validateDescription},
					{Field: "address", Prompt: promptAddress, Validate: validateAddress},
					{Field: "scheduled_date", Prompt: promptDate, Validate: validateDate},
				},
				Complete: e.createFromFields,
			},
			flowImportTask: {
				Name: flowImportTask,
				Steps: []conversation.Step{
					{Field: "document", Prompt: promptDocument, Validate: validateDocument},
				},
				Complete: e.createFromFields,
			},
		}
	})
	return e.flows[name]
}

func validateDescription(in conversation.Input) (string, error) {
	s := strings.TrimSpace(in.Text)
	switch {
	case s == "":
		return "", conversation.Reject("Описание не может быть пустым.")
	case utf8.RuneCountInString(s) > task.MaxDescription:
		return "", conversation.Reject("Описание длиннее 1000 символов, сократите его.")
	}
	return s, nil
}

func validateAddress(in conversation.Input) (string, error) {
	s := strings.TrimSpace(in.Text)
	if s == "" {
		return "", conversation.Reject("Адрес не может быть пустым.")
	}
	return s, nil
}

func validateDate(in conversation.Input) (string, error) {
	d, err := time.Parse(task.ChatDateLayout, strings.TrimSpace(in.Text))
	if err != nil {
		return "", conversation.Reject("Неверная дата. Пример: 01.06.2025")
	}
	return d.Format(task.DateLayout), nil
}

func validateDocument(in conversation.Input) (string, error) {
	if in.Extracted == nil {
		return "", conversation.Reject("Нужен файл .xlsx.")
	}
	if strings.TrimSpace(in.Extracted["description"]) == "" {
		return "", conversation.Reject("В файле нет описания задачи.")
	}
	if v := in.Extracted["scheduled_date"]; v != "" {
		if _, err := task.ParseDate(v); err != nil {
			return "", conversation.Reject("Неверная дата в файле. Пример: 01.06.2025")
		}
	}
	return in.Text, nil
}

// createFromFields is the completion of both task flows.
func (e *Engine) createFromFields(ctx context.Context, userID int64, f conversation.Fields) (any, error) {
	in := task.Fields{
		Description: f["description"],
		Locality:    f["locality"],
		Address:     f["address"],
	}
	if v := f["scheduled_date"]; v != "" {
		d, err := task.ParseDate(v)
		if err != nil {
			return nil, conversation.Reject("Неверная дата.")
		}
		in.ScheduledDate = &d
	}
	return e.Tasks.Create(ctx, userID, in)
}

func (e *Engine) newTask(ctx context.Context, c *call) ([]chat.Message, error) {
	return e.startFlow(ctx, c, flowCreateTask)
}

func (e *Engine) importTask(ctx context.Context, c *call) ([]chat.Message, error) {
	return e.startFlow(ctx, c, flowImportTask)
}

func (e *Engine) startFlow(ctx context.Context, c *call, name string) ([]chat.Message, error) {
	out, err := e.Conversations.Start(ctx, c.update.UserID, e.flow(name), false)
	if err != nil {
		return nil, err
	}
	var msgs []chat.Message
	if out.Expired {
		msgs = append(msgs, c.reply(msgExpired))
	}
	if out.Resumed {
		msgs = append(msgs, c.reply("Продолжаем с того места, где остановились."))
	}
	return append(msgs, e.promptMessage(c, out.Prompt)), nil
}
