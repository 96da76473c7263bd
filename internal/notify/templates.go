package notify

import (
	"fmt"
	"strings"

	"taskbot/internal/chat"
	"taskbot/internal/task"
)

// Card is the multi-line summary of a task used in lists and notices.
func Card(t task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Задача #%d (%s)\n%s", t.ID, t.Status.Title(), t.Description)
	if t.Locality != "" {
		fmt.Fprintf(&b, "\nНаселённый пункт: %s", t.Locality)
	}
	if t.Address != "" {
		fmt.Fprintf(&b, "\nАдрес: %s", t.Address)
	}
	if t.ScheduledDate != nil {
		fmt.Fprintf(&b, "\nДата: %s", t.ScheduledDate.Format(task.ChatDateLayout))
	}
	return b.String()
}

func TakeButton(id int64) chat.Button {
	return chat.Button{Text: "Взять", Data: fmt.Sprintf("take:%d", id)}
}

func render(t task.Task, ev Event, recipient int64) chat.Message {
	msg := chat.Message{Recipient: recipient}
	switch ev.Kind {
	case KindCreated:
		msg.Text = "Новая задача\n\n" + Card(t)
		msg.Buttons = chat.Row(TakeButton(t.ID))
	case KindAssigned:
		msg.Text = fmt.Sprintf("Задача #%d взята в работу.\n\n%s", t.ID, Card(t))
	case KindStatusChanged:
		msg.Text = fmt.Sprintf("Статус задачи #%d: %s → %s", t.ID, ev.PreviousStatus.Title(), t.Status.Title())
	case KindReminder:
		when := "без даты"
		if t.ScheduledDate != nil {
			when = t.ScheduledDate.Format(task.ChatDateLayout)
		}
		msg.Text = fmt.Sprintf("Напоминание: задача #%d запланирована на %s.\n\n%s", t.ID, when, Card(t))
	case KindPaid:
		msg.Text = fmt.Sprintf("Оплата по задаче #%d получена.", t.ID)
	default:
		msg.Text = Card(t)
	}
	if ev.Note != "" {
		msg.Text += "\n" + ev.Note
	}
	return msg
}
