package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"taskbot/internal/apperr"
	"taskbot/internal/chat"
	"taskbot/internal/identity"
	"taskbot/internal/notify"
)

func (e *Engine) requestAccess(ctx context.Context, c *call) ([]chat.Message, error) {
	if c.user.Role == identity.RolePending {
		return []chat.Message{c.reply("Заявка уже на рассмотрении.")}, nil
	}
	u, err := e.Users.RequestAccess(ctx, c.update.UserID)
	if err != nil {
		return nil, err
	}

	staff, err := e.staff(ctx)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Заявка на доступ: %s (id %d)", u.Name(), u.ID)
	if u.Username != "" {
		text += ", @" + u.Username
	}
	msgs := make([]chat.Message, 0, len(staff))
	for _, s := range staff {
		msgs = append(msgs, chat.Message{
			Recipient: s.ID,
			Text:      text,
			Buttons: chat.Row(
				chat.Button{Text: "Одобрить", Data: fmt.Sprintf("approve:%d", u.ID)},
				chat.Button{Text: "Отклонить", Data: fmt.Sprintf("reject:%d", u.ID)},
			),
		})
	}
	e.Notifier.Broadcast(ctx, notify.KindAccessRequest, msgs...)

	msg := c.reply("Заявка отправлена. Мы сообщим о решении.")
	msg.Menu = menuFor(u.Role)
	return []chat.Message{msg}, nil
}

func (e *Engine) staff(ctx context.Context) ([]identity.User, error) {
	admins, err := e.Users.ListByRole(ctx, identity.RoleAdmin)
	if err != nil {
		return nil, err
	}
	managers, err := e.Users.ListByRole(ctx, identity.RoleManager)
	if err != nil {
		return nil, err
	}
	return append(admins, managers...), nil
}

func (e *Engine) listUsers(ctx context.Context, c *call) ([]chat.Message, error) {
	pending, err := e.Users.ListByRole(ctx, identity.RolePending)
	if err != nil {
		return nil, err
	}
	var msgs []chat.Message
	for _, u := range pending {
		msg := c.reply(fmt.Sprintf("Заявка: %s (id %d)", u.Name(), u.ID))
		msg.Buttons = chat.Row(
			chat.Button{Text: "Одобрить", Data: fmt.Sprintf("approve:%d", u.ID)},
			chat.Button{Text: "Отклонить", Data: fmt.Sprintf("reject:%d", u.ID)},
		)
		msgs = append(msgs, msg)
	}

	var b strings.Builder
	for _, role := range []identity.Role{identity.RoleAdmin, identity.RoleManager, identity.RoleWorker} {
		users, err := e.Users.ListByRole(ctx, role)
		if err != nil {
			return nil, err
		}
		if len(users) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", role.Title())
		for _, u := range users {
			fmt.Fprintf(&b, "  %s (id %d)\n", u.Name(), u.ID)
		}
	}
	summary := "Сотрудники:" + strings.TrimRight(b.String(), "\n")
	if len(pending) == 0 {
		summary = "Новых заявок нет.\n\n" + summary
	}
	return append(msgs, c.reply(summary)), nil
}

func (e *Engine) setRole(ctx context.Context, c *call) ([]chat.Message, error) {
	if len(c.cmd.args) < 2 {
		return nil, fmt.Errorf("%w: формат /role <id> <роль>, роли: worker, manager, admin, unauthenticated", apperr.ErrValidation)
	}
	target, err := parseID(c.cmd.args[0])
	if err != nil {
		return nil, err
	}
	role, err := identity.ParseRole(c.cmd.args[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	return e.applyRole(ctx, c, target, role)
}

func (e *Engine) approve(ctx context.Context, c *call) ([]chat.Message, error) {
	target, err := parseID(c.cmd.arg(0))
	if err != nil {
		return nil, err
	}
	return e.applyRole(ctx, c, target, identity.RoleWorker)
}

func (e *Engine) applyRole(ctx context.Context, c *call, target int64, role identity.Role) ([]chat.Message, error) {
	if err := e.Users.SetRole(ctx, c.update.UserID, target, role); err != nil {
		return nil, err
	}
	e.log().Info("role changed", zap.Int64("user_id", target), zap.Int64("actor", c.update.UserID), zap.String("role", string(role)))

	notice := chat.Message{Recipient: target, Text: fmt.Sprintf("Ваша роль изменена: %s.", role.Title()), Menu: menuFor(role)}
	e.Notifier.Broadcast(ctx, notify.KindAccount, notice)
	return []chat.Message{c.reply(fmt.Sprintf("Пользователь %d: %s.", target, role.Title()))}, nil
}

func (e *Engine) reject(ctx context.Context, c *call) ([]chat.Message, error) {
	target, err := parseID(c.cmd.arg(0))
	if err != nil {
		return nil, err
	}
	comment := strings.TrimSpace(strings.Join(c.cmd.args[min(1, len(c.cmd.args)):], " "))
	if err := e.Users.Reject(ctx, c.update.UserID, target, comment); err != nil {
		return nil, err
	}
	text := "Заявка на доступ отклонена."
	if comment != "" {
		text += " Причина: " + comment
	}
	e.Notifier.Broadcast(ctx, notify.KindAccount, chat.Message{Recipient: target, Text: text, Menu: menuFor(identity.RoleUnauthenticated)})
	return []chat.Message{c.reply(fmt.Sprintf("Заявка %d отклонена.", target))}, nil
}

func (e *Engine) block(ctx context.Context, c *call) ([]chat.Message, error) {
	return e.setBlocked(ctx, c, true)
}

func (e *Engine) unblock(ctx context.Context, c *call) ([]chat.Message, error) {
	return e.setBlocked(ctx, c, false)
}

func (e *Engine) setBlocked(ctx context.Context, c *call, blocked bool) ([]chat.Message, error) {
	target, err := parseID(c.cmd.arg(0))
	if err != nil {
		return nil, err
	}
	if err := e.Users.SetBlocked(ctx, c.update.UserID, target, blocked); err != nil {
		return nil, err
	}
	state := "разблокирован"
	if blocked {
		state = "заблокирован"
	}
	return []chat.Message{c.reply(fmt.Sprintf("Пользователь %d %s.", target, state))}, nil
}

func (e *Engine) token(_ context.Context, c *call) ([]chat.Message, error) {
	if e.Tokens == nil {
		return nil, fmt.Errorf("%w: API не настроен", apperr.ErrValidation)
	}
	tok, err := e.Tokens.Sign(c.update.UserID)
	if err != nil {
		return nil, err
	}
	return []chat.Message{c.reply("Токен для API (действует 7 дней):\n" + tok)}, nil
}
