package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"taskbot/internal/apperr"
	"taskbot/internal/chat"
	"taskbot/internal/identity"
	"taskbot/internal/notify"
	"taskbot/internal/payment"
)

func (e *Engine) pay(ctx context.Context, c *call) ([]chat.Message, error) {
	if len(c.cmd.args) < 2 {
		return nil, fmt.Errorf("%w: формат /pay <id> <сумма>", apperr.ErrValidation)
	}
	id, err := parseID(c.cmd.args[0])
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(c.cmd.args[1])
	if err != nil {
		return nil, err
	}
	if _, err := e.Tasks.Get(ctx, id); err != nil {
		return nil, err
	}
	if e.Payments == nil {
		return nil, fmt.Errorf("%w: оплата не настроена", apperr.ErrValidation)
	}
	ch, err := e.Payments.Request(ctx, c.update.UserID, id, amount)
	if err != nil {
		return nil, err
	}
	return []chat.Message{c.reply(fmt.Sprintf("Счёт на %s %s по задаче #%d выставлен.", formatAmount(ch.Amount), ch.Currency, id))}, nil
}

// settle handles a payment confirmed in chat.
func (e *Engine) settle(ctx context.Context, c *call) ([]chat.Message, error) {
	ch, _, err := e.SettleCharge(ctx, c.update.ChargeRef, c.update.UserID)
	if err != nil {
		return nil, err
	}
	return []chat.Message{c.reply(fmt.Sprintf("Оплата по задаче #%d получена. Спасибо!", ch.TaskID))}, nil
}

// SettleCharge marks a charge paid and notifies the task author and admins.
// Repeated confirmations report settled=false and send nothing.
func (e *Engine) SettleCharge(ctx context.Context, ref string, actorID int64) (payment.Charge, bool, error) {
	if e.Payments == nil {
		return payment.Charge{}, false, fmt.Errorf("%w: оплата не настроена", apperr.ErrValidation)
	}
	ch, settled, err := e.Payments.OnChargeSettled(ctx, ref)
	if err != nil {
		return payment.Charge{}, false, err
	}
	if settled {
		e.notify(ctx, notify.Event{
			TaskID:  ch.TaskID,
			Kind:    notify.KindPaid,
			Rule:    notify.Union(notify.Author(), notify.AllWithRole(identity.RoleAdmin)),
			ActorID: actorID,
			Note:    fmt.Sprintf("Сумма: %s %s.", formatAmount(ch.Amount), ch.Currency),
		})
	}
	return ch, settled, nil
}

// parseAmount reads "1500", "1500.50" or "1500,50" into minor units.
func parseAmount(s string) (int64, error) {
	bad := fmt.Errorf("%w: сумма указывается числом, например 1500 или 1500.50", apperr.ErrValidation)
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	whole, frac, hasFrac := strings.Cut(s, ".")
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 || units >= math.MaxInt64/100 {
		return 0, bad
	}
	var cents int64
	if hasFrac {
		if len(frac) == 0 || len(frac) > 2 {
			return 0, bad
		}
		if len(frac) == 1 {
			frac += "0"
		}
		if cents, err = strconv.ParseInt(frac, 10, 64); err != nil || cents < 0 {
			return 0, bad
		}
	}
	total := units*100 + cents
	if total <= 0 {
		return 0, bad
	}
	return total, nil
}

func formatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}
