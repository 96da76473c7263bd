package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"taskbot/internal/payment"
)

var ErrPaymentsDisabled = errors.New("telegram payments are not configured")

// CreateCharge sends an invoice to the payer. The charge ref travels as the
// invoice payload and comes back with the successful payment.
func (b *Bot) CreateCharge(ctx context.Context, amount int64, md payment.Metadata) (string, error) {
	if b.PaymentToken == "" {
		return "", ErrPaymentsDisabled
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	currency := md.Currency
	if currency == "" {
		currency = b.Currency
	}
	title := md.Title
	if title == "" {
		title = fmt.Sprintf("Задача #%d", md.TaskID)
	}
	desc := md.Description
	if desc == "" {
		desc = fmt.Sprintf("Оплата работ по задаче #%d", md.TaskID)
	}

	inv := tgbotapi.NewInvoice(md.PayerID, title, desc, md.Ref, b.PaymentToken, "", currency,
		[]tgbotapi.LabeledPrice{{Label: title, Amount: int(amount)}})
	// nil is sent as null and rejected by the API
	inv.SuggestedTipAmounts = []int{}

	sent, err := b.API.Send(inv)
	if err != nil {
		return "", fmt.Errorf("send invoice: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// answerPreCheckout confirms checkouts that carry one of our refs.
func (b *Bot) answerPreCheckout(q *tgbotapi.PreCheckoutQuery) {
	ans := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: q.ID, OK: q.InvoicePayload != ""}
	if !ans.OK {
		ans.ErrorMessage = "Счёт недействителен."
	}
	if _, err := b.API.Request(ans); err != nil {
		b.log().Warn("answer pre-checkout", zap.String("payload", q.InvoicePayload), zap.Error(err))
	}
}
