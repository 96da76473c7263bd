package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"taskbot/internal/apperr"
	"taskbot/internal/chat"
)

const (
	maxText    = 4096
	maxCaption = 1024
)

// Send delivers one message. Inline buttons win over the reply menu when a
// message carries both.
func (b *Bot) Send(ctx context.Context, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.API.Send(render(msg)); err != nil {
		return apperr.Transient(fmt.Errorf("telegram send to %d: %w", msg.Recipient, err))
	}
	return nil
}

func render(msg chat.Message) tgbotapi.Chattable {
	kb := keyboard(msg)
	if d := msg.Document; d != nil {
		doc := tgbotapi.NewDocument(msg.Recipient, tgbotapi.FileBytes{Name: d.Name, Bytes: d.Content})
		doc.Caption = truncate(msg.Text, maxCaption)
		if kb != nil {
			doc.ReplyMarkup = kb
		}
		return doc
	}
	out := tgbotapi.NewMessage(msg.Recipient, truncate(msg.Text, maxText))
	if kb != nil {
		out.ReplyMarkup = kb
	}
	return out
}

func keyboard(msg chat.Message) any {
	if len(msg.Buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(msg.Buttons))
		for _, r := range msg.Buttons {
			row := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
			for _, btn := range r {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
			}
			rows = append(rows, row)
		}
		return tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if len(msg.Menu) > 0 {
		rows := make([][]tgbotapi.KeyboardButton, 0, len(msg.Menu))
		for _, r := range msg.Menu {
			row := make([]tgbotapi.KeyboardButton, 0, len(r))
			for _, text := range r {
				row = append(row, tgbotapi.NewKeyboardButton(text))
			}
			rows = append(rows, row)
		}
		kb := tgbotapi.NewReplyKeyboard(rows...)
		kb.ResizeKeyboard = true
		return kb
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// Fetch downloads an uploaded file by its Telegram file id.
func (b *Bot) Fetch(ctx context.Context, fileID string) (io.ReadCloser, error) {
	url, err := b.API.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file %s: %w", fileID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := b.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download file %s: status %d", fileID, resp.StatusCode)
	}
	return resp.Body, nil
}
