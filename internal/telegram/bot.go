// Package telegram connects the engine to the Telegram Bot API.
package telegram

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"taskbot/internal/chat"
	"taskbot/internal/engine"
	"taskbot/internal/logging"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Handler interface {
	HandleUpdate(ctx context.Context, u engine.Update) []chat.Message
}

type Bot struct {
	API     API
	Handler Handler
	Log     *zap.Logger
	HTTP    *http.Client

	// PaymentToken is the provider token for invoices. Empty disables
	// payments.
	PaymentToken string
	Currency     string

	lanes lanes
}

func New(token string, log *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	logging.OrNop(log).Info("telegram authorized", zap.String("bot", api.Self.UserName))
	return &Bot{API: api, Log: log}, nil
}

// Run long-polls for updates until ctx is cancelled. Updates from one user
// are handled in arrival order; different users run concurrently.
func (b *Bot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	updates := b.API.GetUpdatesChan(cfg)

	defer b.lanes.wait()
	for {
		select {
		case <-ctx.Done():
			b.API.StopReceivingUpdates()
			return nil
		case raw, ok := <-updates:
			if !ok {
				return nil
			}
			b.dispatch(ctx, raw)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, raw tgbotapi.Update) {
	if q := raw.PreCheckoutQuery; q != nil {
		b.answerPreCheckout(q)
		return
	}
	if q := raw.CallbackQuery; q != nil {
		if _, err := b.API.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
			b.log().Debug("answer callback", zap.Error(err))
		}
	}
	u, ok := toUpdate(raw)
	if !ok {
		return
	}
	b.lanes.push(u.UserID, func() { b.handle(ctx, u) })
}

func (b *Bot) handle(ctx context.Context, u engine.Update) {
	for _, msg := range b.Handler.HandleUpdate(ctx, u) {
		if err := b.Send(ctx, msg); err != nil {
			b.log().Warn("reply failed", zap.Int64("user_id", msg.Recipient), zap.Error(err))
		}
	}
}

// toUpdate converts a raw update. Only private chats are served.
func toUpdate(raw tgbotapi.Update) (engine.Update, bool) {
	switch {
	case raw.Message != nil:
		m := raw.Message
		if m.From == nil || m.Chat == nil || !m.Chat.IsPrivate() {
			return engine.Update{}, false
		}
		u := engine.Update{
			ID:          int64(raw.UpdateID),
			UserID:      m.From.ID,
			DisplayName: displayName(m.From),
			Username:    m.From.UserName,
			Text:        m.Text,
			Time:        m.Time(),
		}
		if m.Document != nil {
			u.File = &engine.FileRef{ID: m.Document.FileID, Name: m.Document.FileName, Size: int64(m.Document.FileSize)}
			if u.Text == "" {
				u.Text = m.Caption
			}
		}
		if p := m.SuccessfulPayment; p != nil {
			u.ChargeRef = p.InvoicePayload
		}
		if m.Contact != nil && m.Contact.UserID == m.From.ID {
			u.Text = "/contact " + m.Contact.PhoneNumber
		}
		return u, true

	case raw.CallbackQuery != nil:
		q := raw.CallbackQuery
		if q.From == nil {
			return engine.Update{}, false
		}
		return engine.Update{
			ID:          int64(raw.UpdateID),
			UserID:      q.From.ID,
			DisplayName: displayName(q.From),
			Username:    q.From.UserName,
			Callback:    q.Data,
			Time:        time.Now(),
		}, true
	}
	return engine.Update{}, false
}

func displayName(u *tgbotapi.User) string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (b *Bot) log() *zap.Logger { return logging.OrNop(b.Log) }

// lanes runs queued work one item at a time per key.
type lanes struct {
	mu    sync.Mutex
	queue map[int64][]func()
	wg    sync.WaitGroup
}

func (l *lanes) push(key int64, fn func()) {
	l.mu.Lock()
	if l.queue == nil {
		l.queue = make(map[int64][]func())
	}
	q, running := l.queue[key]
	l.queue[key] = append(q, fn)
	l.mu.Unlock()
	if running {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			l.mu.Lock()
			q := l.queue[key]
			if len(q) == 0 {
				delete(l.queue, key)
				l.mu.Unlock()
				return
			}
			next := q[0]
			l.queue[key] = q[1:]
			l.mu.Unlock()
			next()
		}
	}()
}

func (l *lanes) wait() { l.wg.Wait() }
