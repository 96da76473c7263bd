package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbot/internal/apperr"
	"taskbot/internal/chat"
	"taskbot/internal/engine"
	"taskbot/internal/payment"
)

type fakeAPI struct {
	mu       sync.Mutex
	updates  chan tgbotapi.Update
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  error
	stopped  bool
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.updates }

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(id string) (string, error) { return "", errors.New("no files") }

type echo struct {
	mu  sync.Mutex
	got []engine.Update
}

func (e *echo) HandleUpdate(_ context.Context, u engine.Update) []chat.Message {
	e.mu.Lock()
	e.got = append(e.got, u)
	e.mu.Unlock()
	return []chat.Message{{Recipient: u.UserID, Text: "ok " + u.Text}}
}

func private(id int64) *tgbotapi.Chat { return &tgbotapi.Chat{ID: id, Type: "private"} }

func TestToUpdate(t *testing.T) {
	from := &tgbotapi.User{ID: 42, FirstName: "Иван", LastName: "Петров", UserName: "ivan"}

	u, ok := toUpdate(tgbotapi.Update{UpdateID: 7, Message: &tgbotapi.Message{From: from, Chat: private(42), Text: "/start", Date: 1700000000}})
	require.True(t, ok)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, int64(42), u.UserID)
	assert.Equal(t, "Иван Петров", u.DisplayName)
	assert.Equal(t, "ivan", u.Username)
	assert.Equal(t, "/start", u.Text)
	assert.Equal(t, int64(1700000000), u.Time.Unix())

	u, ok = toUpdate(tgbotapi.Update{UpdateID: 8, Message: &tgbotapi.Message{
		From: from, Chat: private(42), Caption: "заявка",
		Document: &tgbotapi.Document{FileID: "F1", FileName: "task.xlsx", FileSize: 2048},
	}})
	require.True(t, ok)
	require.NotNil(t, u.File)
	assert.Equal(t, engine.FileRef{ID: "F1", Name: "task.xlsx", Size: 2048}, *u.File)
	assert.Equal(t, "заявка", u.Text)

	u, ok = toUpdate(tgbotapi.Update{UpdateID: 9, Message: &tgbotapi.Message{
		From: from, Chat: private(42),
		SuccessfulPayment: &tgbotapi.SuccessfulPayment{InvoicePayload: "ref-1"},
	}})
	require.True(t, ok)
	assert.Equal(t, "ref-1", u.ChargeRef)

	u, ok = toUpdate(tgbotapi.Update{UpdateID: 10, Message: &tgbotapi.Message{
		From: from, Chat: private(42),
		Contact: &tgbotapi.Contact{UserID: 42, PhoneNumber: "+79001234567"},
	}})
	require.True(t, ok)
	assert.Equal(t, "/contact +79001234567", u.Text)

	u, ok = toUpdate(tgbotapi.Update{UpdateID: 11, CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb", From: from, Data: "take:3"}})
	require.True(t, ok)
	assert.Equal(t, "take:3", u.Callback)
	assert.Equal(t, int64(42), u.UserID)

	_, ok = toUpdate(tgbotapi.Update{Message: &tgbotapi.Message{From: from, Chat: &tgbotapi.Chat{ID: -5, Type: "group"}, Text: "hi"}})
	assert.False(t, ok, "group chats are ignored")
	_, ok = toUpdate(tgbotapi.Update{})
	assert.False(t, ok)
}

func TestRenderKeyboards(t *testing.T) {
	inline := render(chat.Message{
		Recipient: 1,
		Text:      "card",
		Buttons:   [][]chat.Button{{{Text: "Взять", Data: "take:1"}}},
		Menu:      [][]string{{"Отмена"}},
	}).(tgbotapi.MessageConfig)
	kb, ok := inline.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok, "inline buttons win")
	require.Len(t, kb.InlineKeyboard, 1)
	assert.Equal(t, "take:1", *kb.InlineKeyboard[0][0].CallbackData)

	menu := render(chat.Message{Recipient: 1, Text: "hi", Menu: [][]string{{"A", "B"}, {"C"}}}).(tgbotapi.MessageConfig)
	reply, ok := menu.ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	require.True(t, ok)
	assert.True(t, reply.ResizeKeyboard)
	require.Len(t, reply.Keyboard, 2)
	assert.Equal(t, "B", reply.Keyboard[0][1].Text)

	plain := render(chat.Message{Recipient: 1, Text: "hi"}).(tgbotapi.MessageConfig)
	assert.Nil(t, plain.ReplyMarkup)

	doc := render(chat.Message{Recipient: 1, Text: "export", Document: &chat.Document{Name: "t.xlsx", Content: []byte("x")}}).(tgbotapi.DocumentConfig)
	assert.Equal(t, "export", doc.Caption)
	assert.Equal(t, tgbotapi.FileBytes{Name: "t.xlsx", Bytes: []byte("x")}, doc.File)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "абв", truncate("абв", 3))
	assert.Equal(t, "а…", truncate("абв", 2))
}

func TestSendMarksFailuresTransient(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("Forbidden: bot was blocked by the user")}
	b := &Bot{API: api}
	err := b.Send(context.Background(), chat.Message{Recipient: 1, Text: "x"})
	assert.ErrorIs(t, err, apperr.ErrTransient)
}

func TestRunKeepsPerUserOrder(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update, 16)}
	h := &echo{}
	b := &Bot{API: api, Handler: h}

	texts := []string{"a", "b", "c", "d"}
	for i, txt := range texts {
		api.updates <- tgbotapi.Update{UpdateID: i + 1, Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: private(1), Text: txt}}
	}
	api.updates <- tgbotapi.Update{UpdateID: 50, CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb", From: &tgbotapi.User{ID: 2}, Data: "take:1"}}
	api.updates <- tgbotapi.Update{UpdateID: 51, PreCheckoutQuery: &tgbotapi.PreCheckoutQuery{ID: "pc", InvoicePayload: "ref"}}
	close(api.updates)

	require.NoError(t, b.Run(context.Background()))

	var order []string
	for _, u := range h.got {
		if u.UserID == 1 {
			order = append(order, u.Text)
		}
	}
	assert.Equal(t, texts, order)
	assert.Len(t, h.got, 5)
	assert.Len(t, api.sent, 5)

	require.Len(t, api.requests, 2)
	assert.Equal(t, tgbotapi.NewCallback("cb", ""), api.requests[0])
	assert.Equal(t, tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: "pc", OK: true}, api.requests[1])
}

func TestRunStopsOnCancel(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update)}
	b := &Bot{API: api, Handler: &echo{}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, api.stopped)
}

func TestCreateChargeSendsInvoice(t *testing.T) {
	api := &fakeAPI{}
	b := &Bot{API: api, PaymentToken: "provider", Currency: "RUB"}

	ref, err := b.CreateCharge(context.Background(), 150050, payment.Metadata{Ref: "r-1", TaskID: 3, PayerID: 42})
	require.NoError(t, err)
	assert.Equal(t, "1", ref)

	require.Len(t, api.sent, 1)
	inv := api.sent[0].(tgbotapi.InvoiceConfig)
	assert.Equal(t, int64(42), inv.ChatID)
	assert.Equal(t, "r-1", inv.Payload)
	assert.Equal(t, "RUB", inv.Currency)
	assert.Equal(t, 150050, inv.Prices[0].Amount)
	assert.NotNil(t, inv.SuggestedTipAmounts)

	_, err = (&Bot{API: api}).CreateCharge(context.Background(), 1, payment.Metadata{})
	assert.ErrorIs(t, err, ErrPaymentsDisabled)
}
