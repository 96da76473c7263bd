// Package engine turns one inbound chat update into replies. It owns routing
// and wires identity, access, conversations, tasks and notifications
// together; transports only convert to and from Update and chat.Message.
package engine

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskbot/internal/access"
	"taskbot/internal/apperr"
	"taskbot/internal/auth"
	"taskbot/internal/chat"
	"taskbot/internal/conversation"
	"taskbot/internal/extract"
	"taskbot/internal/identity"
	"taskbot/internal/logging"
	"taskbot/internal/metrics"
	"taskbot/internal/notify"
	"taskbot/internal/payment"
	"taskbot/internal/task"
)

type FileRef struct {
	ID   string
	Name string
	Size int64
}

// Update is one inbound event. Callback holds the data of a pressed inline
// button; ChargeRef is set when a payment was confirmed.
type Update struct {
	ID          int64
	UserID      int64
	DisplayName string
	Username    string
	Text        string
	Callback    string
	File        *FileRef
	ChargeRef   string
	Time        time.Time
}

type FileFetcher interface {
	Fetch(ctx context.Context, fileID string) (io.ReadCloser, error)
}

type Engine struct {
	Users         *identity.Store
	Gate          *access.Gate
	Conversations *conversation.Machine
	Tasks         *task.Registry
	Notifier      *notify.Notifier
	Payments      *payment.Service
	Extractor     extract.Extractor
	Files         FileFetcher
	Tokens        *auth.JWT
	Log           *zap.Logger
	Metrics       *metrics.Metrics

	// MaxFileSize bounds documents fetched for import. Zero means 10 MiB.
	MaxFileSize int64

	flowsOnce sync.Once
	flows     map[string]*conversation.Flow
}

// call is the per-update context handed to command handlers.
type call struct {
	update Update
	user   identity.User
	role   identity.Role
	cmd    command
}

func (c *call) reply(text string) chat.Message {
	return chat.Message{Recipient: c.update.UserID, Text: text}
}

// HandleUpdate never panics and never returns an error: every failure is
// turned into a message for the sender.
func (e *Engine) HandleUpdate(ctx context.Context, u Update) (out []chat.Message) {
	log := e.log().With(zap.Int64("update_id", u.ID), zap.Int64("user_id", u.UserID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in update handler", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			out = []chat.Message{{Recipient: u.UserID, Text: apperr.GenericMessage}}
		}
	}()

	e.Metrics.Update(updateKind(u))

	msgs, err := e.route(ctx, u)
	if err != nil {
		if isInfra(err) {
			log.Error("update failed", zap.Error(err))
		} else {
			log.Debug("update rejected", zap.Error(err))
		}
		msgs = append(msgs, chat.Message{Recipient: u.UserID, Text: apperr.UserMessage(err)})
	}
	return msgs
}

func (e *Engine) route(ctx context.Context, u Update) ([]chat.Message, error) {
	user, err := e.Users.Register(ctx, u.UserID, u.DisplayName, u.Username)
	if err != nil {
		return nil, err
	}
	c := &call{update: u, user: user}

	if u.ChargeRef != "" {
		return e.settle(ctx, c)
	}

	cmd, ok := parseCommand(u.Callback, u.Text)
	if ok {
		c.cmd = cmd
		return e.dispatch(ctx, c)
	}

	flow, pending, err := e.Conversations.Pending(ctx, u.UserID)
	if err != nil {
		return nil, err
	}
	if pending {
		return e.advance(ctx, c, flow)
	}
	return e.help(ctx, c)
}

func (e *Engine) dispatch(ctx context.Context, c *call) ([]chat.Message, error) {
	h, ok := handlers[c.cmd.name]
	if !ok {
		return e.help(ctx, c)
	}
	if h.action == "" {
		c.role = c.user.Role
		if c.user.Blocked() {
			c.role = identity.RoleUnauthenticated
		}
		return h.run(e, ctx, c)
	}

	d, err := e.Gate.Authorize(ctx, c.update.UserID, h.action)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return []chat.Message{denied(c, d)}, nil
	}
	c.role = d.Role
	return h.run(e, ctx, c)
}

func denied(c *call, d access.Decision) chat.Message {
	msg := c.reply("Доступ запрещён: " + d.Reason + ".")
	if d.Role == identity.RoleUnauthenticated {
		msg.Text += "\nЧтобы получить доступ, отправьте заявку."
		msg.Buttons = chat.Row(chat.Button{Text: "Запросить доступ", Data: "request"})
	}
	return msg
}

func (e *Engine) advance(ctx context.Context, c *call, name string) ([]chat.Message, error) {
	flow := e.flow(name)
	if flow == nil {
		if _, err := e.Conversations.Cancel(ctx, c.update.UserID, name); err != nil {
			return nil, err
		}
		return e.help(ctx, c)
	}

	// Role or block changes take effect mid-dialog.
	d, err := e.Gate.Authorize(ctx, c.update.UserID, flowActions[name])
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		if _, err := e.Conversations.Cancel(ctx, c.update.UserID, name); err != nil {
			return nil, err
		}
		return []chat.Message{denied(c, d)}, nil
	}
	c.role = d.Role

	in := conversation.Input{UpdateID: c.update.ID, Text: strings.TrimSpace(c.update.Text)}
	if c.update.File != nil {
		in.Text = c.update.File.Name
		fields, err := e.extract(ctx, c.update.File)
		if err != nil {
			if !isInfra(err) {
				return []chat.Message{c.reply(apperr.UserMessage(err)), c.reply(e.currentPrompt(ctx, c, flow))}, nil
			}
			return nil, err
		}
		in.Extracted = fields
	}

	out, err := e.Conversations.Advance(ctx, c.update.UserID, flow, in)
	if err != nil {
		return nil, err
	}
	return e.renderOutcome(ctx, c, out)
}

func (e *Engine) currentPrompt(ctx context.Context, c *call, flow *conversation.Flow) string {
	out, err := e.Conversations.Start(ctx, c.update.UserID, flow, false)
	if err != nil {
		return flow.Steps[0].Prompt
	}
	return out.Prompt
}

func (e *Engine) renderOutcome(ctx context.Context, c *call, out conversation.Outcome) ([]chat.Message, error) {
	switch {
	case out.Duplicate:
		return nil, nil
	case out.Expired:
		return []chat.Message{
			c.reply(msgExpired),
			e.promptMessage(c, out.Prompt),
		}, nil
	case out.Rejection != "":
		return []chat.Message{c.reply(out.Rejection), e.promptMessage(c, out.Prompt)}, nil
	case out.Completed:
		return e.completed(ctx, c, out)
	default:
		return []chat.Message{e.promptMessage(c, out.Prompt)}, nil
	}
}

func (e *Engine) promptMessage(c *call, prompt string) chat.Message {
	msg := c.reply(prompt)
	msg.Menu = [][]string{{menuCancel}}
	return msg
}

// completed announces a created task. The fan-out runs here, after the
// conversation lock is released.
func (e *Engine) completed(ctx context.Context, c *call, out conversation.Outcome) ([]chat.Message, error) {
	t, ok := out.Result.(task.Task)
	if !ok {
		return []chat.Message{c.reply("Готово.")}, nil
	}
	reply := c.reply(fmt.Sprintf("Задача #%d создана.\n\n%s", t.ID, notify.Card(t)))
	reply.Menu = menuFor(c.user.Role)

	rep, err := e.Notifier.Notify(ctx, notify.Event{
		TaskID:  t.ID,
		Kind:    notify.KindCreated,
		Rule:    notify.AllWithRole(identity.RoleWorker),
		ActorID: c.update.UserID,
	})
	if err != nil {
		e.log().Warn("notify created", zap.Int64("task_id", t.ID), zap.Error(err))
	} else {
		e.log().Info("task created", zap.Int64("task_id", t.ID), zap.Int("delivered", len(rep.Delivered)), zap.Int("failed", len(rep.Failed)))
	}
	return []chat.Message{reply}, nil
}

func (e *Engine) extract(ctx context.Context, f *FileRef) (map[string]string, error) {
	if e.Files == nil || e.Extractor == nil {
		return nil, fmt.Errorf("%w: documents are not supported", apperr.ErrExtraction)
	}
	limit := e.MaxFileSize
	if limit <= 0 {
		limit = 10 << 20
	}
	if f.Size > limit {
		return nil, fmt.Errorf("%w: file is too large", apperr.ErrExtraction)
	}
	rc, err := e.Files.Fetch(ctx, f.ID)
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("fetch file: %w", err))
	}
	defer rc.Close()
	return e.Extractor.Extract(ctx, f.Name, io.LimitReader(rc, limit))
}

func (e *Engine) log() *zap.Logger { return logging.OrNop(e.Log) }

func updateKind(u Update) string {
	switch {
	case u.ChargeRef != "":
		return "payment"
	case u.Callback != "":
		return "callback"
	case u.File != nil:
		return "document"
	default:
		return "message"
	}
}

func isInfra(err error) bool { return !apperr.Expected(err) }
