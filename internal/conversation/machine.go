// Package conversation drives multi-step dialogs. State is persisted per
// (user, flow) so a dialog survives restarts; idle states expire lazily.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taskbot/internal/apperr"
	"taskbot/internal/logging"
)

const DefaultTTL = 24 * time.Hour

type Machine struct {
	DB  *gorm.DB
	TTL time.Duration
	Now func() time.Time
	Log *zap.Logger

	locks keyedMutex

	// finished remembers the update that completed a user's last flow, so a
	// redelivery arriving after the state is gone is still dropped.
	mu       sync.Mutex
	finished map[int64]int64
}

// Start opens flow for userID. A live state is resumed unless supersede is
// set, in which case it restarts at the first step.
func (m *Machine) Start(ctx context.Context, userID int64, flow *Flow, supersede bool) (Outcome, error) {
	if err := checkFlow(flow); err != nil {
		return Outcome{}, err
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	st, found, err := m.load(ctx, userID, flow.Name)
	if err != nil {
		return Outcome{}, err
	}
	expired := found && m.expired(st)

	if found && !expired && !supersede && st.Step < len(flow.Steps) {
		st.TouchedAt = m.now()
		if err := m.save(ctx, &st); err != nil {
			return Outcome{}, err
		}
		return Outcome{Flow: flow.Name, Step: st.Step, Prompt: flow.Steps[st.Step].Prompt, Resumed: true}, nil
	}

	fresh := m.fresh(userID, flow.Name)
	if found {
		fresh.LastUpdateID = st.LastUpdateID
	}
	if err := m.save(ctx, &fresh); err != nil {
		return Outcome{}, err
	}
	m.log().Debug("flow started", zap.Int64("user_id", userID), zap.String("flow", flow.Name), zap.Bool("superseded", found && !expired))
	return Outcome{Flow: flow.Name, Prompt: flow.Steps[0].Prompt, Expired: expired}, nil
}

// Advance feeds one input into flow. Rejected input leaves the step
// unchanged and repeats its prompt. On the last step Complete runs; if it
// fails the state stays on that step and the error is returned.
func (m *Machine) Advance(ctx context.Context, userID int64, flow *Flow, in Input) (Outcome, error) {
	if err := checkFlow(flow); err != nil {
		return Outcome{}, err
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	st, found, err := m.load(ctx, userID, flow.Name)
	if err != nil {
		return Outcome{}, err
	}

	if found && m.expired(st) {
		fresh := m.fresh(userID, flow.Name)
		fresh.LastUpdateID = max(st.LastUpdateID, in.UpdateID)
		if err := m.save(ctx, &fresh); err != nil {
			return Outcome{}, err
		}
		m.log().Info("flow expired", zap.Int64("user_id", userID), zap.String("flow", flow.Name), zap.Int("step", st.Step))
		return Outcome{Flow: flow.Name, Prompt: flow.Steps[0].Prompt, Expired: true}, nil
	}
	if !found {
		st = m.fresh(userID, flow.Name)
	}
	if st.Step >= len(flow.Steps) {
		st.Step = len(flow.Steps) - 1
	}

	if in.UpdateID != 0 && !found && in.UpdateID <= m.finishedAt(userID) {
		return Outcome{Flow: flow.Name, Duplicate: true}, nil
	}
	if found && in.UpdateID != 0 && in.UpdateID <= st.LastUpdateID {
		return Outcome{Flow: flow.Name, Step: st.Step, Prompt: flow.Steps[st.Step].Prompt, Duplicate: true}, nil
	}
	if in.UpdateID != 0 {
		st.LastUpdateID = in.UpdateID
	}
	st.TouchedAt = m.now()

	step := flow.Steps[st.Step]
	value, err := step.Validate(in)
	if err != nil {
		msg, ok := rejection(err)
		if !ok {
			return Outcome{}, err
		}
		if err := m.save(ctx, &st); err != nil {
			return Outcome{}, err
		}
		return Outcome{Flow: flow.Name, Step: st.Step, Prompt: step.Prompt, Rejection: msg}, nil
	}

	st.Fields[step.Field] = value
	for k, v := range in.Extracted {
		st.Fields[k] = v
	}

	if st.Step+1 < len(flow.Steps) {
		st.Step++
		if err := m.save(ctx, &st); err != nil {
			return Outcome{}, err
		}
		return Outcome{Flow: flow.Name, Step: st.Step, Prompt: flow.Steps[st.Step].Prompt}, nil
	}

	result, err := flow.Complete(ctx, userID, st.Fields)
	if err != nil {
		if serr := m.save(ctx, &st); serr != nil {
			m.log().Error("keep state after failed completion", zap.Int64("user_id", userID), zap.String("flow", flow.Name), zap.Error(serr))
		}
		return Outcome{}, err
	}
	m.finish(userID, st.LastUpdateID)
	if err := m.delete(ctx, userID, flow.Name); err != nil {
		m.log().Error("drop completed state", zap.Int64("user_id", userID), zap.String("flow", flow.Name), zap.Error(err))
	}
	return Outcome{Flow: flow.Name, Step: st.Step, Completed: true, Result: result}, nil
}

// Cancel drops the user's state for flow and reports whether one existed.
func (m *Machine) Cancel(ctx context.Context, userID int64, flow string) (bool, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	res := m.DB.WithContext(ctx).Where("user_id = ? AND flow = ?", userID, flow).Delete(&State{})
	if res.Error != nil {
		return false, apperr.Transient(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Pending returns the most recently touched flow of userID. An expired state
// is reported too, so the next Advance can restart it and say so.
func (m *Machine) Pending(ctx context.Context, userID int64) (string, bool, error) {
	st, found, err := m.latest(ctx, userID)
	if err != nil || !found {
		return "", false, err
	}
	return st.Flow, true, nil
}

func (m *Machine) latest(ctx context.Context, userID int64) (State, bool, error) {
	var rows []State
	if err := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("touched_at desc").
		Limit(1).
		Find(&rows).Error; err != nil {
		return State{}, false, apperr.Transient(err)
	}
	if len(rows) == 0 {
		return State{}, false, nil
	}
	return rows[0], true, nil
}

func (m *Machine) load(ctx context.Context, userID int64, flow string) (State, bool, error) {
	var st State
	err := m.DB.WithContext(ctx).Where("user_id = ? AND flow = ?", userID, flow).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, apperr.Transient(err)
	}
	if st.Fields == nil {
		st.Fields = Fields{}
	}
	return st, true, nil
}

func (m *Machine) save(ctx context.Context, st *State) error {
	err := m.DB.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(st).Error
	return apperr.Transient(err)
}

func (m *Machine) delete(ctx context.Context, userID int64, flow string) error {
	err := m.DB.WithContext(ctx).Where("user_id = ? AND flow = ?", userID, flow).Delete(&State{}).Error
	return apperr.Transient(err)
}

func (m *Machine) finish(userID, updateID int64) {
	if updateID == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished == nil {
		m.finished = make(map[int64]int64)
	}
	m.finished[userID] = max(m.finished[userID], updateID)
}

func (m *Machine) finishedAt(userID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished[userID]
}

func (m *Machine) fresh(userID int64, flow string) State {
	return State{UserID: userID, Flow: flow, Fields: Fields{}, TouchedAt: m.now()}
}

func (m *Machine) expired(st State) bool {
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return m.now().Sub(st.TouchedAt) > ttl
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) log() *zap.Logger { return logging.OrNop(m.Log) }

func checkFlow(f *Flow) error {
	if f == nil || len(f.Steps) == 0 || f.Complete == nil {
		return fmt.Errorf("conversation: flow is not runnable")
	}
	for i, s := range f.Steps {
		if s.Validate == nil {
			return fmt.Errorf("conversation: flow %s step %d has no validator", f.Name, i)
		}
	}
	return nil
}
