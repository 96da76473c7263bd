package conversation

import (
	"context"
	"errors"
	"time"

	"taskbot/internal/apperr"
)

// Fields holds the values collected so far, keyed by Step.Field.
type Fields map[string]string

// State is one in-progress dialog. A user has at most one per flow.
type State struct {
	UserID       int64     `gorm:"primaryKey;autoIncrement:false"`
	Flow         string    `gorm:"primaryKey;type:text"`
	Step         int       `gorm:"not null"`
	Fields       Fields    `gorm:"type:jsonb;serializer:json"`
	LastUpdateID int64     `gorm:"not null"`
	TouchedAt    time.Time `gorm:"index;not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (State) TableName() string { return "conversation_states" }

type Input struct {
	UpdateID  int64
	Text      string
	Extracted map[string]string
}

// Step asks for one field. Validate returns the value to store or a Reject
// error; Extracted values of an accepted input are merged into the fields.
type Step struct {
	Field    string
	Prompt   string
	Validate func(Input) (string, error)
}

type Flow struct {
	Name     string
	Steps    []Step
	Complete func(ctx context.Context, userID int64, f Fields) (any, error)
}

type Outcome struct {
	Flow      string
	Step      int
	Prompt    string
	Rejection string
	Resumed   bool
	Expired   bool
	Duplicate bool
	Completed bool
	Result    any
}

// RejectError is a validation failure the user can fix by resending.
type RejectError struct{ Msg string }

func (e *RejectError) Error() string { return e.Msg }

func (e *RejectError) Is(target error) bool { return target == apperr.ErrValidation }

func Reject(msg string) error { return &RejectError{Msg: msg} }

func rejection(err error) (string, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Msg, true
	}
	if errors.Is(err, apperr.ErrValidation) || errors.Is(err, apperr.ErrExtraction) {
		return apperr.UserMessage(err), true
	}
	return "", false
}
