package task

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusCreated, StatusScheduled, StatusInProgress, StatusDone, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func (s Status) Terminal() bool { return s == StatusDone || s == StatusCancelled }

func (s Status) Title() string {
	switch s {
	case StatusCreated:
		return "создана"
	case StatusScheduled:
		return "запланирована"
	case StatusInProgress:
		return "в работе"
	case StatusDone:
		return "выполнена"
	case StatusCancelled:
		return "отменена"
	}
	return string(s)
}

// edges is the status graph. in_progress is entered only through Assign.
var edges = map[Status][]Status{
	StatusCreated:    {StatusScheduled, StatusCancelled},
	StatusScheduled:  {StatusCancelled},
	StatusInProgress: {StatusDone, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Task struct {
	ID            int64      `gorm:"primaryKey"`
	AuthorID      int64      `gorm:"index;not null"`
	Description   string     `gorm:"type:text;not null"`
	Locality      string     `gorm:"type:text;index;not null"`
	Address       string     `gorm:"type:text;not null"`
	ScheduledDate *time.Time `gorm:"type:date;index"`
	Status        Status     `gorm:"type:text;index;not null"`
	AssigneeID    *int64     `gorm:"index"`
	CreatedAt     time.Time  `gorm:"index;not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

// Fields is the input of Create.
type Fields struct {
	Description   string
	Locality      string
	Address       string
	ScheduledDate *time.Time
}

type Field string

const (
	FieldDescription   Field = "description"
	FieldLocality      Field = "locality"
	FieldAddress       Field = "address"
	FieldScheduledDate Field = "scheduled_date"
)

const (
	DateLayout     = "2006-01-02"
	ChatDateLayout = "02.01.2006"
	MaxDescription = 1000
	ReminderJob    = "TASK_REMINDER"
)

// ParseDate accepts DD.MM.YYYY (chat input) and YYYY-MM-DD. The result is a
// UTC midnight date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{ChatDateLayout, DateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("дата %q должна быть в формате 01.06.2025", s)
}

// Actor is the caller of Delete.
type Actor struct {
	ID    int64
	Admin bool
}

// Filter is a conjunction; zero values match everything.
type Filter struct {
	Statuses   []Status
	AssigneeID *int64
	AuthorID   *int64
	Locality   string
	From       *time.Time
	To         *time.Time
	Limit      int
}
