package jobs

import "time"

const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

type Job struct {
	ID uint64 `gorm:"primaryKey"`

	Type     string `gorm:"type:text;not null"` // TASK_REMINDER
	DedupKey string `gorm:"type:text;index;not null"`
	Payload  []byte `gorm:"type:jsonb;not null"`

	RunAt  time.Time `gorm:"index;not null"`
	Status string    `gorm:"type:text;index;not null"` // PENDING/RUNNING/DONE/FAILED

	Attempts    int `gorm:"not null"`
	MaxAttempts int `gorm:"not null"`

	LockedBy *string `gorm:"type:text"`
	LockedAt *time.Time

	LastError *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

const defaultMaxAttempts = 8
