package identity

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUnauthenticated Role = "unauthenticated"
	RolePending         Role = "pending"
	RoleWorker          Role = "worker"
	RoleManager         Role = "manager"
	RoleAdmin           Role = "admin"
)

var roles = []Role{RoleUnauthenticated, RolePending, RoleWorker, RoleManager, RoleAdmin}

func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, r := range roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("неизвестная роль %q", s)
}

// Title is the Russian label shown in chat.
func (r Role) Title() string {
	switch r {
	case RolePending:
		return "на рассмотрении"
	case RoleWorker:
		return "исполнитель"
	case RoleManager:
		return "менеджер"
	case RoleAdmin:
		return "администратор"
	default:
		return "без доступа"
	}
}

type Status string

const (
	StatusActive  Status = "active"
	StatusBlocked Status = "blocked"
)

// User is keyed by the external chat user id. Rows are never deleted so task
// author/assignee references stay valid.
type User struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	DisplayName string `gorm:"type:text;not null"`
	Username    string `gorm:"type:text;not null"`
	Role        Role   `gorm:"type:text;index;not null"`
	Status      Status `gorm:"type:text;not null"`

	// ContactSealed holds the phone, sealed when a key is configured.
	ContactSealed []byte `gorm:"column:contact"`
	Contact       string `gorm:"-"`

	AdminComment string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"index;not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (u User) Blocked() bool { return u.Status == StatusBlocked }

// Name is the best human label for the user.
func (u User) Name() string {
	switch {
	case strings.TrimSpace(u.DisplayName) != "":
		return u.DisplayName
	case u.Username != "":
		return "@" + u.Username
	default:
		return fmt.Sprintf("id%d", u.ID)
	}
}
