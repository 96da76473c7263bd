// Package payment records charges for tasks and settles them once.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"taskbot/internal/apperr"
	"taskbot/internal/logging"
	"taskbot/internal/metrics"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
)

type Charge struct {
	Ref         string `gorm:"primaryKey;type:text"`
	TaskID      int64  `gorm:"index;not null"`
	PayerID     int64  `gorm:"index;not null"`
	Amount      int64  `gorm:"not null"` // minor units
	Currency    string `gorm:"type:text;not null"`
	Status      Status `gorm:"type:text;index;not null"`
	ProviderRef string `gorm:"type:text;not null"`
	SettledAt   *time.Time
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// Metadata travels with the charge to the provider. Ref comes back on
// settlement.
type Metadata struct {
	Ref         string
	TaskID      int64
	PayerID     int64
	Currency    string
	Title       string
	Description string
}

type Provider interface {
	CreateCharge(ctx context.Context, amount int64, md Metadata) (string, error)
}

type Service struct {
	DB       *gorm.DB
	Provider Provider
	Currency string
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

// Request stores a pending charge and asks the provider to collect it.
func (s *Service) Request(ctx context.Context, payerID, taskID, amount int64) (Charge, error) {
	if amount <= 0 {
		return Charge{}, fmt.Errorf("%w: сумма должна быть больше нуля", apperr.ErrValidation)
	}
	if s.Provider == nil {
		return Charge{}, fmt.Errorf("%w: оплата не настроена", apperr.ErrValidation)
	}
	c := Charge{
		Ref:      uuid.NewString(),
		TaskID:   taskID,
		PayerID:  payerID,
		Amount:   amount,
		Currency: s.currency(),
		Status:   StatusPending,
	}
	if err := s.DB.WithContext(ctx).Create(&c).Error; err != nil {
		return Charge{}, apperr.Transient(err)
	}

	extRef, err := s.Provider.CreateCharge(ctx, amount, Metadata{
		Ref:         c.Ref,
		TaskID:      taskID,
		PayerID:     payerID,
		Currency:    c.Currency,
		Title:       fmt.Sprintf("Оплата задачи #%d", taskID),
		Description: fmt.Sprintf("Оплата работ по задаче #%d", taskID),
	})
	if err != nil {
		return Charge{}, apperr.Transient(fmt.Errorf("create charge: %w", err))
	}
	if extRef != "" {
		if err := s.DB.WithContext(ctx).Model(&Charge{}).Where("ref = ?", c.Ref).Update("provider_ref", extRef).Error; err != nil {
			logging.OrNop(s.Log).Warn("store provider ref", zap.String("charge_ref", c.Ref), zap.Error(err))
		}
		c.ProviderRef = extRef
	}
	return c, nil
}

// OnChargeSettled marks ref settled. The bool reports whether this call did
// it; repeated callbacks return false with no error.
func (s *Service) OnChargeSettled(ctx context.Context, ref string) (Charge, bool, error) {
	ref = strings.TrimSpace(ref)
	now := time.Now()
	res := s.DB.WithContext(ctx).Model(&Charge{}).
		Where("ref = ? AND status = ?", ref, StatusPending).
		Updates(map[string]any{"status": StatusSettled, "settled_at": now})
	if res.Error != nil {
		return Charge{}, false, apperr.Transient(res.Error)
	}

	var c Charge
	if err := s.DB.WithContext(ctx).Where("ref = ?", ref).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Charge{}, false, fmt.Errorf("%w: charge %s", apperr.ErrNotFound, ref)
		}
		return Charge{}, false, apperr.Transient(err)
	}
	settled := res.RowsAffected == 1
	if settled {
		s.Metrics.Settled()
		logging.OrNop(s.Log).Info("charge settled", zap.String("charge_ref", ref), zap.Int64("task_id", c.TaskID))
	}
	return c, settled, nil
}

func (s *Service) currency() string {
	if s.Currency == "" {
		return "RUB"
	}
	return s.Currency
}
