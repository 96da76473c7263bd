package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taskbot/internal/apperr"
	"taskbot/internal/retry"
)

// Store is the single writer of user rows.
type Store struct {
	DB       *gorm.DB
	Sealer   Sealer
	AdminIDs []int64
	Retry    retry.Policy
}

func (s *Store) sealer() Sealer {
	if s.Sealer == nil {
		return plainSealer{}
	}
	return s.Sealer
}

func (s *Store) policy() retry.Policy {
	if s.Retry.Attempts == 0 {
		return retry.Default
	}
	return s.Retry
}

func (s *Store) Resolve(ctx context.Context, userID int64) (User, error) {
	return retry.Do(ctx, s.policy(), func(ctx context.Context) (User, error) {
		var u User
		if err := s.DB.WithContext(ctx).Where("id = ?", userID).First(&u).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return User{}, fmt.Errorf("%w: user %d", apperr.ErrNotFound, userID)
			}
			return User{}, err
		}
		return s.open(u)
	})
}

// Register creates the user on first contact. An existing row is returned
// unchanged.
func (s *Store) Register(ctx context.Context, userID int64, displayName, username string) (User, error) {
	role := RoleUnauthenticated
	if s.isBootstrapAdmin(userID) {
		role = RoleAdmin
	}
	u := User{
		ID:          userID,
		DisplayName: strings.TrimSpace(displayName),
		Username:    strings.TrimSpace(username),
		Role:        role,
		Status:      StatusActive,
	}

	var out User
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&u).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", userID).First(&out).Error
	})
	if err != nil {
		return User{}, apperr.Transient(err)
	}
	return s.open(out)
}

// SetRole changes target's role on behalf of actor. It does not notify the
// target; callers do.
func (s *Store) SetRole(ctx context.Context, actorID, targetID int64, newRole Role) error {
	return s.moderate(ctx, actorID, targetID, newRole, func(tx *gorm.DB, target *User) error {
		return tx.Model(&User{}).Where("id = ?", target.ID).Update("role", newRole).Error
	})
}

// Reject declines an access request and stores the reason.
func (s *Store) Reject(ctx context.Context, actorID, targetID int64, comment string) error {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		comment = "Отклонено администратором"
	}
	return s.moderate(ctx, actorID, targetID, RoleUnauthenticated, func(tx *gorm.DB, target *User) error {
		return tx.Model(&User{}).Where("id = ?", target.ID).Updates(map[string]any{
			"role":          RoleUnauthenticated,
			"admin_comment": comment,
		}).Error
	})
}

func (s *Store) moderate(ctx context.Context, actorID, targetID int64, newRole Role, apply func(*gorm.DB, *User) error) error {
	if _, err := ParseRole(string(newRole)); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var actor User
		if err := tx.Where("id = ?", actorID).First(&actor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: unknown actor", apperr.ErrForbidden)
			}
			return err
		}
		if actor.Blocked() || (actor.Role != RoleAdmin && actor.Role != RoleManager) {
			return fmt.Errorf("%w: role %s may not manage users", apperr.ErrForbidden, actor.Role)
		}

		var target User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", targetID).First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: user %d", apperr.ErrNotFound, targetID)
			}
			return err
		}

		if err := canModerate(actor, target, newRole); err != nil {
			return err
		}
		return apply(tx, &target)
	})
	return classify(err)
}

// canModerate assumes actor is an active admin or manager. A manager may
// grant worker to non-staff users and decline requests that are still
// pending, nothing else.
func canModerate(actor, target User, newRole Role) error {
	if actor.Role == RoleAdmin {
		return nil
	}
	if target.Role == RoleManager || target.Role == RoleAdmin {
		return fmt.Errorf("%w: manager may not change staff roles", apperr.ErrForbidden)
	}
	switch {
	case newRole == RoleWorker:
		return nil
	case newRole == RoleUnauthenticated && (target.Role == RolePending || target.Role == RoleUnauthenticated):
		return nil
	default:
		return fmt.Errorf("%w: manager may only grant %s", apperr.ErrForbidden, RoleWorker)
	}
}

// RequestAccess moves an unauthenticated user to pending. Users that already
// have a role are returned as is.
func (s *Store) RequestAccess(ctx context.Context, userID int64) (User, error) {
	res := s.DB.WithContext(ctx).Model(&User{}).
		Where("id = ? AND role = ?", userID, RoleUnauthenticated).
		Updates(map[string]any{"role": RolePending, "admin_comment": ""})
	if res.Error != nil {
		return User{}, apperr.Transient(res.Error)
	}
	return s.Resolve(ctx, userID)
}

func (s *Store) SetContact(ctx context.Context, userID int64, phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return fmt.Errorf("%w: телефон не указан", apperr.ErrValidation)
	}
	sealed, err := s.sealer().Seal([]byte(phone))
	if err != nil {
		return err
	}
	res := s.DB.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("contact", sealed)
	if res.Error != nil {
		return apperr.Transient(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: user %d", apperr.ErrNotFound, userID)
	}
	return nil
}

// SetBlocked is an admin-only soft status switch.
func (s *Store) SetBlocked(ctx context.Context, actorID, targetID int64, blocked bool) error {
	actor, err := s.Resolve(ctx, actorID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("%w: unknown actor", apperr.ErrForbidden)
		}
		return err
	}
	if actor.Role != RoleAdmin || actor.Blocked() {
		return fmt.Errorf("%w: only admins may block users", apperr.ErrForbidden)
	}
	status := StatusActive
	if blocked {
		status = StatusBlocked
	}
	res := s.DB.WithContext(ctx).Model(&User{}).Where("id = ?", targetID).Update("status", status)
	if res.Error != nil {
		return apperr.Transient(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: user %d", apperr.ErrNotFound, targetID)
	}
	return nil
}

// ListByRole returns active users with role in registration order.
func (s *Store) ListByRole(ctx context.Context, role Role) ([]User, error) {
	return retry.Do(ctx, s.policy(), func(ctx context.Context) ([]User, error) {
		var rows []User
		if err := s.DB.WithContext(ctx).
			Where("role = ? AND status = ?", role, StatusActive).
			Order("created_at asc, id asc").
			Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			u, err := s.open(rows[i])
			if err != nil {
				return nil, err
			}
			rows[i] = u
		}
		return rows, nil
	})
}

func (s *Store) open(u User) (User, error) {
	if len(u.ContactSealed) == 0 {
		return u, nil
	}
	plain, err := s.sealer().Open(u.ContactSealed)
	if err != nil {
		return User{}, fmt.Errorf("open contact of user %d: %w", u.ID, err)
	}
	u.Contact = string(plain)
	return u, nil
}

func (s *Store) isBootstrapAdmin(id int64) bool {
	for _, a := range s.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrForbidden),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrValidation):
		return err
	default:
		return apperr.Transient(err)
	}
}
