// Package apperr holds the error taxonomy shared by every component.
// Components wrap one of the sentinels so callers can branch with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTransient         = errors.New("transient failure")
	ErrExtraction        = errors.New("extraction failed")
)

// Transient marks an infrastructure failure. The result matches both
// ErrTransient and err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Expected reports whether err is a domain outcome the user can act on, as
// opposed to an infrastructure failure.
func Expected(err error) bool {
	for _, s := range []error{ErrValidation, ErrForbidden, ErrNotFound, ErrConflict, ErrInvalidTransition, ErrExtraction} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

const GenericMessage = "Что-то пошло не так, попробуйте ещё раз."

// UserMessage renders err for the chat user. Anything outside the taxonomy
// becomes the generic retry message.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "Некорректные данные: " + detail(err, ErrValidation)
	case errors.Is(err, ErrForbidden):
		return "Недостаточно прав для этого действия."
	case errors.Is(err, ErrNotFound):
		return "Не найдено."
	case errors.Is(err, ErrConflict):
		return "Задачу уже изменил другой пользователь, обновите список и повторите."
	case errors.Is(err, ErrInvalidTransition):
		return "Это действие недоступно для задачи в текущем статусе."
	case errors.Is(err, ErrExtraction):
		return "Не удалось прочитать документ. Пришлите исправленный файл .xlsx."
	default:
		return GenericMessage
	}
}

// detail strips the "<sentinel>: " prefix added by fmt.Errorf wrapping.
func detail(err, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
