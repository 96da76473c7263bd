package handler

import (
	"context"
	"net/http"

	"taskbot/internal/auth"
	"taskbot/internal/identity"
)

type Users interface {
	Resolve(ctx context.Context, userID int64) (identity.User, error)
}

type MeHandler struct {
	Users Users
}

func (h *MeHandler) Me(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	u, err := h.Users.Resolve(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  u.ID,
		"name":     u.Name(),
		"username": u.Username,
		"role":     u.Role,
		"blocked":  u.Blocked(),
	})
}
