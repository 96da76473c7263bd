package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"taskbot/internal/logging"
	"taskbot/internal/payment"
)

type Settler interface {
	SettleCharge(ctx context.Context, ref string, actorID int64) (payment.Charge, bool, error)
}

// PaymentHandler receives settlement callbacks from the payment provider.
type PaymentHandler struct {
	Settler Settler
	Secret  string
	Log     *zap.Logger
}

func (h *PaymentHandler) Settled(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get("X-Webhook-Secret")
	if h.Secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ref := strings.TrimSpace(chi.URLParam(r, "ref"))
	if ref == "" {
		http.Error(w, "invalid ref", http.StatusBadRequest)
		return
	}

	ch, settled, err := h.Settler.SettleCharge(r.Context(), ref, 0)
	if err != nil {
		logging.OrNop(h.Log).Warn("settle charge", zap.String("ref", ref), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ref":     ch.Ref,
		"task_id": ch.TaskID,
		"status":  ch.Status,
		"settled": settled,
	})
}
