package handler

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"taskbot/internal/apperr"
	"taskbot/internal/report"
	"taskbot/internal/task"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type Tasks interface {
	Get(ctx context.Context, id int64) (task.Task, error)
	Query(ctx context.Context, f task.Filter) iter.Seq2[task.Task, error]
}

type TaskHandler struct {
	Tasks Tasks
	Users Users
}

type taskView struct {
	ID            int64       `json:"id"`
	AuthorID      int64       `json:"author_id"`
	Description   string      `json:"description"`
	Locality      string      `json:"locality,omitempty"`
	Address       string      `json:"address,omitempty"`
	ScheduledDate string      `json:"scheduled_date,omitempty"`
	Status        task.Status `json:"status"`
	AssigneeID    *int64      `json:"assignee_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func view(t task.Task) taskView {
	v := taskView{
		ID:          t.ID,
		AuthorID:    t.AuthorID,
		Description: t.Description,
		Locality:    t.Locality,
		Address:     t.Address,
		Status:      t.Status,
		AssigneeID:  t.AssigneeID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.ScheduledDate != nil {
		v.ScheduledDate = t.ScheduledDate.Format(task.DateLayout)
	}
	return v
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if f.Limit == 0 {
		f.Limit = defaultLimit
	}

	out := make([]taskView, 0)
	for t, err := range h.Tasks.Query(r.Context(), f) {
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, view(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "count": len(out)})
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	t, err := h.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(t))
}

// Export streams the filtered tasks as an .xlsx workbook. Without a limit
// every matching task is exported.
func (h *TaskHandler) Export(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	names := map[int64]string{}
	label := func(id int64) string {
		if n, ok := names[id]; ok {
			return n
		}
		n := strconv.FormatInt(id, 10)
		if h.Users != nil {
			if u, err := h.Users.Resolve(ctx, id); err == nil {
				n = u.Name()
			}
		}
		names[id] = n
		return n
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="tasks-%s.xlsx"`, time.Now().Format("2006-01-02")))
	if _, err := report.WriteTasksXLSX(w, h.Tasks.Query(ctx, f), label); err != nil {
		// headers may already be out; the client sees a truncated file
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}

func parseFilter(r *http.Request) (task.Filter, error) {
	q := r.URL.Query()
	var f task.Filter

	if v := strings.TrimSpace(q.Get("status")); v != "" {
		for _, part := range strings.Split(v, ",") {
			s, err := task.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				return f, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	for _, p := range []struct {
		key string
		dst **int64
	}{{"assignee", &f.AssigneeID}, {"author", &f.AuthorID}} {
		v := strings.TrimSpace(q.Get(p.key))
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("%w: invalid %s", apperr.ErrValidation, p.key)
		}
		*p.dst = &id
	}
	f.Locality = strings.TrimSpace(q.Get("locality"))
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := strings.TrimSpace(q.Get(p.key))
		if v == "" {
			continue
		}
		d, err := task.ParseDate(v)
		if err != nil {
			return f, fmt.Errorf("%w: invalid %s", apperr.ErrValidation, p.key)
		}
		*p.dst = &d
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxLimit {
			return f, fmt.Errorf("%w: limit must be within 1..%d", apperr.ErrValidation, maxLimit)
		}
		f.Limit = n
	}
	return f, nil
}
