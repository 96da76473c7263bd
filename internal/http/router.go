package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"taskbot/internal/access"
	"taskbot/internal/auth"
	"taskbot/internal/config"
	"taskbot/internal/http/handler"
	mw "taskbot/internal/http/middleware"
	"taskbot/internal/metrics"
)

type Deps struct {
	JWT     *auth.JWT
	Gate    mw.Authorizer
	Users   handler.Users
	Tasks   handler.Tasks
	Settler handler.Settler
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

func NewRouter(cfg config.Config, d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	ph := &handler.PaymentHandler{Settler: d.Settler, Secret: cfg.WebhookSecret, Log: d.Log}
	r.Post("/payments/{ref}/settled", ph.Settled)

	me := &handler.MeHandler{Users: d.Users}
	th := &handler.TaskHandler{Tasks: d.Tasks, Users: d.Users}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Get("/me", me.Me)

		r.With(mw.Allow(d.Gate, access.ViewTasks)).Get("/tasks", th.List)
		r.With(mw.Allow(d.Gate, access.ViewTasks)).Get("/tasks/{id}", th.Get)
		r.With(mw.Allow(d.Gate, access.ExportTasks)).Get("/tasks/export", th.Export)
	})

	return r
}
