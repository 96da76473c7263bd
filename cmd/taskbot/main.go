package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskbot/internal/access"
	"taskbot/internal/auth"
	"taskbot/internal/config"
	"taskbot/internal/conversation"
	"taskbot/internal/db"
	"taskbot/internal/engine"
	"taskbot/internal/extract"
	httpx "taskbot/internal/http"
	"taskbot/internal/identity"
	"taskbot/internal/jobs"
	"taskbot/internal/logging"
	"taskbot/internal/metrics"
	"taskbot/internal/notify"
	"taskbot/internal/payment"
	"taskbot/internal/task"
	"taskbot/internal/telegram"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskbot",
		Short:         "Chat bot for dispatching field tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var skipMigrate bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the reminder worker and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), !skipMigrate)
		},
	}
	serve.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not migrate the schema on start")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and indexes",
		RunE: func(*cobra.Command, []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			gdb, err := db.Connect(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if err := db.AutoMigrateAndIndexes(gdb); err != nil {
				return err
			}
			log.Info("schema is up to date")
			return nil
		},
	}

	cmd.AddCommand(serve, migrate)
	return cmd
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func serve(parent context.Context, migrate bool) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if cfg.TelegramToken == "" {
		return errors.New("TELEGRAM_TOKEN is required")
	}

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if migrate {
		if err := db.AutoMigrateAndIndexes(gdb); err != nil {
			return err
		}
	}

	m := metrics.New()

	users := &identity.Store{DB: gdb, AdminIDs: cfg.AdminIDs}
	if len(cfg.ContactKey) > 0 {
		sb, err := identity.NewSecretBox(cfg.ContactKey)
		if err != nil {
			return err
		}
		users.Sealer = sb
	}

	gate := access.New(users, log.Named("access"))
	gate.Metrics = m

	tasks := &task.Registry{DB: gdb, Location: cfg.Location, ReminderHour: cfg.ReminderHour}

	bot, err := telegram.New(cfg.TelegramToken, log.Named("telegram"))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	bot.PaymentToken = cfg.PaymentProviderToken
	bot.Currency = cfg.PaymentCurrency

	notifier := &notify.Notifier{Tasks: tasks, Users: users, Sender: bot, Log: log.Named("notify"), Metrics: m}

	var payments *payment.Service
	if cfg.PaymentProviderToken != "" {
		payments = &payment.Service{DB: gdb, Provider: bot, Currency: cfg.PaymentCurrency, Log: log.Named("payment"), Metrics: m}
	}

	jwtSvc := auth.NewJWT(cfg.JWTSecret)

	eng := &engine.Engine{
		Users:         users,
		Gate:          gate,
		Conversations: &conversation.Machine{DB: gdb, TTL: cfg.ConversationTTL, Log: log.Named("conversation")},
		Tasks:         tasks,
		Notifier:      notifier,
		Payments:      payments,
		Extractor:     extract.XLSX{},
		Files:         bot,
		Tokens:        jwtSvc,
		Log:           log.Named("engine"),
		Metrics:       m,
	}
	bot.Handler = eng

	host, _ := os.Hostname()
	worker := &jobs.Worker{
		ID:       fmt.Sprintf("%s-%d", host, os.Getpid()),
		Repo:     &jobs.Repo{DB: gdb},
		Handlers: eng.JobHandlers(),
		Log:      log.Named("jobs"),
		Metrics:  m,
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpx.NewRouter(cfg, httpx.Deps{
			JWT:     jwtSvc,
			Gate:    gate,
			Users:   users,
			Tasks:   tasks,
			Settler: eng,
			Metrics: m,
			Log:     log.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(ctx)
		return nil
	})
	g.Go(func() error { return bot.Run(ctx) })
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("stopped")
	return err
}
