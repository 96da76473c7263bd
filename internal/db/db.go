package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taskbot/internal/conversation"
	"taskbot/internal/identity"
	"taskbot/internal/jobs"
	"taskbot/internal/payment"
	"taskbot/internal/task"
)

// Models lists every table the service owns.
func Models() []any {
	return []any{
		&identity.User{},
		&task.Task{},
		&conversation.State{},
		&payment.Charge{},
		&jobs.Job{},
	}
}

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(Models()...); err != nil {
		return err
	}

	stmts := []string{
		// keyset paging for task queries
		`create index if not exists idx_tasks_created_id on tasks(created_at desc, id desc);`,
		`create index if not exists idx_tasks_open on tasks(status, created_at desc) where assignee_id is null;`,
		`create index if not exists idx_jobs_due on jobs(status, run_at);`,
		`create index if not exists idx_jobs_lock on jobs(status, locked_at);`,
		`create index if not exists idx_jobs_key on jobs(type, dedup_key, status);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}
