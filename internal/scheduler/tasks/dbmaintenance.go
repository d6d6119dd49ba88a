package tasks

import (
	"context"
	"fmt"

	"github.com/teledm/teledm/internal/database"
	"github.com/teledm/teledm/internal/downloader"
	"github.com/teledm/teledm/internal/scheduler"
	"github.com/teledm/teledm/internal/store"
)

const DBMaintenanceTaskID = "db-maintenance"

// RegisterDBMaintenanceTask registers the database maintenance task. It
// truncates the SQLite WAL and closes session rows left open by crashed
// processes. Runs hourly.
func RegisterDBMaintenanceTask(sched *scheduler.Scheduler, db *database.DB, st *store.Store, engine *downloader.Engine) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:         DBMaintenanceTaskID,
		Name:       "Database Maintenance",
		Cron:       "0 * * * *",
		RunOnStart: false,
		Func: func(ctx context.Context) error {
			if _, err := st.CloseStaleSessions(ctx, engine.SessionID()); err != nil {
				return fmt.Errorf("failed to close stale sessions: %w", err)
			}
			if err := db.Checkpoint(ctx); err != nil {
				return fmt.Errorf("failed to checkpoint database: %w", err)
			}
			return nil
		},
	})
}
