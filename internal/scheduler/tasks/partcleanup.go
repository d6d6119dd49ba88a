package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/teledm/teledm/internal/scheduler"
	"github.com/teledm/teledm/internal/store"
)

const PartCleanupTaskID = "part-cleanup"

// RegisterPartCleanupTask registers the partial file cleanup task. It removes
// .part files in the download directory whose download is no longer pending,
// paused, failed, or in flight. Runs daily at 3 AM.
func RegisterPartCleanupTask(sched *scheduler.Scheduler, st *store.Store, downloadPath string) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:         PartCleanupTaskID,
		Name:       "Partial File Cleanup",
		Cron:       "0 3 * * *",
		RunOnStart: false,
		Func: func(ctx context.Context) error {
			return cleanupPartFiles(ctx, st, downloadPath)
		},
	})
}

func cleanupPartFiles(ctx context.Context, st *store.Store, downloadPath string) error {
	records, err := st.ListByStatus(ctx,
		store.StatusPending, store.StatusDownloading, store.StatusPaused, store.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to list resumable downloads: %w", err)
	}

	keep := make(map[string]struct{}, len(records))
	for _, rec := range records {
		keep[rec.DownloadPath+".part"] = struct{}{}
	}

	entries, err := os.ReadDir(downloadPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read download directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		full := filepath.Join(downloadPath, entry.Name())
		if _, ok := keep[full]; ok {
			continue
		}
		if err := os.Remove(full); err != nil {
			return fmt.Errorf("failed to remove %s: %w", full, err)
		}
	}
	return nil
}
