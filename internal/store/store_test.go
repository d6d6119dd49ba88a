package store

import (
	"context"
	"testing"

	"github.com/teledm/teledm/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	return New(tdb.Conn, tdb.Logger)
}

func addTestDownload(t *testing.T, s *Store, fingerprint string) *Download {
	t.Helper()
	dl, created, err := s.Add(context.Background(), AddInput{
		Fingerprint:  fingerprint,
		FileName:     fingerprint + ".bin",
		DownloadPath: "/tmp/" + fingerprint + ".bin",
		ChatID:       100,
		MessageID:    7,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !created {
		t.Fatalf("Add() created = false, want true")
	}
	return dl
}

func TestStore_Add(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	size := int64(2048)
	dl, created, err := s.Add(ctx, AddInput{
		Fingerprint:  "100:7",
		FileName:     "video.mp4",
		FileSize:     &size,
		DownloadPath: "/tmp/video.mp4",
		ChatID:       100,
		MessageID:    7,
		Metadata:     map[string]any{"mime": "video/mp4"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !created {
		t.Error("Add() created = false, want true")
	}
	if dl.ID == 0 {
		t.Error("Add() dl.ID = 0, want non-zero")
	}
	if dl.Status != StatusPending {
		t.Errorf("Add() Status = %q, want %q", dl.Status, StatusPending)
	}
	if dl.Progress != 0 {
		t.Errorf("Add() Progress = %v, want 0", dl.Progress)
	}
	if dl.FileSize == nil || *dl.FileSize != 2048 {
		t.Errorf("Add() FileSize = %v, want 2048", dl.FileSize)
	}
	if dl.Metadata["mime"] != "video/mp4" {
		t.Errorf("Add() Metadata[mime] = %v, want video/mp4", dl.Metadata["mime"])
	}
	if dl.CreatedAt.IsZero() {
		t.Error("Add() CreatedAt is zero")
	}
	if dl.StartedAt != nil || dl.CompletedAt != nil {
		t.Error("Add() StartedAt/CompletedAt set on fresh record")
	}
}

func TestStore_Add_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := addTestDownload(t, s, "100:7")

	// Same fingerprint with different attributes must not create or mutate.
	dl, created, err := s.Add(ctx, AddInput{
		Fingerprint:  "100:7",
		FileName:     "other-name.bin",
		DownloadPath: "/elsewhere/other-name.bin",
		ChatID:       100,
		MessageID:    7,
	})
	if err != nil {
		t.Fatalf("Add() second call error = %v", err)
	}
	if created {
		t.Error("Add() second call created = true, want false")
	}
	if dl.ID != first.ID {
		t.Errorf("Add() second call ID = %d, want %d", dl.ID, first.ID)
	}
	if dl.FileName != first.FileName {
		t.Errorf("Add() second call FileName = %q, want original %q", dl.FileName, first.FileName)
	}

	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("ListAll() len = %d, want 1", len(all))
	}
}

func TestStore_UpdateProgress_Monotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTestDownload(t, s, "100:7")
	if err := s.UpdateStatus(ctx, "100:7", StatusDownloading, ""); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	s.UpdateProgress(ctx, "100:7", 0.5, 500)

	dl, err := s.Get(ctx, "100:7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if dl.Progress != 0.5 {
		t.Errorf("Progress = %v, want 0.5", dl.Progress)
	}
	if dl.DownloadedBytes != 500 {
		t.Errorf("DownloadedBytes = %d, want 500", dl.DownloadedBytes)
	}

	// An out-of-order lower sample must not regress the stored values.
	s.UpdateProgress(ctx, "100:7", 0.3, 300)

	dl, err = s.Get(ctx, "100:7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if dl.Progress != 0.5 {
		t.Errorf("Progress after lower sample = %v, want 0.5", dl.Progress)
	}
	if dl.DownloadedBytes != 500 {
		t.Errorf("DownloadedBytes after lower sample = %d, want 500", dl.DownloadedBytes)
	}
}

func TestStore_UpdateProgress_IgnoredWhenNotDownloading(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTestDownload(t, s, "100:7")

	// Still pending, so the write must be skipped.
	s.UpdateProgress(ctx, "100:7", 0.9, 900)

	dl, err := s.Get(ctx, "100:7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if dl.Progress != 0 {
		t.Errorf("Progress = %v, want 0", dl.Progress)
	}

	// Unknown fingerprint must not panic or error.
	s.UpdateProgress(ctx, "does-not-exist", 0.5, 100)
}

func TestStore_UpdateStatus_Transitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want Status
	}{
		{"pending to downloading", StatusPending, StatusDownloading, StatusDownloading},
		{"pending to cancelled", StatusPending, StatusCancelled, StatusCancelled},
		{"downloading to completed", StatusDownloading, StatusCompleted, StatusCompleted},
		{"downloading to failed", StatusDownloading, StatusFailed, StatusFailed},
		{"downloading to pending requeue", StatusDownloading, StatusPending, StatusPending},
		{"failed to pending retry", StatusFailed, StatusPending, StatusPending},
		{"paused to downloading", StatusPaused, StatusDownloading, StatusDownloading},
		{"completed is terminal", StatusCompleted, StatusPending, StatusCompleted},
		{"cancelled is terminal", StatusCancelled, StatusDownloading, StatusCancelled},
		{"completed cannot fail", StatusCompleted, StatusFailed, StatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()

			addTestDownload(t, s, "100:7")
			forceStatus(t, s, "100:7", tt.from)

			if err := s.UpdateStatus(ctx, "100:7", tt.to, ""); err != nil {
				t.Fatalf("UpdateStatus() error = %v", err)
			}

			dl, err := s.Get(ctx, "100:7")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if dl.Status != tt.want {
				t.Errorf("Status = %q, want %q", dl.Status, tt.want)
			}
		})
	}
}

// forceStatus drives a record to the wanted state through valid transitions.
func forceStatus(t *testing.T, s *Store, fingerprint string, status Status) {
	t.Helper()
	ctx := context.Background()

	var path []Status
	switch status {
	case StatusPending:
		return
	case StatusDownloading:
		path = []Status{StatusDownloading}
	case StatusPaused:
		path = []Status{StatusDownloading, StatusPaused}
	case StatusCompleted:
		path = []Status{StatusDownloading, StatusCompleted}
	case StatusFailed:
		path = []Status{StatusDownloading, StatusFailed}
	case StatusCancelled:
		path = []Status{StatusCancelled}
	}
	for _, next := range path {
		if err := s.UpdateStatus(ctx, fingerprint, next, ""); err != nil {
			t.Fatalf("forceStatus %q -> %q error = %v", fingerprint, next, err)
		}
	}
}

func TestStore_UpdateStatus_Timestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTestDownload(t, s, "100:7")

	if err := s.UpdateStatus(ctx, "100:7", StatusDownloading, ""); err != nil {
		t.Fatalf("UpdateStatus(downloading) error = %v", err)
	}
	dl, _ := s.Get(ctx, "100:7")
	if dl.StartedAt == nil {
		t.Fatal("StartedAt not stamped on downloading")
	}
	firstStart := *dl.StartedAt

	// A requeue and restart must keep the original start time.
	if err := s.UpdateStatus(ctx, "100:7", StatusPending, ""); err != nil {
		t.Fatalf("UpdateStatus(pending) error = %v", err)
	}
	if err := s.UpdateStatus(ctx, "100:7", StatusDownloading, ""); err != nil {
		t.Fatalf("UpdateStatus(downloading) error = %v", err)
	}
	dl, _ = s.Get(ctx, "100:7")
	if dl.StartedAt == nil || !dl.StartedAt.Equal(firstStart) {
		t.Errorf("StartedAt = %v, want original %v", dl.StartedAt, firstStart)
	}

	if err := s.UpdateStatus(ctx, "100:7", StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus(completed) error = %v", err)
	}
	dl, _ = s.Get(ctx, "100:7")
	if dl.CompletedAt == nil {
		t.Fatal("CompletedAt not stamped on completed")
	}
}

func TestStore_UpdateStatus_ErrorMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTestDownload(t, s, "100:7")
	forceStatus(t, s, "100:7", StatusDownloading)

	if err := s.UpdateStatus(ctx, "100:7", StatusFailed, "connection reset"); err != nil {
		t.Fatalf("UpdateStatus(failed) error = %v", err)
	}
	dl, _ := s.Get(ctx, "100:7")
	if dl.ErrorMessage != "connection reset" {
		t.Errorf("ErrorMessage = %q, want %q", dl.ErrorMessage, "connection reset")
	}

	// Moving back to pending for a retry clears the stale error.
	if err := s.UpdateStatus(ctx, "100:7", StatusPending, ""); err != nil {
		t.Fatalf("UpdateStatus(pending) error = %v", err)
	}
	dl, _ = s.Get(ctx, "100:7")
	if dl.ErrorMessage != "" {
		t.Errorf("ErrorMessage after retry = %q, want empty", dl.ErrorMessage)
	}
}

func TestStore_UpdateStatus_UnknownFingerprint(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpdateStatus(context.Background(), "missing", StatusDownloading, ""); err != nil {
		t.Errorf("UpdateStatus() unknown fingerprint error = %v, want nil", err)
	}
}

func TestStore_IncrementRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTestDownload(t, s, "100:7")

	for i := 0; i < 3; i++ {
		if err := s.IncrementRetry(ctx, "100:7"); err != nil {
			t.Fatalf("IncrementRetry() error = %v", err)
		}
	}

	dl, _ := s.Get(ctx, "100:7")
	if dl.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", dl.RetryCount)
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListByStatus_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTestDownload(t, s, "100:1")
	addTestDownload(t, s, "100:2")
	addTestDownload(t, s, "100:3")
	forceStatus(t, s, "100:2", StatusFailed)

	pending, err := s.ListByStatus(ctx, StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("ListByStatus(pending) len = %d, want 2", len(pending))
	}
	if pending[0].Fingerprint != "100:1" || pending[1].Fingerprint != "100:3" {
		t.Errorf("ListByStatus(pending) order = %q, %q; want 100:1, 100:3",
			pending[0].Fingerprint, pending[1].Fingerprint)
	}

	both, err := s.ListByStatus(ctx, StatusPending, StatusFailed)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(both) != 3 {
		t.Fatalf("ListByStatus(pending, failed) len = %d, want 3", len(both))
	}
	// Oldest first regardless of status.
	if both[0].Fingerprint != "100:1" || both[1].Fingerprint != "100:2" {
		t.Errorf("ListByStatus order = %q, %q; want 100:1, 100:2",
			both[0].Fingerprint, both[1].Fingerprint)
	}

	none, err := s.ListByStatus(ctx)
	if err != nil {
		t.Fatalf("ListByStatus() no statuses error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListByStatus() no statuses len = %d, want 0", len(none))
	}
}

func TestStore_DeleteByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTestDownload(t, s, "100:1")
	addTestDownload(t, s, "100:2")
	addTestDownload(t, s, "100:3")
	addTestDownload(t, s, "100:4")
	forceStatus(t, s, "100:1", StatusCompleted)
	forceStatus(t, s, "100:2", StatusCancelled)
	forceStatus(t, s, "100:3", StatusFailed)

	removed, err := s.DeleteByStatus(ctx, StatusCompleted, StatusCancelled)
	if err != nil {
		t.Fatalf("DeleteByStatus() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("DeleteByStatus() removed = %d, want 2", removed)
	}

	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAll() len = %d, want 2", len(all))
	}
	for _, dl := range all {
		if dl.Status == StatusCompleted || dl.Status == StatusCancelled {
			t.Errorf("finished download %q survived purge", dl.Fingerprint)
		}
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTestDownload(t, s, "100:7")

	if err := s.Delete(ctx, "100:7"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "100:7"); err != ErrNotFound {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_ResetStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTestDownload(t, s, "100:1")
	addTestDownload(t, s, "100:2")
	addTestDownload(t, s, "100:3")
	forceStatus(t, s, "100:1", StatusDownloading)
	forceStatus(t, s, "100:2", StatusDownloading)
	forceStatus(t, s, "100:3", StatusCompleted)

	count, err := s.ResetStale(ctx)
	if err != nil {
		t.Fatalf("ResetStale() error = %v", err)
	}
	if count != 2 {
		t.Errorf("ResetStale() count = %d, want 2", count)
	}

	pending, err := s.ListByStatus(ctx, StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending after reset = %d, want 2", len(pending))
	}

	done, _ := s.Get(ctx, "100:3")
	if done.Status != StatusCompleted {
		t.Errorf("completed download status = %q, want %q", done.Status, StatusCompleted)
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusDownloading, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled} {
		if !status.Valid() {
			t.Errorf("Valid(%q) = false, want true", status)
		}
	}
	if Status("bogus").Valid() {
		t.Error(`Valid("bogus") = true, want false`)
	}
}
