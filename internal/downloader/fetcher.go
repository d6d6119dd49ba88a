// Package downloader implements the download orchestration engine: a durable
// job store front, a FIFO work queue, and a fixed-size worker pool that turns
// queued jobs into bytes on disk with retry, cancellation, and speed tracking.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrNotRunning   = errors.New("engine is not running")
	ErrNotRetryable = errors.New("download is not in failed state")
)

// SourceRef identifies a remote file by chat and message. The engine never
// interprets it beyond shape validation; it is passed through to the fetcher.
type SourceRef struct {
	ChatID    int64 `json:"chatId"`
	MessageID int64 `json:"messageId"`
}

// Fingerprint derives the unique key used for idempotent submission.
func (r SourceRef) Fingerprint() string {
	return fmt.Sprintf("%d:%d", r.ChatID, r.MessageID)
}

// Validate checks that the reference carries the fields the fetcher needs.
func (r SourceRef) Validate() error {
	if r.ChatID == 0 {
		return errors.New("missing chat id")
	}
	if r.MessageID <= 0 {
		return errors.New("missing message id")
	}
	return nil
}

// ProgressFunc reports fetch progress. It may be invoked zero or more times,
// possibly from a goroutine outside the worker's own, with duplicate or
// out-of-order values; totalBytes may be zero when the size is unknown.
type ProgressFunc func(downloadedBytes, totalBytes int64)

// Fetcher retrieves a remote file to a local path, reporting progress along
// the way. A nil return means the file is fully written to destPath.
type Fetcher interface {
	Fetch(ctx context.Context, ref SourceRef, destPath string, progress ProgressFunc) error
}

// Handle is the transient, queue-resident projection of a download used
// while it sits in the work queue or the active set. It is reconstructed
// from the store on startup for every job left in a recoverable state.
type Handle struct {
	ID           int64
	Fingerprint  string
	FileName     string
	DownloadPath string
	Ref          SourceRef

	// RetryCount is read and written only by the single worker that owns
	// the handle while it is active.
	RetryCount int

	cancelled atomic.Bool
}

// Cancel sets the cooperative cancellation flag. The worker stops acting on
// the handle at its next checkpoint; an in-flight fetch is not interrupted.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

// Cancelled reports whether the handle has been cancelled.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}
