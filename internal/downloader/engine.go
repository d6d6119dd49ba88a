package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teledm/teledm/internal/pathutil"
	"github.com/teledm/teledm/internal/store"
)

const (
	// How long a worker blocks on the queue before re-checking the stop
	// signal. Bounds shutdown latency.
	defaultPollTimeout = 1 * time.Second

	// How long Stop waits for workers before giving up. An in-flight fetch
	// with no timeout can exceed this; the process exits anyway.
	stopTimeout = 30 * time.Second
)

// Config holds engine construction parameters.
type Config struct {
	DownloadPath  string        // base directory, created if absent
	MaxConcurrent int           // hard upper bound on simultaneous fetches
	RetryAttempts int           // max retries per job before permanent failure
	RetryDelay    time.Duration // fixed backoff between attempts
	PollTimeout   time.Duration // queue pop timeout, defaults to 1s
}

type progressUpdate struct {
	fingerprint     string
	progress        float64
	downloadedBytes int64
}

// Engine schedules downloads across a fixed-size worker pool. All mutable
// registries (active set, queue, speed samples) are owned by the instance,
// so independent engines can run side by side in tests.
type Engine struct {
	cfg      Config
	store    *store.Store
	fetcher  Fetcher
	logger   zerolog.Logger
	queue    *Queue
	tracker  *SpeedTracker
	notifier *Notifier

	mu        sync.Mutex
	running   bool
	active    map[string]*Handle
	sessionID string
	stopCh    chan struct{}
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	progressCh chan progressUpdate
	writerDone chan struct{}
}

// New creates a download engine. Start must be called before submissions are
// scheduled.
func New(cfg Config, st *store.Store, fetcher Fetcher, logger zerolog.Logger) *Engine {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		fetcher:  fetcher,
		logger:   logger.With().Str("component", "downloader").Logger(),
		queue:    NewQueue(),
		tracker:  NewSpeedTracker(),
		notifier: NewNotifier(logger),
		active:   make(map[string]*Handle),
	}
}

// Subscribe registers an observer for lifecycle events.
func (e *Engine) Subscribe(observer Observer) {
	e.notifier.Subscribe(observer)
}

// Running reports whether the engine has been started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SessionID returns the identifier of the current run, or an empty string
// before the first Start.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Start is idempotent. It resets downloads interrupted by a previous crash,
// re-hydrates every recoverable job into the work queue oldest-first, and
// launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.progressCh = make(chan progressUpdate, 256)
	e.writerDone = make(chan struct{})
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	if err := os.MkdirAll(e.cfg.DownloadPath, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	sessionID, err := e.store.BeginSession(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to record session")
	} else {
		e.mu.Lock()
		e.sessionID = sessionID
		e.mu.Unlock()
	}

	if _, err := e.store.ResetStale(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to reset interrupted downloads")
	}

	if err := e.recover(ctx); err != nil {
		return err
	}

	go e.progressWriter()

	for i := 0; i < e.cfg.MaxConcurrent; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.logger.Info().
		Int("workers", e.cfg.MaxConcurrent).
		Int("retryAttempts", e.cfg.RetryAttempts).
		Dur("retryDelay", e.cfg.RetryDelay).
		Str("downloadPath", e.cfg.DownloadPath).
		Msg("Engine started")
	return nil
}

// recover re-populates the work queue from the store, oldest first.
func (e *Engine) recover(ctx context.Context) error {
	records, err := e.store.ListByStatus(ctx, store.StatusPending, store.StatusPaused, store.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to load recoverable downloads: %w", err)
	}

	for _, rec := range records {
		e.queue.Push(handleFromRecord(rec))
	}

	e.logger.Info().Int("count", len(records)).Msg("Recovered queued downloads")
	return nil
}

// Stop is idempotent. It signals all workers, waits for them with a bounded
// timeout, then stops the progress writer. In-flight fetches are not
// guaranteed to be interrupted promptly.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.cancel()
	sessionID := e.sessionID
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		e.logger.Warn().Msg("Timed out waiting for workers to finish")
	}

	close(e.writerDone)

	if sessionID != "" {
		if err := e.store.EndSession(ctx, sessionID); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to end session")
		}
	}

	e.logger.Info().Msg("Engine stopped")
	return nil
}

// AddInput describes a download submission.
type AddInput struct {
	Ref      SourceRef
	FileName string
	FileSize *int64
	Metadata map[string]any
}

// Add persists a download and enqueues it for execution. Submitting a
// fingerprint that already exists returns the existing record without
// re-queueing it.
func (e *Engine) Add(ctx context.Context, input AddInput) (*store.Download, error) {
	fileName := pathutil.SanitizeFileName(input.FileName)
	if fileName == "" {
		return nil, errors.New("file name is required")
	}
	if !e.Running() {
		return nil, ErrNotRunning
	}

	fingerprint := input.Ref.Fingerprint()
	destination := filepath.Join(e.cfg.DownloadPath, fileName)

	rec, created, err := e.store.Add(ctx, store.AddInput{
		Fingerprint:  fingerprint,
		FileName:     fileName,
		FileSize:     input.FileSize,
		DownloadPath: destination,
		ChatID:       input.Ref.ChatID,
		MessageID:    input.Ref.MessageID,
		Metadata:     input.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if !created {
		return rec, nil
	}

	e.queue.Push(handleFromRecord(rec))
	e.notifier.Notify(EventDownloadAdded, rec)
	return rec, nil
}

// Cancel flags a download as cancelled. An active download keeps writing
// bytes until its in-flight fetch returns; a queued one is dropped by the
// worker that dequeues it.
func (e *Engine) Cancel(ctx context.Context, fingerprint string) error {
	e.mu.Lock()
	h, isActive := e.active[fingerprint]
	if isActive {
		h.Cancel()
		delete(e.active, fingerprint)
	}
	e.mu.Unlock()

	if isActive {
		if err := e.store.UpdateStatus(ctx, fingerprint, store.StatusCancelled, ""); err != nil {
			return err
		}
		e.tracker.Remove(fingerprint)
		e.notifyWithSnapshot(ctx, EventDownloadCancelled, fingerprint)
		return nil
	}

	rec, err := e.store.Get(ctx, fingerprint)
	if err != nil {
		return err
	}

	switch rec.Status {
	case store.StatusPending, store.StatusPaused, store.StatusDownloading:
		if err := e.store.UpdateStatus(ctx, fingerprint, store.StatusCancelled, ""); err != nil {
			return err
		}
		e.notifyWithSnapshot(ctx, EventDownloadCancelled, fingerprint)
	}
	return nil
}

// Retry re-queues a permanently failed download. The retry counter is
// preserved so the attempt cap spans caller-initiated retry cycles.
func (e *Engine) Retry(ctx context.Context, fingerprint string) error {
	rec, err := e.store.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if rec.Status != store.StatusFailed {
		return ErrNotRetryable
	}

	if err := e.store.UpdateStatus(ctx, fingerprint, store.StatusPending, ""); err != nil {
		return err
	}

	e.queue.Push(handleFromRecord(rec))
	e.logger.Info().Str("fingerprint", fingerprint).Str("fileName", rec.FileName).Msg("Retry queued")
	return nil
}

// Delete removes a download record. A concurrently running worker for the
// same fingerprint degrades to logged no-op store writes.
func (e *Engine) Delete(ctx context.Context, fingerprint string) error {
	return e.store.Delete(ctx, fingerprint)
}

// ClearFinished purges completed and cancelled downloads, returning the
// number removed.
func (e *Engine) ClearFinished(ctx context.Context) (int64, error) {
	return e.store.DeleteByStatus(ctx, store.StatusCompleted, store.StatusCancelled)
}

// Get returns a single download record.
func (e *Engine) Get(ctx context.Context, fingerprint string) (*store.Download, error) {
	return e.store.Get(ctx, fingerprint)
}

// ListAll returns every download, most recent first.
func (e *Engine) ListAll(ctx context.Context) ([]*store.Download, error) {
	return e.store.ListAll(ctx)
}

// ListByStatus returns downloads in the given states, oldest first.
func (e *Engine) ListByStatus(ctx context.Context, statuses ...store.Status) ([]*store.Download, error) {
	return e.store.ListByStatus(ctx, statuses...)
}

// Speed returns the smoothed transfer rate in bytes per second for an active
// download, or 0 when it is not being tracked.
func (e *Engine) Speed(fingerprint string) float64 {
	return e.tracker.Rate(fingerprint)
}

// ActiveCount returns the number of downloads currently assigned to workers.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) notifyWithSnapshot(ctx context.Context, eventType, fingerprint string) {
	rec, err := e.store.Get(ctx, fingerprint)
	if err != nil {
		rec = &store.Download{Fingerprint: fingerprint}
	}
	e.notifier.Notify(eventType, rec)
}

func handleFromRecord(rec *store.Download) *Handle {
	return &Handle{
		ID:           rec.ID,
		Fingerprint:  rec.Fingerprint,
		FileName:     rec.FileName,
		DownloadPath: rec.DownloadPath,
		Ref:          SourceRef{ChatID: rec.ChatID, MessageID: rec.MessageID},
		RetryCount:   rec.RetryCount,
	}
}
