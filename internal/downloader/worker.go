package downloader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/teledm/teledm/internal/store"
)

// worker runs an independent pull loop against the work queue until told to
// stop. The short pop timeout keeps it responsive to the stop signal.
func (e *Engine) worker(id int) {
	defer e.wg.Done()
	log := e.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		h, ok := e.queue.Pop(e.cfg.PollTimeout)
		if !ok {
			continue
		}
		e.runJob(log, h)
	}
}

// runJob shields the pull loop from pipeline panics. A dead worker would
// silently shrink the effective concurrency limit, so anything unexpected is
// logged and the loop continues.
func (e *Engine) runJob(log zerolog.Logger, h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("fingerprint", h.Fingerprint).Msg("Worker recovered from unexpected error")
		}
	}()
	e.process(log, h)
}

// process executes one fetch attempt for the handle. Retries are explicit
// re-submissions to the queue, so one invocation is one attempt.
func (e *Engine) process(log zerolog.Logger, h *Handle) {
	ctx := e.ctx
	fingerprint := h.Fingerprint

	if h.Cancelled() {
		return
	}

	// The row may have been cancelled or deleted while the handle sat in
	// the queue.
	rec, err := e.store.Get(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("fingerprint", fingerprint).Msg("Download deleted while queued, dropped")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to load download, dropped")
		return
	}
	if rec.Status == store.StatusCancelled || rec.Status == store.StatusCompleted {
		return
	}

	if err := h.Ref.Validate(); err != nil {
		msg := fmt.Sprintf("invalid source reference: %v", err)
		log.Error().Str("fingerprint", fingerprint).Str("fileName", h.FileName).Msg(msg)
		if err := e.store.UpdateStatus(ctx, fingerprint, store.StatusFailed, msg); err != nil {
			log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to mark download failed")
		}
		e.notifyWithSnapshot(ctx, EventDownloadFailed, fingerprint)
		return
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	if _, dup := e.active[fingerprint]; dup {
		e.mu.Unlock()
		log.Warn().Str("fingerprint", fingerprint).Msg("Download already active, dropped duplicate")
		return
	}
	e.active[fingerprint] = h
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.active[fingerprint] == h {
			delete(e.active, fingerprint)
		}
		e.mu.Unlock()
	}()

	if err := e.store.UpdateStatus(ctx, fingerprint, store.StatusDownloading, ""); err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to mark download started")
	}
	e.notifyWithSnapshot(ctx, EventDownloadStarted, fingerprint)

	// Progress callbacks may arrive from outside this goroutine. They hand
	// updates to the serialized writer instead of touching the store
	// directly, and never block the fetcher.
	var lastBytes atomic.Int64
	var lastFraction atomic.Uint64
	progress := func(downloadedBytes, totalBytes int64) {
		e.tracker.Update(fingerprint, downloadedBytes)

		fraction := 0.0
		if totalBytes > 0 {
			fraction = float64(downloadedBytes) / float64(totalBytes)
			if fraction > 1 {
				fraction = 1
			}
		}
		lastBytes.Store(downloadedBytes)
		lastFraction.Store(math.Float64bits(fraction))

		select {
		case e.progressCh <- progressUpdate{fingerprint, fraction, downloadedBytes}:
		default:
			// Writer is behind; a later callback supersedes this one.
		}
	}

	fetchErr := e.fetcher.Fetch(ctx, h.Ref, h.DownloadPath, progress)

	if fetchErr == nil && !h.Cancelled() {
		// Flush final progress synchronously so the terminal state never
		// races the async writer.
		e.store.UpdateProgress(ctx, fingerprint, 1.0, lastBytes.Load())
		if err := e.store.UpdateStatus(ctx, fingerprint, store.StatusCompleted, ""); err != nil {
			log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to mark download completed")
		}
		e.tracker.Remove(fingerprint)
		e.notifyWithSnapshot(ctx, EventDownloadCompleted, fingerprint)
		log.Info().Str("fingerprint", fingerprint).Str("fileName", h.FileName).Msg("Download completed")
		return
	}

	errText := "cancelled"
	if fetchErr != nil {
		errText = fetchErr.Error()
	}

	if h.RetryCount < e.cfg.RetryAttempts {
		h.RetryCount++
		if err := e.store.IncrementRetry(ctx, fingerprint); err != nil {
			log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to increment retry count")
		}
		// Back to pending until the requeued attempt runs. A no-op for rows
		// already cancelled; the handle flag drops them on dequeue.
		if err := e.store.UpdateStatus(ctx, fingerprint, store.StatusPending, ""); err != nil {
			log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to reset status for retry")
		}

		log.Info().
			Str("fingerprint", fingerprint).
			Str("fileName", h.FileName).
			Int("attempt", h.RetryCount).
			Int("max", e.cfg.RetryAttempts).
			Msg("Retrying download")

		select {
		case <-time.After(e.cfg.RetryDelay):
		case <-e.stopCh:
		}
		e.queue.Push(h)
		return
	}

	if err := e.store.UpdateStatus(ctx, fingerprint, store.StatusFailed, errText); err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to mark download failed")
	}
	e.tracker.Remove(fingerprint)
	e.notifyWithSnapshot(ctx, EventDownloadFailed, fingerprint)
	log.Error().Str("fingerprint", fingerprint).Str("fileName", h.FileName).Str("error", errText).Msg("Download failed permanently")
}

// progressWriter serializes asynchronous progress persistence. Store
// failures here are logged by the store and absorbed; losing a progress
// update is recoverable, killing a worker is not.
func (e *Engine) progressWriter() {
	for {
		select {
		case upd := <-e.progressCh:
			e.store.UpdateProgress(context.Background(), upd.fingerprint, upd.progress, upd.downloadedBytes)
		case <-e.writerDone:
			for {
				select {
				case upd := <-e.progressCh:
					e.store.UpdateProgress(context.Background(), upd.fingerprint, upd.progress, upd.downloadedBytes)
				default:
					return
				}
			}
		}
	}
}
