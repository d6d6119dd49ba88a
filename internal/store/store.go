// Package store provides the durable record of every download job and its
// lifecycle state. It is the single source of truth for what needs doing:
// the engine re-hydrates its work queue from here after a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound = errors.New("download not found")
)

// Status represents the lifecycle state of a download.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions defines the status state machine. A transition not listed
// here is ignored as a no-op. downloading -> pending covers the transient
// failure requeue; failed -> pending is the explicit retry path, and
// failed -> downloading lets recovery re-run jobs hydrated straight from a
// failed row. pending -> failed covers submission validation failures.
var validTransitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusCancelled, StatusFailed},
	StatusDownloading: {StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
	StatusPaused:      {StatusDownloading, StatusPending, StatusCancelled, StatusFailed},
	StatusFailed:      {StatusPending, StatusDownloading},
}

func canTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Download is a persisted download job.
type Download struct {
	ID              int64          `json:"id"`
	Fingerprint     string         `json:"fingerprint"`
	FileName        string         `json:"fileName"`
	FileSize        *int64         `json:"fileSize,omitempty"`
	DownloadPath    string         `json:"downloadPath"`
	Status          Status         `json:"status"`
	Progress        float64        `json:"progress"` // 0.0-1.0
	DownloadedBytes int64          `json:"downloadedBytes"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	RetryCount      int            `json:"retryCount"`
	CreatedAt       time.Time      `json:"createdAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	ChatID          int64          `json:"chatId"`
	MessageID       int64          `json:"messageId"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// AddInput is the input for registering a new download.
type AddInput struct {
	Fingerprint  string
	FileName     string
	FileSize     *int64
	DownloadPath string
	ChatID       int64
	MessageID    int64
	Metadata     map[string]any
}

// Store provides concurrency-safe CRUD over download records.
// All mutating operations are serialized through a single mutex so that
// concurrent workers never interleave a read-modify-write incorrectly.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

// New creates a new download store.
func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

const downloadColumns = `id, fingerprint, file_name, file_size, download_path, status, progress,
	downloaded_bytes, error_message, retry_count, created_at, started_at, completed_at,
	chat_id, message_id, metadata`

// Add inserts a new download in pending state. Re-submitting an existing
// fingerprint is a no-op that returns the existing record; the second return
// value reports whether a new row was created.
func (s *Store) Add(ctx context.Context, input AddInput) (*Download, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metadata sql.NullString
	if input.Metadata != nil {
		bytes, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(bytes), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (fingerprint, file_name, file_size, download_path, chat_id, message_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		input.Fingerprint, input.FileName, toNullInt64(input.FileSize), input.DownloadPath,
		input.ChatID, input.MessageID, metadata, time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert download: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}

	dl, err := s.get(ctx, input.Fingerprint)
	if err != nil {
		return nil, false, err
	}

	if affected > 0 {
		s.logger.Info().Str("fingerprint", input.Fingerprint).Str("fileName", input.FileName).Int64("id", dl.ID).Msg("Registered download")
	} else {
		s.logger.Debug().Str("fingerprint", input.Fingerprint).Int64("id", dl.ID).Msg("Download already registered")
	}

	return dl, affected > 0, nil
}

// UpdateProgress updates progress in place. Progress and byte counts are
// clamped so they never decrease, which makes duplicate or out-of-order
// fetcher callbacks harmless. A missing fingerprint (e.g. the row was
// deleted concurrently) is logged and ignored; this must never fail a worker.
func (s *Store) UpdateProgress(ctx context.Context, fingerprint string, progress float64, downloadedBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads
		SET progress = MAX(progress, ?), downloaded_bytes = MAX(downloaded_bytes, ?)
		WHERE fingerprint = ? AND status = ?`,
		progress, downloadedBytes, fingerprint, StatusDownloading)
	if err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to persist progress")
		return
	}

	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		s.logger.Debug().Str("fingerprint", fingerprint).Msg("Progress update for absent or inactive download, skipped")
	}
}

// UpdateStatus transitions a download to a new status, enforcing the state
// machine. started_at is stamped on first entry to downloading and
// completed_at on first entry to completed or failed. The error message is
// stored only for failed transitions and cleared otherwise, so a stale error
// never lingers once a retry is in flight. Unknown fingerprints and invalid
// transitions are no-ops.
func (s *Store) UpdateStatus(ctx context.Context, fingerprint string, status Status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM downloads WHERE fingerprint = ?`, fingerprint).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug().Str("fingerprint", fingerprint).Str("status", string(status)).Msg("Status update for unknown download, skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read current status: %w", err)
	}

	if !canTransition(current, status) {
		s.logger.Debug().
			Str("fingerprint", fingerprint).
			Str("from", string(current)).
			Str("to", string(status)).
			Msg("Invalid status transition, skipped")
		return nil
	}

	var message sql.NullString
	if status == StatusFailed && errorMessage != "" {
		message = sql.NullString{String: errorMessage, Valid: true}
	}

	now := time.Now().UTC()
	switch status {
	case StatusDownloading:
		_, err = s.db.ExecContext(ctx, `
			UPDATE downloads
			SET status = ?, error_message = ?, started_at = COALESCE(started_at, ?)
			WHERE fingerprint = ?`,
			status, message, now, fingerprint)
	case StatusCompleted, StatusFailed:
		_, err = s.db.ExecContext(ctx, `
			UPDATE downloads
			SET status = ?, error_message = ?, completed_at = COALESCE(completed_at, ?)
			WHERE fingerprint = ?`,
			status, message, now, fingerprint)
	default:
		_, err = s.db.ExecContext(ctx, `
			UPDATE downloads
			SET status = ?, error_message = ?
			WHERE fingerprint = ?`,
			status, message, fingerprint)
	}
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	s.logger.Info().Str("fingerprint", fingerprint).Str("from", string(current)).Str("to", string(status)).Msg("Status changed")
	return nil
}

// IncrementRetry increments the completed retry attempt counter.
func (s *Store) IncrementRetry(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET retry_count = retry_count + 1 WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

// Get retrieves a download by fingerprint. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, fingerprint string) (*Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, fingerprint)
}

func (s *Store) get(ctx context.Context, fingerprint string) (*Download, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE fingerprint = ?`, fingerprint)
	dl, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return dl, nil
}

// ListByStatus returns downloads in any of the given states, oldest first.
// The ascending order gives FIFO fairness for recovery and pending listings.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(statuses) == 0 {
		return []*Download{}, nil
	}

	query := fmt.Sprintf(`SELECT `+downloadColumns+`
		FROM downloads WHERE status IN (%s)
		ORDER BY created_at ASC, id ASC`, placeholders(len(statuses)))

	rows, err := s.db.QueryContext(ctx, query, statusArgs(statuses)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	return collectDownloads(rows)
}

// ListAll returns every download, most recent first (for display).
func (s *Store) ListAll(ctx context.Context) ([]*Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	return collectDownloads(rows)
}

// Delete removes a download record.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}

	s.logger.Info().Str("fingerprint", fingerprint).Msg("Deleted download")
	return nil
}

// DeleteByStatus bulk-purges downloads in the given states and returns the
// number of rows removed.
func (s *Store) DeleteByStatus(ctx context.Context, statuses ...Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(statuses) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`DELETE FROM downloads WHERE status IN (%s)`, placeholders(len(statuses)))
	res, err := s.db.ExecContext(ctx, query, statusArgs(statuses)...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge downloads: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}

	s.logger.Info().Int64("count", count).Msg("Purged downloads")
	return count, nil
}

// ResetStale moves downloads left in downloading state by a crash back to
// pending so they are picked up by recovery. A crash between fetcher success
// and the completed commit is treated as failure: the job runs again.
func (s *Store) ResetStale(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = ? WHERE status = ?`,
		StatusPending, StatusDownloading)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale downloads: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reset result: %w", err)
	}

	if count > 0 {
		s.logger.Warn().Int64("count", count).Msg("Reset downloads interrupted by previous shutdown")
	}
	return count, nil
}

// scanner abstracts *sql.Row and *sql.Rows for row conversion.
type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(row scanner) (*Download, error) {
	var (
		dl          Download
		fileSize    sql.NullInt64
		errMsg      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
		metadata    sql.NullString
	)

	err := row.Scan(&dl.ID, &dl.Fingerprint, &dl.FileName, &fileSize, &dl.DownloadPath,
		&dl.Status, &dl.Progress, &dl.DownloadedBytes, &errMsg, &dl.RetryCount,
		&dl.CreatedAt, &startedAt, &completedAt, &dl.ChatID, &dl.MessageID, &metadata)
	if err != nil {
		return nil, err
	}

	if fileSize.Valid {
		dl.FileSize = &fileSize.Int64
	}
	if errMsg.Valid {
		dl.ErrorMessage = errMsg.String
	}
	if startedAt.Valid {
		dl.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		dl.CompletedAt = &completedAt.Time
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &dl.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return &dl, nil
}

func collectDownloads(rows *sql.Rows) ([]*Download, error) {
	downloads := make([]*Download, 0)
	for rows.Next() {
		dl, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		downloads = append(downloads, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate downloads: %w", err)
	}
	return downloads, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []Status) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return args
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
