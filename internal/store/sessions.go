package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BeginSession records a new engine session and returns its identifier.
func (s *Store) BeginSession(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_sessions (session_id, created_at) VALUES (?, ?)`,
		sessionID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to begin session: %w", err)
	}

	s.logger.Info().Str("sessionId", sessionID).Msg("Session started")
	return sessionID, nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE download_sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// CloseStaleSessions stamps an end time on sessions left open by a crash,
// excluding the currently running one. Returns the number closed.
func (s *Store) CloseStaleSessions(ctx context.Context, currentSessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE download_sessions SET ended_at = ? WHERE ended_at IS NULL AND session_id != ?`,
		time.Now().UTC(), currentSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read close result: %w", err)
	}

	if count > 0 {
		s.logger.Info().Int64("count", count).Msg("Closed stale sessions")
	}
	return count, nil
}
