package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/teledm/teledm/internal/downloader"
	"github.com/teledm/teledm/internal/store"
)

// submitRequest is the body for POST /api/v1/downloads.
type submitRequest struct {
	ChatID    int64          `json:"chatId"`
	MessageID int64          `json:"messageId"`
	FileName  string         `json:"fileName"`
	FileSize  *int64         `json:"fileSize,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// downloadResponse decorates a stored download with live transfer stats.
type downloadResponse struct {
	*store.Download
	SpeedBytesPerSec float64 `json:"speedBytesPerSec"`
	EtaSeconds       *int64  `json:"etaSeconds,omitempty"`
}

func (s *Server) toResponse(d *store.Download) *downloadResponse {
	resp := &downloadResponse{Download: d}
	if d.Status != store.StatusDownloading {
		return resp
	}

	speed := s.engine.Speed(d.Fingerprint)
	resp.SpeedBytesPerSec = speed
	if speed > 0 && d.FileSize != nil && *d.FileSize > d.DownloadedBytes {
		eta := int64(float64(*d.FileSize-d.DownloadedBytes) / speed)
		resp.EtaSeconds = &eta
	}
	return resp
}

// handleList returns all downloads, optionally filtered by status.
// GET /api/v1/downloads?status=pending,downloading
func (s *Server) handleList(c echo.Context) error {
	var (
		records []*store.Download
		err     error
	)

	if raw := c.QueryParam("status"); raw != "" {
		statuses, perr := parseStatuses(raw)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, perr.Error())
		}
		records, err = s.engine.ListByStatus(c.Request().Context(), statuses...)
	} else {
		records, err = s.engine.ListAll(c.Request().Context())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list downloads")
	}

	out := make([]*downloadResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, s.toResponse(rec))
	}
	return c.JSON(http.StatusOK, out)
}

// handleGet returns a single download by fingerprint.
// GET /api/v1/downloads/:fingerprint
func (s *Server) handleGet(c echo.Context) error {
	rec, err := s.engine.Get(c.Request().Context(), c.Param("fingerprint"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "download not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get download")
	}
	return c.JSON(http.StatusOK, s.toResponse(rec))
}

// handleSubmit registers a new download.
// POST /api/v1/downloads
func (s *Server) handleSubmit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ref := downloader.SourceRef{ChatID: req.ChatID, MessageID: req.MessageID}
	if err := ref.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.FileName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "fileName is required")
	}

	rec, err := s.engine.Add(c.Request().Context(), downloader.AddInput{
		Ref:      ref,
		FileName: req.FileName,
		FileSize: req.FileSize,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, downloader.ErrNotRunning) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "engine is not running")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit download")
	}
	return c.JSON(http.StatusAccepted, s.toResponse(rec))
}

// handleCancel cancels a pending or running download.
// POST /api/v1/downloads/:fingerprint/cancel
func (s *Server) handleCancel(c echo.Context) error {
	fingerprint := c.Param("fingerprint")
	if err := s.engine.Cancel(c.Request().Context(), fingerprint); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "download not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel download")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleRetry re-queues a failed download.
// POST /api/v1/downloads/:fingerprint/retry
func (s *Server) handleRetry(c echo.Context) error {
	fingerprint := c.Param("fingerprint")
	if err := s.engine.Retry(c.Request().Context(), fingerprint); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "download not found")
		}
		if errors.Is(err, downloader.ErrNotRetryable) {
			return echo.NewHTTPError(http.StatusConflict, "download is not in a failed state")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to retry download")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleDelete removes a download record.
// DELETE /api/v1/downloads/:fingerprint
func (s *Server) handleDelete(c echo.Context) error {
	fingerprint := c.Param("fingerprint")
	if err := s.engine.Delete(c.Request().Context(), fingerprint); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "download not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete download")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleClearFinished purges completed and cancelled downloads.
// DELETE /api/v1/downloads/finished
func (s *Server) handleClearFinished(c echo.Context) error {
	removed, err := s.engine.ClearFinished(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to clear downloads")
	}
	return c.JSON(http.StatusOK, map[string]int64{"removed": removed})
}

func parseStatuses(raw string) ([]store.Status, error) {
	var statuses []store.Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status := store.Status(part)
		if !status.Valid() {
			return nil, fmt.Errorf("unknown status: %s", part)
		}
		statuses = append(statuses, status)
	}
	if len(statuses) == 0 {
		return nil, errors.New("no statuses given")
	}
	return statuses, nil
}
