// Package telegram implements the engine's remote file fetcher against a
// Telegram Bot API endpoint. It resolves a chat/message pair to a file path,
// then streams the file to disk with progress callbacks.
package telegram

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"context"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/teledm/teledm/internal/downloader"
)

var ErrNoFile = errors.New("message has no downloadable file")

// Config holds fetcher configuration.
type Config struct {
	APIURL   string
	BotToken string
}

// Client is a Bot API backed implementation of downloader.Fetcher.
type Client struct {
	http   *resty.Client
	apiURL string
	token  string
	logger zerolog.Logger
}

// New creates a new Telegram fetcher.
func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		http:   resty.New(),
		apiURL: cfg.APIURL,
		token:  cfg.BotToken,
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

type fileInfo struct {
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
}

type getFileResponse struct {
	OK          bool     `json:"ok"`
	Description string   `json:"description"`
	Result      fileInfo `json:"result"`
}

// Fetch downloads the file referenced by chat/message to destPath. The file
// is streamed to a temporary sibling first and renamed into place on
// success, so a failed transfer never leaves a truncated destination.
func (c *Client) Fetch(ctx context.Context, ref downloader.SourceRef, destPath string, progress downloader.ProgressFunc) error {
	info, err := c.resolveFile(ctx, ref)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	fileURL := fmt.Sprintf("%s/file/bot%s/%s", c.apiURL, c.token, info.FilePath)

	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(fileURL)
	if err != nil {
		return fmt.Errorf("file request failed: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != 200 {
		return fmt.Errorf("file request returned status %d", resp.StatusCode())
	}

	total := info.FileSize
	if total == 0 {
		total = resp.RawResponse.ContentLength
	}

	tmpPath := destPath + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(out, newProgressReader(body, total, progress))
	closeErr := out.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("transfer failed after %d bytes: %w", written, err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finish file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	c.logger.Info().
		Int64("chatId", ref.ChatID).
		Int64("messageId", ref.MessageID).
		Int64("bytes", written).
		Str("path", destPath).
		Msg("Downloaded file")
	return nil
}

// resolveFile asks the API for the file behind a chat/message pair.
func (c *Client) resolveFile(ctx context.Context, ref downloader.SourceRef) (*fileInfo, error) {
	var result getFileResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("chat_id", fmt.Sprintf("%d", ref.ChatID)).
		SetQueryParam("message_id", fmt.Sprintf("%d", ref.MessageID)).
		SetResult(&result).
		Get(fmt.Sprintf("%s/bot%s/getFile", c.apiURL, c.token))
	if err != nil {
		return nil, fmt.Errorf("getFile request failed: %w", err)
	}

	if resp.StatusCode() != 200 || !result.OK {
		if result.Description != "" {
			return nil, fmt.Errorf("getFile rejected: %s", result.Description)
		}
		return nil, fmt.Errorf("getFile returned status %d", resp.StatusCode())
	}

	if result.Result.FilePath == "" {
		return nil, ErrNoFile
	}

	return &result.Result, nil
}

// progressReader reports cumulative byte counts to a callback as it reads.
type progressReader struct {
	r        io.Reader
	total    int64
	done     int64
	progress downloader.ProgressFunc
}

func newProgressReader(r io.Reader, total int64, progress downloader.ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, progress: progress}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.done += int64(n)
		if p.progress != nil {
			p.progress(p.done, p.total)
		}
	}
	return n, err
}
