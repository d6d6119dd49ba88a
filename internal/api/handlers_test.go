package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teledm/teledm/internal/downloader"
	"github.com/teledm/teledm/internal/store"
	"github.com/teledm/teledm/internal/testutil"
	"github.com/teledm/teledm/internal/websocket"
)

// stubFetcher blocks until released so tests control download lifetimes.
type stubFetcher struct {
	gate chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, ref downloader.SourceRef, destPath string, progress downloader.ProgressFunc) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
		}
	}
	return nil
}

func setupTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	tdb := testutil.NewTestDB(t)
	st := store.New(tdb.Conn, tdb.Logger)

	engine := downloader.New(downloader.Config{
		DownloadPath:  t.TempDir(),
		MaxConcurrent: 1,
		PollTimeout:   20 * time.Millisecond,
	}, st, &stubFetcher{}, tdb.Logger)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Stop(ctx)
	})

	hub := websocket.NewHub()
	go hub.Run()

	return NewServer(engine, hub, tdb.Logger), st
}

func doRequest(ts *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.Echo().ServeHTTP(rec, req)
	return rec
}

func waitForStatus(t *testing.T, st *store.Store, fingerprint string, want store.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		dl, err := st.Get(context.Background(), fingerprint)
		if err == nil && dl.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %s", fingerprint, want)
}

func TestHealthCheck(t *testing.T) {
	ts, _ := setupTestServer(t)

	rec := doRequest(ts, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["running"] != true {
		t.Errorf("running = %v, want true", body["running"])
	}
}

func TestSubmitDownload(t *testing.T) {
	ts, st := setupTestServer(t)

	rec := doRequest(ts, http.MethodPost, "/api/v1/downloads",
		`{"chatId": 100, "messageId": 7, "fileName": "video.mp4", "fileSize": 2048}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /downloads status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var body downloadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if body.Fingerprint != "100:7" {
		t.Errorf("fingerprint = %q, want 100:7", body.Fingerprint)
	}

	waitForStatus(t, st, "100:7", store.StatusCompleted)

	// Resubmitting the same pair returns the existing record.
	rec = doRequest(ts, http.MethodPost, "/api/v1/downloads",
		`{"chatId": 100, "messageId": 7, "fileName": "video.mp4"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("duplicate POST status = %d, want 202", rec.Code)
	}

	all, err := st.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("download count after duplicate submit = %d, want 1", len(all))
	}
}

func TestSubmitDownload_Validation(t *testing.T) {
	ts, _ := setupTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing chat", `{"messageId": 7, "fileName": "a.bin"}`},
		{"missing message", `{"chatId": 100, "fileName": "a.bin"}`},
		{"negative message", `{"chatId": 100, "messageId": -1, "fileName": "a.bin"}`},
		{"missing file name", `{"chatId": 100, "messageId": 7}`},
		{"malformed json", `{"chatId": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(ts, http.MethodPost, "/api/v1/downloads", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetDownload(t *testing.T) {
	ts, st := setupTestServer(t)

	doRequest(ts, http.MethodPost, "/api/v1/downloads",
		`{"chatId": 100, "messageId": 7, "fileName": "video.mp4"}`)
	waitForStatus(t, st, "100:7", store.StatusCompleted)

	rec := doRequest(ts, http.MethodGet, "/api/v1/downloads/100:7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /downloads/100:7 status = %d, want 200", rec.Code)
	}

	var body downloadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if body.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", body.Status)
	}

	rec = doRequest(ts, http.MethodGet, "/api/v1/downloads/999:999", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown status = %d, want 404", rec.Code)
	}
}

func TestListDownloads(t *testing.T) {
	ts, st := setupTestServer(t)

	doRequest(ts, http.MethodPost, "/api/v1/downloads", `{"chatId": 1, "messageId": 1, "fileName": "a.bin"}`)
	doRequest(ts, http.MethodPost, "/api/v1/downloads", `{"chatId": 1, "messageId": 2, "fileName": "b.bin"}`)
	waitForStatus(t, st, "1:1", store.StatusCompleted)
	waitForStatus(t, st, "1:2", store.StatusCompleted)

	rec := doRequest(ts, http.MethodGet, "/api/v1/downloads", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /downloads status = %d, want 200", rec.Code)
	}

	var list []downloadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}

	rec = doRequest(ts, http.MethodGet, "/api/v1/downloads?status=completed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET filtered status = %d, want 200", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("completed list length = %d, want 2", len(list))
	}

	rec = doRequest(ts, http.MethodGet, "/api/v1/downloads?status=pending,failed", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("pending/failed list length = %d, want 0", len(list))
	}

	rec = doRequest(ts, http.MethodGet, "/api/v1/downloads?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("GET unknown status filter = %d, want 400", rec.Code)
	}
}

func TestCancelDownload(t *testing.T) {
	ts, st := setupTestServer(t)

	rec := doRequest(ts, http.MethodPost, "/api/v1/downloads/999:1/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown status = %d, want 404", rec.Code)
	}

	doRequest(ts, http.MethodPost, "/api/v1/downloads", `{"chatId": 2, "messageId": 1, "fileName": "a.bin"}`)
	waitForStatus(t, st, "2:1", store.StatusCompleted)

	// Cancelling a finished download is a no-op, not an error.
	rec = doRequest(ts, http.MethodPost, "/api/v1/downloads/2:1/cancel", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("cancel completed status = %d, want 204", rec.Code)
	}

	dl, _ := st.Get(context.Background(), "2:1")
	if dl.Status != store.StatusCompleted {
		t.Errorf("status after no-op cancel = %q, want completed", dl.Status)
	}
}

func TestRetryDownload(t *testing.T) {
	ts, st := setupTestServer(t)

	rec := doRequest(ts, http.MethodPost, "/api/v1/downloads/999:1/retry", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("retry unknown status = %d, want 404", rec.Code)
	}

	doRequest(ts, http.MethodPost, "/api/v1/downloads", `{"chatId": 3, "messageId": 1, "fileName": "a.bin"}`)
	waitForStatus(t, st, "3:1", store.StatusCompleted)

	rec = doRequest(ts, http.MethodPost, "/api/v1/downloads/3:1/retry", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("retry completed status = %d, want 409", rec.Code)
	}
}

func TestDeleteAndClearDownloads(t *testing.T) {
	ts, st := setupTestServer(t)
	ctx := context.Background()

	doRequest(ts, http.MethodPost, "/api/v1/downloads", `{"chatId": 4, "messageId": 1, "fileName": "a.bin"}`)
	doRequest(ts, http.MethodPost, "/api/v1/downloads", `{"chatId": 4, "messageId": 2, "fileName": "b.bin"}`)
	waitForStatus(t, st, "4:1", store.StatusCompleted)
	waitForStatus(t, st, "4:2", store.StatusCompleted)

	rec := doRequest(ts, http.MethodDelete, "/api/v1/downloads/4:1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", rec.Code)
	}
	if _, err := st.Get(ctx, "4:1"); err != store.ErrNotFound {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	rec = doRequest(ts, http.MethodDelete, "/api/v1/downloads/finished", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /finished status = %d, want 200", rec.Code)
	}
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if body["removed"] != 1 {
		t.Errorf("removed = %d, want 1", body["removed"])
	}

	all, _ := st.ListAll(ctx)
	if len(all) != 0 {
		t.Errorf("downloads after clear = %d, want 0", len(all))
	}
}
