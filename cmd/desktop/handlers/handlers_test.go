package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/docsync/internal/app"
	"github.com/kimhsiao/docsync/internal/config"
	"github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/models"
)

type recordedEvent struct {
	Type string
	Data map[string]interface{}
}

type fakeBroadcaster struct {
	mu     gosync.Mutex
	events []recordedEvent
}

func (f *fakeBroadcaster) Broadcast(eventType string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Type: eventType, Data: data})
}

func (f *fakeBroadcaster) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type testServer struct {
	e      *echo.Echo
	app    *app.App
	events *fakeBroadcaster
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir: filepath.Join(dir, "data"),
		Log:     config.LogConfig{Level: "error"},
		Sync: config.SyncConfig{
			Interval:         time.Hour,
			FlushInterval:    time.Hour,
			RequestTimeout:   5 * time.Second,
			MaxAttempts:      3,
			BackoffBase:      time.Second,
			BackoffMax:       time.Minute,
			ConflictStrategy: "last_write_wins",
		},
		Remote: config.RemoteConfig{Kind: config.RemoteMemory},
		Backup: config.BackupConfig{Dir: filepath.Join(dir, "backups"), Interval: "manual", Retention: 2},
	}
	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	events := &fakeBroadcaster{}
	e := echo.New()
	Register(e.Group("/api"), Deps{
		Store:           a.Store,
		Engine:          a.Engine,
		Scheduler:       a.Scheduler,
		Backups:         a.Backups,
		BackupScheduler: a.BackupScheduler,
		Events:          events,
	})
	return &testServer{e: e, app: a, events: events}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (s *testServer) create(t *testing.T, table string, fields map[string]interface{}) *models.Record {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/records/"+table, fields)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out models.Record
	decode(t, rec, &out)
	return &out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRecords_CRUD(t *testing.T) {
	s := newTestServer(t)

	doc := s.create(t, "documents", map[string]interface{}{
		"filename":  "invoice.pdf",
		"file_size": 2048,
	})
	assert.Equal(t, "invoice.pdf", doc.Fields["filename"])
	assert.True(t, doc.IsDirty)
	assert.Equal(t, models.SyncStatusPending, doc.SyncStatus)
	assert.NotEmpty(t, doc.RemoteID)

	path := "/api/records/documents/" + itoa(doc.ID)
	rec := s.do(t, http.MethodPatch, path, map[string]interface{}{"processing_status": "done"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Record
	decode(t, rec, &updated)
	assert.Equal(t, "done", updated.Fields["processing_status"])
	assert.Equal(t, "invoice.pdf", updated.Fields["filename"])

	rec = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecords_List(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "documents", map[string]interface{}{"filename": "a.txt"})
	s.create(t, "documents", map[string]interface{}{"filename": "b.pdf"})
	s.create(t, "documents", map[string]interface{}{"filename": "c.pdf"})

	var list RecordList
	rec := s.do(t, http.MethodGet, "/api/records/documents?limit=2&order=filename&asc=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &list)
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "a.txt", list.Items[0].Fields["filename"])

	rec = s.do(t, http.MethodGet, "/api/records/documents?field=filename&contains=.pdf&status=pending&dirty=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &list)
	assert.Equal(t, 2, list.Total)

	rec = s.do(t, http.MethodGet, "/api/records/documents?status=synced", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	assert.Zero(t, list.Total)
	assert.NotNil(t, list.Items)
}

func TestRecords_Errors(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   errors.ErrorCode
	}{
		{"unknown table", http.MethodGet, "/api/records/invoices", nil, http.StatusBadRequest, errors.ErrInvalid},
		{"bad id", http.MethodGet, "/api/records/documents/abc", nil, http.StatusBadRequest, errors.ErrInvalid},
		{"missing", http.MethodGet, "/api/records/documents/42", nil, http.StatusNotFound, errors.ErrNotFound},
		{"unknown field", http.MethodPost, "/api/records/documents", map[string]interface{}{"owner": "x"}, http.StatusBadRequest, errors.ErrInvalid},
		{"empty body", http.MethodPost, "/api/records/documents", map[string]interface{}{}, http.StatusBadRequest, errors.ErrInvalid},
		{"bad status", http.MethodGet, "/api/records/documents?status=lost", nil, http.StatusBadRequest, errors.ErrInvalid},
		{"bad limit", http.MethodGet, "/api/records/documents?limit=-1", nil, http.StatusBadRequest, errors.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			var resp ErrorResponse
			decode(t, rec, &resp)
			assert.Equal(t, string(tt.code), resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestRecords_DuplicateEmail(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "user_profiles", map[string]interface{}{"email": "ana@example.com"})
	rec := s.do(t, http.MethodPost, "/api/records/user_profiles", map[string]interface{}{"email": "ana@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRecords_PurgeNeedsSync(t *testing.T) {
	s := newTestServer(t)
	doc := s.create(t, "documents", map[string]interface{}{"filename": "draft.txt"})
	path := "/api/records/documents/" + itoa(doc.ID) + "?purge=true"

	rec := s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSync_Endpoints(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "documents", map[string]interface{}{"filename": "a.txt"})

	var status SyncStatusResponse
	rec := s.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &status)
	assert.True(t, status.IsOnline)
	assert.Equal(t, 1, status.PendingItems)
	assert.Equal(t, 1, status.Log.Pending)

	rec = s.do(t, http.MethodGet, "/api/sync/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"operation_type":"create"`)

	rec = s.do(t, http.MethodPost, "/api/sync/upload", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"uploaded":1`)

	rec = s.do(t, http.MethodPost, "/api/sync/download", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/sync/status", nil)
	decode(t, rec, &status)
	assert.Zero(t, status.PendingItems)
	assert.Equal(t, 1, status.Log.Completed)

	rec = s.do(t, http.MethodGet, "/api/sync/log?status=completed&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = s.do(t, http.MethodGet, "/api/sync/log?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/sync/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requeued":0}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/sync/errors?clear=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"errors":[]}`, rec.Body.String())
}

func TestSync_Online(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/sync/online", map[string]interface{}{"online": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, s.app.Scheduler.IsOnline())

	rec = s.do(t, http.MethodPut, "/api/sync/online", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettings(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/settings/ui.language", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/settings/ui.language", map[string]interface{}{"value": "fr"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/settings/ui.language", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":"ui.language","value":"fr"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ui.language"`)

	rec = s.do(t, http.MethodPut, "/api/settings/sync.download_watermark", map[string]interface{}{"value": "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/settings/theme", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConflicts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conflicts":[]}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/conflicts?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/conflicts?since=2024-05-01T00:00:00Z&limit=5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBackups_ScheduledExportAndImport(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "documents", map[string]interface{}{"filename": "keep.txt"})

	rec := s.do(t, http.MethodPost, "/api/backups/export", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var exported struct {
		FilePath  string `json:"file_path"`
		ItemCount int    `json:"item_count"`
	}
	decode(t, rec, &exported)
	assert.Equal(t, 1, exported.ItemCount)

	var listed struct {
		Backups []struct {
			Path string `json:"path"`
		} `json:"backups"`
	}
	rec = s.do(t, http.MethodGet, "/api/backups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &listed)
	require.Len(t, listed.Backups, 1)
	assert.Equal(t, exported.FilePath, listed.Backups[0].Path)

	s.create(t, "documents", map[string]interface{}{"filename": "lost.txt"})

	rec = s.do(t, http.MethodPost, "/api/backups/import",
		map[string]interface{}{"path": filepath.Base(exported.FilePath)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var list RecordList
	rec = s.do(t, http.MethodGet, "/api/records/documents", nil)
	decode(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "keep.txt", list.Items[0].Fields["filename"])

	assert.Equal(t, []string{EventExportCompleted, EventImportCompleted}, s.events.types())
}

func TestBackups_EncryptedExport(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "documents", map[string]interface{}{"filename": "secret.txt"})

	rec := s.do(t, http.MethodPost, "/api/backups/export",
		map[string]interface{}{"path": "manual.json.enc", "password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"encrypted":true`)

	rec = s.do(t, http.MethodPost, "/api/backups/import",
		map[string]interface{}{"path": "manual.json.enc", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/backups/import",
		map[string]interface{}{"path": "missing.json"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/backups/import", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	types := strings.Join(s.events.types(), ",")
	assert.Equal(t, "export.completed,import.failed,import.failed", types)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
