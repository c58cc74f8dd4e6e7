package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/docsync/internal/app"
	"github.com/kimhsiao/docsync/internal/config"
	"github.com/kimhsiao/docsync/internal/models"
)

type env struct {
	dir        string
	configFile string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docsync.yaml")
	content := fmt.Sprintf(`data_dir: %s
log:
  level: error
remote:
  kind: dir
  root: %s
backup:
  dir: %s
  retention: 2
`, filepath.Join(dir, "data"), filepath.Join(dir, "remote"), filepath.Join(dir, "backups"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return &env{dir: dir, configFile: path}
}

// seed inserts documents through a short-lived app, the way another process would.
func (e *env) seed(t *testing.T, filenames ...string) {
	t.Helper()
	mgr, err := config.Load(config.Options{ConfigFile: e.configFile})
	require.NoError(t, err)
	a, err := app.New(context.Background(), mgr.Config())
	require.NoError(t, err)
	defer a.Close()
	for _, name := range filenames {
		_, err := a.Store.Insert(context.Background(), "documents", map[string]interface{}{"filename": name})
		require.NoError(t, err)
	}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", e.configFile}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (e *env) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestVersion(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun(t, "--version")
	assert.Contains(t, out, Version)
}

func TestSyncAndStatus(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "invoice.pdf", "receipt.png")

	var report StatusReport
	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, "status", "--json")), &report))
	assert.Equal(t, config.RemoteDir, report.Remote)
	assert.Equal(t, 2, report.PendingRecords)
	assert.Equal(t, 2, report.Log.Pending)
	assert.Nil(t, report.LastSync)
	assert.Positive(t, report.DatabaseBytes)

	out := e.mustRun(t, "sync")
	assert.Contains(t, out, "Sync complete")
	assert.Contains(t, out, "Uploaded: 2")

	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, "status", "--json")), &report))
	assert.Zero(t, report.PendingRecords)
	assert.Equal(t, 2, report.Log.Completed)
	require.NotNil(t, report.LastSync)
	assert.WithinDuration(t, time.Now(), *report.LastSync, time.Minute)

	out = e.mustRun(t, "status")
	assert.Contains(t, out, "Sync status")
	assert.Contains(t, out, "Pending:")
	assert.Contains(t, out, "0 record(s)")
	assert.Contains(t, out, "2 completed")
}

func TestUploadAndDownload(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a.txt")

	var res struct {
		Uploaded   int `json:"uploaded"`
		Downloaded int `json:"downloaded"`
	}
	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, "upload", "--json")), &res))
	assert.Equal(t, 1, res.Uploaded)

	out := e.mustRun(t, "download")
	assert.Contains(t, out, "Download complete")
	assert.NotContains(t, out, "Uploaded:")
}

func TestLog(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a.txt")

	out := e.mustRun(t, "log")
	assert.Contains(t, out, "create")
	assert.Contains(t, out, "documents/1")

	out = e.mustRun(t, "log", "--status", "dead_letter")
	assert.Contains(t, out, "No dead letter entries")

	e.mustRun(t, "sync")
	var entries []*models.SyncLogEntry
	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, "log", "-s", "completed", "--json")), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, models.OperationCreate, entries[0].OperationType)

	_, err := e.run(t, "log", "--status", "bogus")
	assert.Error(t, err)
}

func TestRetry(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun(t, "retry")
	assert.Contains(t, out, "No dead-lettered changes")
}

func TestCompact(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "gone.txt")
	e.mustRun(t, "sync")

	mgr, err := config.Load(config.Options{ConfigFile: e.configFile})
	require.NoError(t, err)
	a, err := app.New(context.Background(), mgr.Config())
	require.NoError(t, err)
	require.NoError(t, a.Store.Remove(context.Background(), "documents", 1))
	require.NoError(t, a.Close())

	e.mustRun(t, "sync")

	out := e.mustRun(t, "compact")
	assert.Contains(t, out, "No tombstones to remove")

	time.Sleep(5 * time.Millisecond)
	out = e.mustRun(t, "compact", "--older-than", "1ms")
	assert.Contains(t, out, "Removed 1 tombstone(s)")

	_, err = e.run(t, "compact", "--older-than", "0s")
	assert.Error(t, err)
}

func TestConflicts(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun(t, "conflicts", "--since", "yesterday")
	assert.Contains(t, out, "No conflicts")

	out = e.mustRun(t, "conflicts", "--json")
	assert.JSONEq(t, "[]", out)

	_, err := e.run(t, "conflicts", "--since", "gibberish words")
	assert.Error(t, err)
}

func TestExportImport(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "keep.txt", "also-keep.txt")

	out := e.mustRun(t, "export")
	assert.Contains(t, out, "Backup written to")
	assert.Contains(t, out, "2 item(s)")

	out = e.mustRun(t, "backups")
	assert.Contains(t, out, "docsync_")

	manual := filepath.Join(e.dir, "manual.json.enc")
	out = e.mustRun(t, "export", "-o", manual, "-p", "correct horse")
	assert.Contains(t, out, "encrypted")

	e.seed(t, "lost.txt")

	_, err := e.run(t, "import", manual, "-p", "correct horse")
	require.Error(t, err, "import without --force")

	_, err = e.run(t, "import", manual, "-p", "wrong password", "--force")
	require.Error(t, err)

	out = e.mustRun(t, "import", manual, "-p", "correct horse", "--force")
	assert.Contains(t, out, "Restored")
	assert.Contains(t, out, "documents:")

	var report StatusReport
	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, "status", "--json")), &report))
	assert.Equal(t, 2, report.PendingRecords)
}

func TestExport_PasswordNeedsOutput(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "export", "--password", "correct horse")
	assert.Error(t, err)
}

func TestBackups_Empty(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun(t, "backups")
	assert.Contains(t, out, "No backups")
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	got, err := parseSince("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseSince("2024-04-30T12:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 12, 0, 0, 0, time.UTC), got)

	got, err = parseSince("2024-04-28", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 28, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), got)

	got, err = parseSince("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, 30, got.Day())

	_, err = parseSince("no idea", now)
	assert.Error(t, err)
}
