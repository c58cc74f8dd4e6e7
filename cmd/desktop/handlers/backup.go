package handlers

import (
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/export"
	backupscheduler "github.com/kimhsiao/docsync/internal/export/scheduler"
	"github.com/kimhsiao/docsync/internal/logging"
)

// Backup event types pushed to clients.
const (
	EventExportCompleted = "export.completed"
	EventExportFailed    = "export.failed"
	EventImportCompleted = "import.completed"
	EventImportFailed    = "import.failed"
)

type backupRequest struct {
	Path     string `json:"path"`
	Password string `json:"password"`
}

// resolve places a relative path inside the backup directory.
func (a *API) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(a.BackupScheduler.GetConfig().ExportDir, path)
}

// listBackups handles GET /backups
func (a *API) listBackups(c echo.Context) error {
	dir := a.BackupScheduler.GetConfig().ExportDir
	archives, err := backupscheduler.ListArchives(dir)
	if err != nil {
		return fail(c, errors.Wrap(errors.ErrInternal, "failed to list backups", err))
	}
	if archives == nil {
		archives = []*backupscheduler.ArchiveInfo{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"dir": dir, "backups": archives})
}

// exportBackup handles POST /backups/export
// Without a path the backup goes through the scheduler, which names the file
// and applies retention. With a path the snapshot is written exactly there.
func (a *API) exportBackup(c echo.Context) error {
	var req backupRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	ctx := c.Request().Context()
	if req.Path == "" && req.Password == "" {
		// reported through the scheduler hook
		result, err := a.BackupScheduler.RunNow(ctx)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, result)
	}

	path := a.resolve(req.Path)
	if path == "" {
		return badRequest(c, "path is required with a password")
	}
	result, err := a.Backups.ExportToFile(ctx, path, req.Password)
	a.onExport(result, err)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// onExport broadcasts the outcome of any export, scheduled or requested.
func (a *API) onExport(result *export.ExportResult, err error) {
	if err != nil {
		a.Events.Broadcast(EventExportFailed, map[string]interface{}{"error": err.Error()})
		return
	}
	a.Events.Broadcast(EventExportCompleted, map[string]interface{}{
		"file_path":  result.FilePath,
		"size_bytes": result.SizeBytes,
		"item_count": result.ItemCount,
		"checksum":   result.Checksum,
		"encrypted":  result.Encrypted,
	})
}

// importBackup handles POST /backups/import {"path": "...", "password": "..."}
// The import replaces every table; pending local changes are discarded.
func (a *API) importBackup(c echo.Context) error {
	var req backupRequest
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return badRequest(c, "path is required")
	}
	path := a.resolve(req.Path)

	result, err := a.Backups.ImportFromFile(c.Request().Context(), path, req.Password)
	if err != nil {
		a.Events.Broadcast(EventImportFailed, map[string]interface{}{"error": err.Error()})
		return fail(c, err)
	}

	logging.Info("Backup restored", map[string]interface{}{
		"path":     path,
		"tables":   result.Tables,
		"settings": result.Settings,
	})
	a.Events.Broadcast(EventImportCompleted, map[string]interface{}{
		"file_path": path,
		"tables":    result.Tables,
	})
	return c.JSON(http.StatusOK, result)
}
