// Package handlers provides the localhost REST API of the desktop server.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/docsync/internal/db"
	"github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/export"
	backupscheduler "github.com/kimhsiao/docsync/internal/export/scheduler"
	"github.com/kimhsiao/docsync/internal/logging"
	syncpkg "github.com/kimhsiao/docsync/internal/sync"
	"github.com/kimhsiao/docsync/internal/sync/scheduler"
)

// Broadcaster pushes events to connected clients.
type Broadcaster interface {
	Broadcast(eventType string, data map[string]interface{})
}

// Deps are the components the API serves.
type Deps struct {
	Store           *db.Store
	Engine          *syncpkg.Engine
	Scheduler       *scheduler.Scheduler
	Backups         export.ServiceInterface
	BackupScheduler *backupscheduler.Scheduler
	Events          Broadcaster
}

// API groups the handlers.
type API struct {
	Deps
}

// Register mounts every route on g.
func Register(g *echo.Group, deps Deps) *API {
	if deps.Events == nil {
		deps.Events = nopBroadcaster{}
	}
	a := &API{Deps: deps}
	deps.BackupScheduler.SetHook(a.onExport)

	g.GET("/health", a.health)

	g.GET("/records/:table", a.listRecords)
	g.POST("/records/:table", a.createRecord)
	g.GET("/records/:table/:id", a.getRecord)
	g.PATCH("/records/:table/:id", a.updateRecord)
	g.DELETE("/records/:table/:id", a.deleteRecord)

	g.GET("/sync/status", a.syncStatus)
	g.POST("/sync", a.syncNow)
	g.POST("/sync/upload", a.upload)
	g.POST("/sync/download", a.download)
	g.GET("/sync/log", a.syncLog)
	g.GET("/sync/errors", a.syncErrors)
	g.POST("/sync/retry", a.retryDeadLetters)
	g.PUT("/sync/online", a.setOnline)

	g.GET("/conflicts", a.listConflicts)

	g.GET("/settings", a.listSettings)
	g.GET("/settings/:key", a.getSetting)
	g.PUT("/settings/:key", a.putSetting)

	g.GET("/backups", a.listBackups)
	g.POST("/backups/export", a.exportBackup)
	g.POST("/backups/import", a.importBackup)
	return a
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, map[string]interface{}) {}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusOf maps an error code to its HTTP status.
func statusOf(code errors.ErrorCode) int {
	switch code {
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrInvalid, errors.ErrInvalidFormat:
		return http.StatusBadRequest
	case errors.ErrInvalidPassword:
		return http.StatusUnauthorized
	case errors.ErrConstraint, errors.ErrPendingSync, errors.ErrSyncInProgress:
		return http.StatusConflict
	case errors.ErrTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c echo.Context, err error) error {
	code := errors.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		logging.Error("Request failed", err, map[string]interface{}{
			"method": c.Request().Method,
			"path":   c.Path(),
		})
	}
	return c.JSON(status, ErrorResponse{Error: err.Error(), Code: string(code)})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: string(errors.ErrInvalid)})
}

// intParam reads an optional non-negative integer query parameter.
func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Newf(errors.ErrInvalid, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func (a *API) health(c echo.Context) error {
	if err := a.Store.DB().Ping(c.Request().Context()); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "docsync-desktop"})
}
