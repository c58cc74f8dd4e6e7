package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/docsync/internal/models"
	syncpkg "github.com/kimhsiao/docsync/internal/sync"
	"github.com/kimhsiao/docsync/internal/sync/scheduler"
)

// SyncStatusResponse combines scheduler state and sync log counters.
type SyncStatusResponse struct {
	scheduler.SchedulerStatus
	Log models.SyncLogStats `json:"log"`
}

// syncStatus handles GET /sync/status
func (a *API) syncStatus(c echo.Context) error {
	stats, err := a.Engine.Stats(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, SyncStatusResponse{
		SchedulerStatus: a.Scheduler.GetStatus(),
		Log:             stats,
	})
}

// syncNow handles POST /sync
// Runs a full pass and waits for it, online or not.
func (a *API) syncNow(c echo.Context) error {
	res, err := a.Scheduler.SyncNow(c.Request().Context())
	return passResult(c, res, err)
}

// upload handles POST /sync/upload
func (a *API) upload(c echo.Context) error {
	res, err := a.Engine.UploadPendingChanges(c.Request().Context())
	return passResult(c, res, err)
}

// download handles POST /sync/download
func (a *API) download(c echo.Context) error {
	res, err := a.Engine.DownloadRemoteChanges(c.Request().Context())
	return passResult(c, res, err)
}

func passResult(c echo.Context, res *syncpkg.SyncResult, err error) error {
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// syncLog handles GET /sync/log?status=&limit=
func (a *API) syncLog(c echo.Context) error {
	limit, err := intParam(c, "limit", 100)
	if err != nil {
		return fail(c, err)
	}
	status := models.EntryStatus(c.QueryParam("status"))
	if status == "" {
		status = models.EntryStatusPending
	}
	switch status {
	case models.EntryStatusPending, models.EntryStatusCompleted,
		models.EntryStatusFailed, models.EntryStatusDeadLetter:
	default:
		return badRequest(c, "unknown status "+string(status))
	}

	entries, err := a.Store.SyncLog().ListByStatus(c.Request().Context(), status, limit)
	if err != nil {
		return fail(c, err)
	}
	if entries == nil {
		entries = []*models.SyncLogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

// syncErrors handles GET /sync/errors. ?clear=true empties the history after reading.
func (a *API) syncErrors(c echo.Context) error {
	history := a.Engine.GetErrorHistory()
	if history == nil {
		history = []syncpkg.SyncErrorEntry{}
	}
	if c.QueryParam("clear") == "true" {
		a.Engine.ClearErrorHistory()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"errors": history})
}

// retryDeadLetters handles POST /sync/retry
func (a *API) retryDeadLetters(c echo.Context) error {
	n, err := a.Engine.RetryDeadLetters(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"requeued": n})
}

type onlineRequest struct {
	Online *bool `json:"online"`
}

// setOnline handles PUT /sync/online {"online": bool}
func (a *API) setOnline(c echo.Context) error {
	var req onlineRequest
	if err := c.Bind(&req); err != nil || req.Online == nil {
		return badRequest(c, `body must be {"online": true|false}`)
	}
	a.Scheduler.SetOnlineStatus(*req.Online)
	return c.JSON(http.StatusOK, a.Scheduler.GetStatus())
}
