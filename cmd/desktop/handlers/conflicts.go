package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/docsync/internal/models"
)

// listConflicts handles GET /conflicts?since=RFC3339&limit=
func (a *API) listConflicts(c echo.Context) error {
	limit, err := intParam(c, "limit", 100)
	if err != nil {
		return fail(c, err)
	}
	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			return badRequest(c, "since must be an RFC 3339 timestamp")
		}
	}

	conflicts, err := a.Store.Conflicts().List(c.Request().Context(), since, limit)
	if err != nil {
		return fail(c, err)
	}
	if conflicts == nil {
		conflicts = []*models.ConflictLog{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}
