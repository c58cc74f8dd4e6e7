package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/docsync/internal/models"
)

// listSettings handles GET /settings
func (a *API) listSettings(c echo.Context) error {
	all, err := a.Store.Settings().All(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	if all == nil {
		all = []*models.Setting{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"settings": all})
}

// getSetting handles GET /settings/:key
func (a *API) getSetting(c echo.Context) error {
	key := c.Param("key")
	value, err := a.Store.Settings().Get(c.Request().Context(), key)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"key": key, "value": value})
}

type settingRequest struct {
	Value *string `json:"value"`
}

// putSetting handles PUT /settings/:key {"value": "..."}
// Keys under "sync." belong to the engine and are read-only here.
func (a *API) putSetting(c echo.Context) error {
	key := c.Param("key")
	if strings.HasPrefix(key, "sync.") {
		return badRequest(c, "sync bookkeeping settings are read-only")
	}
	var req settingRequest
	if err := c.Bind(&req); err != nil || req.Value == nil {
		return badRequest(c, `body must be {"value": "..."}`)
	}
	if err := a.Store.Settings().Set(c.Request().Context(), key, *req.Value); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"key": key, "value": *req.Value})
}
