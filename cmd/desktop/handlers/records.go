package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/docsync/internal/db"
	"github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/models"
)

// RecordView is a record plus its last push failure, if any.
type RecordView struct {
	*models.Record
	LastError string `json:"last_error,omitempty"`
}

// RecordList is a page of records.
type RecordList struct {
	Items []*models.Record `json:"items"`
	Total int              `json:"total"`
}

func recordID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Newf(errors.ErrInvalid, "invalid record id %q", c.Param("id"))
	}
	return id, nil
}

// bindFields decodes the body as a field map. c.Bind is avoided so the
// :table and :id path params do not end up among the fields.
func bindFields(c echo.Context) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := c.Echo().JSONSerializer.Deserialize(c, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// listRecords handles GET /records/:table
// Query: status, dirty, field+contains, order, asc, limit, offset, include_deleted.
func (a *API) listRecords(c echo.Context) error {
	limit, err := intParam(c, "limit", 50)
	if err != nil {
		return fail(c, err)
	}
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return fail(c, err)
	}

	fb := db.NewFilterBuilder()
	if s := c.QueryParam("status"); s != "" {
		status := models.SyncStatus(s)
		if !status.Valid() {
			return badRequest(c, "unknown status "+s)
		}
		fb.SyncStatus(status)
	}
	if d := c.QueryParam("dirty"); d != "" {
		dirty, err := strconv.ParseBool(d)
		if err != nil {
			return badRequest(c, "dirty must be a boolean")
		}
		fb.Dirty(dirty)
	}
	if field, substr := c.QueryParam("field"), c.QueryParam("contains"); field != "" && substr != "" {
		fb.Contains(field, substr)
	}

	q := db.Query{
		Filters:        fb.Filters(),
		OrderBy:        c.QueryParam("order"),
		Ascending:      c.QueryParam("asc") == "true",
		IncludeDeleted: c.QueryParam("include_deleted") == "true",
	}
	ctx := c.Request().Context()
	table := c.Param("table")

	total, err := a.Store.Count(ctx, table, q)
	if err != nil {
		return fail(c, err)
	}
	q.Limit, q.Offset = limit, offset
	items, err := a.Store.Query(ctx, table, q)
	if err != nil {
		return fail(c, err)
	}
	if items == nil {
		items = []*models.Record{}
	}
	return c.JSON(http.StatusOK, RecordList{Items: items, Total: total})
}

// getRecord handles GET /records/:table/:id
func (a *API) getRecord(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return fail(c, err)
	}
	ctx := c.Request().Context()
	rec, err := a.Store.Get(ctx, c.Param("table"), id)
	if err != nil {
		return fail(c, err)
	}
	view := RecordView{Record: rec}
	if rec.SyncStatus == models.SyncStatusFailed {
		if view.LastError, err = a.Store.LastSyncError(ctx, rec.Table, rec.ID); err != nil {
			return fail(c, err)
		}
	}
	return c.JSON(http.StatusOK, view)
}

// createRecord handles POST /records/:table with a JSON object of fields.
func (a *API) createRecord(c echo.Context) error {
	fields, err := bindFields(c)
	if err != nil || len(fields) == 0 {
		return badRequest(c, "body must be a JSON object of fields")
	}
	ctx := c.Request().Context()
	table := c.Param("table")
	id, err := a.Store.Insert(ctx, table, fields)
	if err != nil {
		return fail(c, err)
	}
	rec, err := a.Store.Get(ctx, table, id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

// updateRecord handles PATCH /records/:table/:id with the changed fields.
func (a *API) updateRecord(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return fail(c, err)
	}
	fields, err := bindFields(c)
	if err != nil {
		return badRequest(c, "body must be a JSON object of fields")
	}
	ctx := c.Request().Context()
	table := c.Param("table")
	if err := a.Store.Update(ctx, table, id, fields); err != nil {
		return fail(c, err)
	}
	rec, err := a.Store.Get(ctx, table, id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// deleteRecord handles DELETE /records/:table/:id. The record is tombstoned
// so the delete syncs; ?purge=true removes a fully synced record outright.
func (a *API) deleteRecord(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return fail(c, err)
	}
	ctx := c.Request().Context()
	table := c.Param("table")
	if c.QueryParam("purge") == "true" {
		err = a.Store.Delete(ctx, table, id)
	} else {
		err = a.Store.Remove(ctx, table, id)
	}
	if err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
