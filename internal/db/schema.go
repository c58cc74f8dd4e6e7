package db

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
)

// ColumnKind describes how a domain column is stored and coerced.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindInteger
	KindReal
	KindJSON
)

// Column is a domain column of a syncable table.
type Column struct {
	Name string
	Kind ColumnKind
}

// Table describes a syncable table. Every syncable table also carries the
// bookkeeping columns listed in bookkeepingColumns.
type Table struct {
	Name    string
	Columns []Column
	byName  map[string]Column
}

// bookkeepingColumns are selected ahead of the domain columns, in this order.
var bookkeepingColumns = []string{
	"id", "remote_id", "created_at", "updated_at", "is_dirty", "sync_status", "last_sync", "is_deleted",
}

var registry = map[string]*Table{}

func register(name string, cols ...Column) *Table {
	t := &Table{Name: name, Columns: cols, byName: make(map[string]Column, len(cols))}
	for _, c := range cols {
		t.byName[c.Name] = c
	}
	registry[name] = t
	return t
}

// Registered syncable tables.
var (
	Documents = register("documents",
		Column{"filename", KindText},
		Column{"original_path", KindText},
		Column{"file_type", KindText},
		Column{"file_size", KindInteger},
		Column{"processing_status", KindText},
		Column{"processed_data", KindJSON},
		Column{"extracted_text", KindText},
		Column{"confidence_score", KindReal},
	)
	UserProfiles = register("user_profiles",
		Column{"email", KindText},
		Column{"display_name", KindText},
		Column{"preferences", KindJSON},
	)
)

// LookupTable returns the registered syncable table with the given name.
func LookupTable(name string) (*Table, error) {
	t, ok := registry[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown table %q", name)
	}
	return t, nil
}

// Tables returns every syncable table ordered by name.
func Tables() []*Table {
	out := make([]*Table, 0, len(registry))
	for _, t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Column returns the named domain column.
func (t *Table) Column(name string) (Column, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// sortable reports whether name may be used in ORDER BY or a filter.
func (t *Table) sortable(name string) bool {
	if _, ok := t.byName[name]; ok {
		return true
	}
	for _, c := range bookkeepingColumns {
		if c == name {
			return true
		}
	}
	return false
}

func (t *Table) selectList() string {
	cols := make([]string, 0, len(bookkeepingColumns)+len(t.Columns))
	cols = append(cols, bookkeepingColumns...)
	for _, c := range t.Columns {
		cols = append(cols, c.Name)
	}
	return strings.Join(cols, ", ")
}

// encode validates fields against the table and returns column names and
// driver values in a deterministic order.
func (t *Table) encode(fields map[string]interface{}) ([]string, []interface{}, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := t.byName[name]; !ok {
			return nil, nil, apperrors.Newf(apperrors.ErrInvalid, "unknown field %q for table %s", name, t.Name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]interface{}, 0, len(names))
	for _, name := range names {
		v, err := encodeValue(t.byName[name], fields[name])
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("field %s.%s", t.Name, name), err)
		}
		args = append(args, v)
	}
	return names, args, nil
}

// DomainFields keeps the entries of a flat snapshot that name domain columns.
func (t *Table) DomainFields(snapshot map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(t.Columns))
	for _, c := range t.Columns {
		if v, ok := snapshot[c.Name]; ok {
			out[c.Name] = v
		}
	}
	return out
}

func encodeValue(c Column, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Kind {
	case KindText:
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			return s.String(), nil
		case fmt.Stringer:
			return s.String(), nil
		}
		return nil, fmt.Errorf("expected text, got %T", v)
	case KindInteger:
		return toInt64(v)
	case KindReal:
		return toFloat64(v)
	case KindJSON:
		if raw, ok := v.(json.RawMessage); ok {
			if !json.Valid(raw) {
				return nil, fmt.Errorf("invalid JSON")
			}
			return string(raw), nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return nil, fmt.Errorf("unsupported column kind %d", c.Kind)
}

func decodeValue(c Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	switch c.Kind {
	case KindText:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprint(raw), nil
	case KindInteger:
		return toInt64(raw)
	case KindReal:
		return toFloat64(raw)
	case KindJSON:
		s, ok := raw.(string)
		if !ok {
			return raw, nil
		}
		var out interface{}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return raw, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}
