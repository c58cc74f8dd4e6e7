package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/docsync/internal/models"
)

// Filter represents a single query filter condition.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// columnFilter is implemented by filters that name a column, so the column
// can be checked against the table before it is spliced into SQL.
type columnFilter interface {
	column() string
}

// SyncStatusFilter filters by sync status.
type SyncStatusFilter struct {
	Status models.SyncStatus
}

func (f *SyncStatusFilter) Valid() bool { return f.Status.Valid() }
func (f *SyncStatusFilter) SQL() string { return "sync_status = ?" }
func (f *SyncStatusFilter) Args() []interface{} { return []interface{}{string(f.Status)} }

// DirtyFilter filters by the dirty flag.
type DirtyFilter struct {
	Dirty bool
}

func (f *DirtyFilter) Valid() bool { return true }
func (f *DirtyFilter) SQL() string { return "is_dirty = ?" }
func (f *DirtyFilter) Args() []interface{} {
	if f.Dirty {
		return []interface{}{1}
	}
	return []interface{}{0}
}

// FieldEqualsFilter matches a column against a value.
type FieldEqualsFilter struct {
	Field string
	Value interface{}
}

func (f *FieldEqualsFilter) Valid() bool { return f.Field != "" }
func (f *FieldEqualsFilter) SQL() string { return f.Field + " = ?" }
func (f *FieldEqualsFilter) Args() []interface{} { return []interface{}{f.Value} }
func (f *FieldEqualsFilter) column() string { return f.Field }

// ContainsFilter matches a text column containing a substring.
type ContainsFilter struct {
	Field  string
	Substr string
}

func (f *ContainsFilter) Valid() bool { return f.Field != "" && strings.TrimSpace(f.Substr) != "" }
func (f *ContainsFilter) SQL() string { return f.Field + ` LIKE ? ESCAPE '\'` }
func (f *ContainsFilter) Args() []interface{} {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return []interface{}{"%" + r.Replace(f.Substr) + "%"}
}
func (f *ContainsFilter) column() string { return f.Field }

// DateRangeFilter filters by creation time range. Either bound may be zero.
type DateRangeFilter struct {
	From time.Time
	To   time.Time
}

// Valid checks if the date range is valid.
func (f *DateRangeFilter) Valid() bool {
	if f.From.IsZero() && f.To.IsZero() {
		return false
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return false
	}
	return true
}

// SQL returns the SQL fragment for date range filtering.
func (f *DateRangeFilter) SQL() string {
	var parts []string
	if !f.From.IsZero() {
		parts = append(parts, "created_at >= ?")
	}
	if !f.To.IsZero() {
		parts = append(parts, "created_at <= ?")
	}
	return strings.Join(parts, " AND ")
}

// Args returns the arguments for date range filtering.
func (f *DateRangeFilter) Args() []interface{} {
	var args []interface{}
	if !f.From.IsZero() {
		args = append(args, toMillis(f.From))
	}
	if !f.To.IsZero() {
		args = append(args, toMillis(f.To))
	}
	return args
}

// FilterBuilder collects filters, silently dropping invalid ones.
type FilterBuilder struct {
	filters []Filter
}

// NewFilterBuilder creates a new FilterBuilder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{
		filters: make([]Filter, 0),
	}
}

func (fb *FilterBuilder) add(f Filter) *FilterBuilder {
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// SyncStatus adds a sync status filter.
func (fb *FilterBuilder) SyncStatus(status models.SyncStatus) *FilterBuilder {
	return fb.add(&SyncStatusFilter{Status: status})
}

// Dirty adds a dirty flag filter.
func (fb *FilterBuilder) Dirty(dirty bool) *FilterBuilder {
	return fb.add(&DirtyFilter{Dirty: dirty})
}

// Equals adds a column equality filter.
func (fb *FilterBuilder) Equals(field string, value interface{}) *FilterBuilder {
	return fb.add(&FieldEqualsFilter{Field: field, Value: value})
}

// Contains adds a substring filter.
func (fb *FilterBuilder) Contains(field, substr string) *FilterBuilder {
	return fb.add(&ContainsFilter{Field: field, Substr: substr})
}

// CreatedBetween adds a creation time range filter.
func (fb *FilterBuilder) CreatedBetween(from, to time.Time) *FilterBuilder {
	return fb.add(&DateRangeFilter{From: from, To: to})
}

// HasFilters returns true if any filters have been added.
func (fb *FilterBuilder) HasFilters() bool {
	return len(fb.filters) > 0
}

// Filters returns the collected filters.
func (fb *FilterBuilder) Filters() []Filter {
	return append([]Filter(nil), fb.filters...)
}

// String returns a string representation of the filters (for debugging).
func (fb *FilterBuilder) String() string {
	if !fb.HasFilters() {
		return "(no filters)"
	}
	var parts []string
	for _, filter := range fb.filters {
		parts = append(parts, fmt.Sprintf("%T", filter))
	}
	return strings.Join(parts, ", ")
}
