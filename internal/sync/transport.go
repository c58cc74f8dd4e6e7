package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/docsync/internal/models"
)

// Transport moves records between the local store and the remote authority.
// Implementations must treat Push as an upsert keyed by (Table, RemoteID) and
// a delete of an unknown record as success, so that retried pushes are safe.
type Transport interface {
	// Push sends one coalesced change. It fails with ErrRemoteNewer when the
	// remote already holds a strictly newer version of the record.
	Push(ctx context.Context, op RemoteOp) error

	// Pull returns every remote record that reached the remote at or after
	// since, by the remote's clock, ordered by ChangedAt.
	Pull(ctx context.Context, since time.Time) ([]RemoteRecord, error)

	// Fetch returns the remote version of one record, or an ErrNotFound error.
	Fetch(ctx context.Context, table, remoteID string) (*RemoteRecord, error)
}

// RemoteOp is a local change on its way to the remote.
type RemoteOp struct {
	Operation models.Operation       `json:"operation"`
	Table     string                 `json:"table"`
	RemoteID  string                 `json:"remote_id"`
	Fields    map[string]interface{} `json:"fields"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// RemoteRecord is a record as the remote knows it.
type RemoteRecord struct {
	Table     string                 `json:"table"`
	RemoteID  string                 `json:"remote_id"`
	Fields    map[string]interface{} `json:"fields"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Deleted   bool                   `json:"deleted,omitempty"`

	// ChangedAt is when the remote stored this version. It orders downloads
	// and is independent of the clock of the device that made the change.
	ChangedAt time.Time `json:"-"`
}

// Record converts the remote record to the local record shape, for conflict comparison.
func (r RemoteRecord) Record() *models.Record {
	return &models.Record{
		RemoteID:   models.UUID(r.RemoteID),
		Table:      r.Table,
		Fields:     r.Fields,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		SyncStatus: models.SyncStatusSynced,
		IsDeleted:  r.Deleted,
	}
}
