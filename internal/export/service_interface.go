package export

import "context"

// ServiceInterface is what the API and the backup scheduler need from Service.
type ServiceInterface interface {
	Export(ctx context.Context) (*Snapshot, error)
	Import(ctx context.Context, snap *Snapshot) (*ImportResult, error)
	ExportToFile(ctx context.Context, path, password string) (*ExportResult, error)
	ImportFromFile(ctx context.Context, path, password string) (*ImportResult, error)
}

// Ensure *Service implements the interface at compile time.
var _ ServiceInterface = (*Service)(nil)
