// Package remote implements the sync transport over plain object storage:
// every record is one JSON object at <table>/<remote_id>.json.
package remote

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// ObjectStore defines the interface for remote object storage.
type ObjectStore interface {
	// Upload creates or replaces the object at key.
	Upload(ctx context.Context, key string, data []byte) error

	// Download returns the object at key, or an error wrapping ErrObjectNotFound.
	Download(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at key. Deleting a missing object succeeds.
	Delete(ctx context.Context, key string) error

	// List returns every object below prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ObjectInfo describes a listed object. ModTime is the time the store last
// wrote the object, taken from the store's clock rather than the writer's.
type ObjectInfo struct {
	Key     string
	ModTime time.Time
}

// ErrObjectNotFound is returned by Download for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectKey returns the key of a record object.
func ObjectKey(table, remoteID string) string {
	return path.Join(table, remoteID+".json")
}

// isRecordKey reports whether key looks like <table>/<remote_id>.json.
func isRecordKey(key string) bool {
	dir, file := path.Split(key)
	return dir != "" && strings.HasSuffix(file, ".json") && !strings.HasPrefix(file, ".")
}
