package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/logging"
	"github.com/kimhsiao/docsync/internal/models"
	docsync "github.com/kimhsiao/docsync/internal/sync"
)

const envelopeVersion = 1

// envelope is the stored form of a record. Checksum covers the raw Record bytes.
type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Record   json.RawMessage `json:"record"`
}

// Options tunes an ObjectTransport.
type Options struct {
	// Prefix namespaces every key, so several stores can share one bucket or share.
	Prefix string
	// Concurrency bounds parallel downloads during Pull.
	Concurrency int
}

// ObjectTransport implements sync.Transport on an ObjectStore. A deleted
// record is kept as a tombstone object so other devices learn of the delete.
type ObjectTransport struct {
	store  ObjectStore
	prefix string
	limit  int
}

var _ docsync.Transport = (*ObjectTransport)(nil)

// NewObjectTransport creates an ObjectTransport over store.
func NewObjectTransport(store ObjectStore, opts Options) *ObjectTransport {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &ObjectTransport{store: store, prefix: prefix, limit: limit}
}

func (t *ObjectTransport) key(table, remoteID string) string {
	return t.prefix + ObjectKey(table, remoteID)
}

// Push writes op as the record's object. It refuses to overwrite an object
// whose updated_at is strictly newer than the operation's.
func (t *ObjectTransport) Push(ctx context.Context, op docsync.RemoteOp) error {
	if op.Table == "" || op.RemoteID == "" {
		return apperrors.New(apperrors.ErrInvalid, "push requires a table and a remote id")
	}
	key := t.key(op.Table, op.RemoteID)

	existing, err := t.fetch(ctx, key)
	switch {
	case errors.Is(err, ErrObjectNotFound):
	case apperrors.IsInvalidFormat(err):
		logging.Warn("Overwriting unreadable remote object", map[string]interface{}{"key": key, "error": err.Error()})
	case err != nil:
		return apperrors.Wrap(apperrors.ErrTransport, "read "+key, err)
	case existing.UpdatedAt.After(op.UpdatedAt):
		return apperrors.Newf(apperrors.ErrRemoteNewer, "%s changed remotely at %s", key, existing.UpdatedAt.Format(time.RFC3339Nano))
	}

	rec := docsync.RemoteRecord{
		Table:     op.Table,
		RemoteID:  op.RemoteID,
		Fields:    op.Fields,
		CreatedAt: op.CreatedAt.UTC(),
		UpdatedAt: op.UpdatedAt.UTC(),
	}
	if op.Operation == models.OperationDelete {
		rec.Fields = nil
		rec.Deleted = true
	}

	data, err := encode(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidFormat, "encode "+key, err)
	}
	if err := t.store.Upload(ctx, key, data); err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, "upload "+key, err)
	}

	logging.Debug("Pushed record", map[string]interface{}{
		"key":       key,
		"operation": op.Operation,
		"bytes":     len(data),
	})
	return nil
}

// Pull returns every record whose object was written at or after since by
// the store's clock, in arrival order. Unreadable objects are skipped.
func (t *ObjectTransport) Pull(ctx context.Context, since time.Time) ([]docsync.RemoteRecord, error) {
	infos, err := t.list(ctx)
	if err != nil {
		return nil, err
	}

	found := make([]*docsync.RemoteRecord, len(infos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.limit)
	for i, info := range infos {
		if info.ModTime.Before(since) {
			continue
		}
		i, info := i, info
		g.Go(func() error {
			key := info.Key
			rec, err := t.fetch(gctx, key)
			switch {
			case errors.Is(err, ErrObjectNotFound):
				// removed since the listing
				return nil
			case apperrors.IsInvalidFormat(err):
				logging.Warn("Skipping unreadable remote object", map[string]interface{}{"key": key, "error": err.Error()})
				return nil
			case err != nil:
				return apperrors.Wrap(apperrors.ErrTransport, "download "+key, err)
			}
			if t.key(rec.Table, rec.RemoteID) != key {
				logging.Warn("Skipping remote object stored under the wrong key", map[string]interface{}{
					"key":       key,
					"table":     rec.Table,
					"remote_id": rec.RemoteID,
				})
				return nil
			}
			rec.ChangedAt = info.ModTime.UTC()
			found[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]docsync.RemoteRecord, 0, len(found))
	for _, rec := range found {
		if rec != nil {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ChangedAt.Equal(out[j].ChangedAt) {
			return out[i].ChangedAt.Before(out[j].ChangedAt)
		}
		return t.key(out[i].Table, out[i].RemoteID) < t.key(out[j].Table, out[j].RemoteID)
	})
	return out, nil
}

// Fetch returns the current remote version of one record.
func (t *ObjectTransport) Fetch(ctx context.Context, table, remoteID string) (*docsync.RemoteRecord, error) {
	key := t.key(table, remoteID)
	rec, err := t.fetch(ctx, key)
	switch {
	case errors.Is(err, ErrObjectNotFound):
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s is not on the remote", key)
	case apperrors.IsInvalidFormat(err):
		return nil, err
	case err != nil:
		return nil, apperrors.Wrap(apperrors.ErrTransport, "download "+key, err)
	}
	return rec, nil
}

// Compact removes tombstones last changed before olderThan and returns how
// many were removed. Devices that have not synced since then keep the record.
func (t *ObjectTransport) Compact(ctx context.Context, olderThan time.Time) (int, error) {
	infos, err := t.list(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		key := info.Key
		rec, err := t.fetch(ctx, key)
		if errors.Is(err, ErrObjectNotFound) || apperrors.IsInvalidFormat(err) {
			continue
		}
		if err != nil {
			return removed, apperrors.Wrap(apperrors.ErrTransport, "download "+key, err)
		}
		if !rec.Deleted || !rec.UpdatedAt.Before(olderThan) {
			continue
		}
		if err := t.store.Delete(ctx, key); err != nil {
			return removed, apperrors.Wrap(apperrors.ErrTransport, "delete "+key, err)
		}
		removed++
	}
	if removed > 0 {
		logging.Info("Compacted remote tombstones", map[string]interface{}{"removed": removed, "older_than": olderThan})
	}
	return removed, nil
}

func (t *ObjectTransport) list(ctx context.Context) ([]ObjectInfo, error) {
	all, err := t.store.List(ctx, t.prefix)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "list remote objects", err)
	}
	infos := all[:0]
	for _, info := range all {
		if isRecordKey(strings.TrimPrefix(info.Key, t.prefix)) {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// fetch downloads and verifies one object. Undecodable or corrupted objects
// fail with ErrInvalidFormat.
func (t *ObjectTransport) fetch(ctx context.Context, key string) (*docsync.RemoteRecord, error) {
	data, err := t.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	rec, err := decode(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidFormat, path.Base(key), err)
	}
	return rec, nil
}

func encode(rec docsync.RemoteRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Version:  envelopeVersion,
		Checksum: CalculateHash(body),
		Record:   body,
	})
}

func decode(data []byte) (*docsync.RemoteRecord, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported object version %d", env.Version)
	}
	if sum := CalculateHash(env.Record); sum != env.Checksum {
		return nil, fmt.Errorf("checksum mismatch: expected %s, got %s", env.Checksum, sum)
	}
	var rec docsync.RemoteRecord
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
