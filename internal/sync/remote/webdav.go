package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"
)

// WebDAVConfig holds WebDAV connection settings.
type WebDAVConfig struct {
	URL      string
	User     string
	Password string
	// Root is the directory under which objects are stored.
	Root    string
	Timeout time.Duration
}

// WebDAVStore implements ObjectStore on a WebDAV server.
type WebDAVStore struct {
	client *gowebdav.Client
	root   string
}

// NewWebDAVStore creates a WebDAVStore. It does not contact the server.
func NewWebDAVStore(cfg WebDAVConfig) *WebDAVStore {
	client := gowebdav.NewClient(cfg.URL, cfg.User, cfg.Password)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &WebDAVStore{
		client: client,
		root:   "/" + strings.Trim(cfg.Root, "/"),
	}
}

// Connect verifies the server is reachable and the credentials are accepted.
func (s *WebDAVStore) Connect(ctx context.Context) error {
	return run(ctx, s.client.Connect)
}

// Upload writes data at key, creating parent collections as needed.
func (s *WebDAVStore) Upload(ctx context.Context, key string, data []byte) error {
	p := s.path(key)
	return run(ctx, func() error {
		if err := s.client.MkdirAll(path.Dir(p), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", path.Dir(p), err)
		}
		if err := s.client.WriteStream(p, bytes.NewReader(data), 0644); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		return nil
	})
}

// Download reads the object at key.
func (s *WebDAVStore) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := run(ctx, func() error {
		reader, err := s.client.ReadStream(s.path(key))
		if err != nil {
			return err
		}
		defer reader.Close()
		data, err = io.ReadAll(reader)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object at key.
func (s *WebDAVStore) Delete(ctx context.Context, key string) error {
	err := run(ctx, func() error { return s.client.Remove(s.path(key)) })
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// List walks the collections below prefix. ModTime is the server's
// getlastmodified property.
func (s *WebDAVStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := prefix
	if !strings.HasSuffix(prefix, "/") {
		start = path.Dir(prefix)
	}
	if start == "." {
		start = ""
	}

	var found []ObjectInfo
	err := run(ctx, func() error {
		return s.walk(ctx, s.path(start), &found)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}

	out := found[:0]
	for _, info := range found {
		if strings.HasPrefix(info.Key, prefix) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *WebDAVStore) walk(ctx context.Context, dir string, found *[]ObjectInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	for _, fi := range infos {
		p := path.Join(dir, fi.Name())
		if fi.IsDir() {
			if err := s.walk(ctx, p, found); err != nil {
				return err
			}
			continue
		}
		*found = append(*found, ObjectInfo{
			Key:     strings.TrimPrefix(strings.TrimPrefix(p, s.root), "/"),
			ModTime: fi.ModTime().UTC(),
		})
	}
	return nil
}

func (s *WebDAVStore) path(key string) string {
	return path.Join(s.root, key)
}

// run calls fn, giving up when ctx is done. gowebdav has no context support,
// so an abandoned call finishes in the background.
func run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) && pathErr.Err != nil {
		return strings.Contains(pathErr.Err.Error(), "404")
	}
	return false
}
