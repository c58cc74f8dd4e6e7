package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process ObjectStore. It backs tests and the offline
// demo mode, and can be told to fail to simulate an unreachable remote.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string]memObject
	now      func() time.Time
	failAll  error
	failKeys map[string]error
	calls    map[string]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string]memObject),
		now:      time.Now,
		failKeys: make(map[string]error),
		calls:    make(map[string]int),
	}
}

type memObject struct {
	data    []byte
	modTime time.Time
}

// SetClock replaces the clock that stamps uploads.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailAll makes every call fail with err. A nil err restores normal operation.
func (m *MemoryStore) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// FailKey makes calls on key fail with err. A nil err clears the failure.
func (m *MemoryStore) FailKey(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failKeys, key)
		return
	}
	m.failKeys[key] = err
}

// Calls returns how many times op ("upload", "download", "delete", "list") was invoked.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Object returns a copy of the stored object.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func (m *MemoryStore) enter(ctx context.Context, op, key string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failAll != nil {
		return m.failAll
	}
	if err, ok := m.failKeys[key]; ok {
		return err
	}
	return nil
}

// Upload stores data at key.
func (m *MemoryStore) Upload(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "upload", key); err != nil {
		return err
	}
	m.objects[key] = memObject{data: append([]byte(nil), data...), modTime: m.now().UTC()}
	return nil
}

// Download returns the object at key.
func (m *MemoryStore) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "download", key); err != nil {
		return nil, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

// Delete removes the object at key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "delete", key); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

// List returns the objects whose key starts with prefix.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "list", prefix); err != nil {
		return nil, err
	}
	var infos []ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			infos = append(infos, ObjectInfo{Key: k, ModTime: obj.modTime})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}
