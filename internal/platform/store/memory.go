package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a thread-safe, process-local Store. It backs tests and the
// single-node dev deployment (pkg/config StorageConfig.Type == "memory"),
// mirroring the teacher's internal/app/storage Memory pattern: one mutex
// guarding a map-of-maps, with clone-on-read/write to keep callers from
// mutating shared state through returned slices.
type Memory struct {
	mu sync.RWMutex
	ns map[Namespace]map[string]Record
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{ns: make(map[Namespace]map[string]Record)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (m *Memory) bucketLocked(ns Namespace) map[string]Record {
	b, ok := m.ns[ns]
	if !ok {
		b = make(map[string]Record)
		m.ns[ns] = b
	}
	return b
}

func (m *Memory) Get(_ context.Context, ns Namespace, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.ns[ns][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{Value: cloneBytes(rec.Value), Version: rec.Version}, nil
}

func (m *Memory) Put(_ context.Context, ns Namespace, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucketLocked(ns)
	next := b[key].Version + 1
	b[key] = Record{Value: cloneBytes(value), Version: next}
	return next, nil
}

func (m *Memory) Batch(_ context.Context, ns Namespace, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucketLocked(ns)
	for _, w := range writes {
		if w.Value == nil {
			delete(b, w.Key)
			continue
		}
		next := b[w.Key].Version + 1
		b[w.Key] = Record{Value: cloneBytes(w.Value), Version: next}
	}
	return nil
}

func (m *Memory) Scan(_ context.Context, ns Namespace, prefix, cursor string, limit int) (ScanResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b := m.ns[ns]
	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(keys, cursor)
	}

	res := ScanResult{}
	for i := start; i < len(keys); i++ {
		if limit > 0 && len(res.Items) >= limit {
			res.NextCursor = keys[i]
			break
		}
		rec := b[keys[i]]
		res.Items = append(res.Items, KV{Key: keys[i], Value: cloneBytes(rec.Value), Version: rec.Version})
	}
	return res, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, ns Namespace, key string, expectedVersion uint64, newValue []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucketLocked(ns)
	cur, exists := b[key]
	if exists {
		if cur.Version != expectedVersion {
			return 0, ErrVersionMismatch
		}
	} else if expectedVersion != 0 {
		return 0, ErrVersionMismatch
	}

	next := cur.Version + 1
	b[key] = Record{Value: cloneBytes(newValue), Version: next}
	return next, nil
}

func (m *Memory) Delete(_ context.Context, ns Namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.bucketLocked(ns), key)
	return nil
}

func (m *Memory) Close() error { return nil }
