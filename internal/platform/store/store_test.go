package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"bolt":   bolt,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			v, err := s.Put(ctx, NamespaceFunctions, "f1", []byte("v1"))
			require.NoError(t, err)
			assert.Equal(t, uint64(1), v)

			rec, err := s.Get(ctx, NamespaceFunctions, "f1")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), rec.Value)
			assert.Equal(t, uint64(1), rec.Version)

			v2, err := s.Put(ctx, NamespaceFunctions, "f1", []byte("v2"))
			require.NoError(t, err)
			assert.Equal(t, uint64(2), v2)
		})
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, NamespaceFunctions, "absent")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// Creating a brand new key requires expectedVersion == 0.
			v, err := s.CompareAndSwap(ctx, NamespaceFunctionsActv, "tenant/fn", 0, []byte("1.0.0"))
			require.NoError(t, err)
			assert.Equal(t, uint64(1), v)

			// Swap with stale expected version fails without mutating state.
			_, err = s.CompareAndSwap(ctx, NamespaceFunctionsActv, "tenant/fn", 0, []byte("2.0.0"))
			assert.ErrorIs(t, err, ErrVersionMismatch)

			rec, err := s.Get(ctx, NamespaceFunctionsActv, "tenant/fn")
			require.NoError(t, err)
			assert.Equal(t, []byte("1.0.0"), rec.Value)

			// Correct expected version succeeds.
			v2, err := s.CompareAndSwap(ctx, NamespaceFunctionsActv, "tenant/fn", 1, []byte("2.0.0"))
			require.NoError(t, err)
			assert.Equal(t, uint64(2), v2)
		})
	}
}

func TestBatchAtomicWritesAndDeletes(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(ctx, NamespaceSecrets, "k1", []byte("a"))
			require.NoError(t, err)

			err = s.Batch(ctx, NamespaceSecrets, []Write{
				{Key: "k1", Value: nil}, // delete
				{Key: "k2", Value: []byte("b")},
				{Key: "k3", Value: []byte("c")},
			})
			require.NoError(t, err)

			_, err = s.Get(ctx, NamespaceSecrets, "k1")
			assert.ErrorIs(t, err, ErrNotFound)

			rec, err := s.Get(ctx, NamespaceSecrets, "k2")
			require.NoError(t, err)
			assert.Equal(t, []byte("b"), rec.Value)
		})
	}
}

func TestScanOrderedPrefixAndPagination(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			keys := []string{"a/1", "a/2", "a/3", "b/1"}
			for _, k := range keys {
				_, err := s.Put(ctx, NamespaceEventLog, k, []byte(k))
				require.NoError(t, err)
			}

			res, err := s.Scan(ctx, NamespaceEventLog, "a/", "", 0)
			require.NoError(t, err)
			require.Len(t, res.Items, 3)
			assert.Equal(t, "a/1", res.Items[0].Key)
			assert.Equal(t, "a/2", res.Items[1].Key)
			assert.Equal(t, "a/3", res.Items[2].Key)
			assert.Empty(t, res.NextCursor)

			page1, err := s.Scan(ctx, NamespaceEventLog, "a/", "", 2)
			require.NoError(t, err)
			require.Len(t, page1.Items, 2)
			require.NotEmpty(t, page1.NextCursor)

			page2, err := s.Scan(ctx, NamespaceEventLog, "a/", page1.NextCursor, 2)
			require.NoError(t, err)
			require.Len(t, page2.Items, 1)
			assert.Equal(t, "a/3", page2.Items[0].Key)
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(ctx, NamespaceTriggers, "t1", []byte("x"))
			require.NoError(t, err)

			require.NoError(t, s.Delete(ctx, NamespaceTriggers, "t1"))

			_, err = s.Get(ctx, NamespaceTriggers, "t1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
