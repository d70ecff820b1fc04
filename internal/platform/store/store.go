// Package store implements the key/value Store described in spec.md §4.1:
// column-family-style namespaces, atomic per-key writes with monotonic
// per-(namespace,key) versions, restartable prefix scans, and
// compare-and-swap for contended keys such as the function-active pointer
// and worker state.
//
// Two interchangeable backends are provided: Memory (dev/tests) and Bolt
// (production, an embedded ordered B+tree file via go.etcd.io/bbolt).
package store

import (
	"context"
	"errors"
)

// Namespace groups keys the way spec.md §6 lays them out:
// functions, triggers, secrets, runlog, eventlog, state/<tenant>.
type Namespace string

const (
	NamespaceFunctions     Namespace = "functions"
	NamespaceFunctionsMeta Namespace = "functions_meta"
	NamespaceFunctionsActv Namespace = "functions_active"
	NamespaceTriggers      Namespace = "triggers"
	NamespaceSecrets       Namespace = "secrets"
	NamespaceRunLog        Namespace = "runlog"
	NamespaceEventLog      Namespace = "eventlog"
)

// StateNamespace returns the per-tenant guest-visible storage namespace
// (spec.md §6: "state/<tenant>").
func StateNamespace(tenant string) Namespace {
	return Namespace("state/" + tenant)
}

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrVersionMismatch is returned by CompareAndSwap when the observed
// version does not match the expected one.
var ErrVersionMismatch = errors.New("store: version mismatch")

// Record is a versioned value. Version increases by exactly one on every
// successful write to its (namespace, key).
type Record struct {
	Value   []byte
	Version uint64
}

// Write is one entry of an atomic Batch.
type Write struct {
	Key   string
	Value []byte // nil Value means delete
}

// ScanResult is one page of a prefix scan.
type ScanResult struct {
	Items      []KV
	NextCursor string // empty when the scan is exhausted
}

// KV is a single scanned key/value/version triple.
type KV struct {
	Key     string
	Value   []byte
	Version uint64
}

// Store is the durable key/value interface every backend implements.
type Store interface {
	// Get returns the current value for key, or ErrNotFound.
	Get(ctx context.Context, ns Namespace, key string) (Record, error)

	// Put writes value unconditionally, returning the new version.
	Put(ctx context.Context, ns Namespace, key string, value []byte) (uint64, error)

	// Batch applies writes atomically within a single namespace.
	Batch(ctx context.Context, ns Namespace, writes []Write) error

	// Scan performs a lexicographically ordered forward prefix scan,
	// restartable via the cursor returned in the previous ScanResult.
	Scan(ctx context.Context, ns Namespace, prefix, cursor string, limit int) (ScanResult, error)

	// CompareAndSwap writes newValue only if the key's current version
	// equals expectedVersion (0 meaning "must not exist yet").
	CompareAndSwap(ctx context.Context, ns Namespace, key string, expectedVersion uint64, newValue []byte) (uint64, error)

	// Delete removes a key unconditionally.
	Delete(ctx context.Context, ns Namespace, key string) error

	// Close releases backend resources.
	Close() error
}
