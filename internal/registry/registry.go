// Package registry implements the Function Registry (spec.md §4.2): a
// content-addressed, versioned store for function artifacts. Artifacts are
// immutable once registered; only a per-(tenant,name) "active" pointer is
// mutable, and that pointer moves via compare-and-swap on the Store.
//
// Grounded on the Service pattern in
// _examples/r3e-network-service_layer/internal/app/services/functions/service.go
// (attach-dependencies construction, descriptor-based introspection) and on
// domain/function/model.go's Definition shape, generalized to the
// content-hash identity and immutable-version semantics spec.md requires.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/r3e-network/faas-platform/internal/domain/function"
	"github.com/r3e-network/faas-platform/internal/platform"
	"github.com/r3e-network/faas-platform/internal/platform/store"
	"github.com/r3e-network/faas-platform/pkg/logger"
)

// TriggerRefChecker tells the Registry whether any enabled trigger still
// references (tenant, name, version), so retract can refuse to orphan live
// triggers (spec.md §4.2: "forbidden if triggers reference it").
type TriggerRefChecker interface {
	HasReference(ctx context.Context, tenant, name, version string) (bool, error)
}

// Registry is the Function Registry component (C2).
type Registry struct {
	store store.Store
	log   *logger.Logger
	refs  TriggerRefChecker

	// cache is the bounded per-process artifact cache standing in for the
	// "bounded LRU of artifacts per worker" from spec.md §4.2. Content
	// addressing means a cache hit never needs invalidation.
	cache *lru.Cache[string, function.Artifact]
}

// Manifest is the deploy-time descriptor a tenant submits alongside source
// bytes; it becomes part of the content hash.
type Manifest struct {
	Entrypoint          string                    `json:"entrypoint"`
	Runtime             string                    `json:"runtime"`
	DeclaredPermissions []function.Capability     `json:"declared_permissions"`
	DeclaredTriggers    []function.DeclaredTrigger `json:"declared_triggers"`
	Limits              function.ResourceLimits   `json:"resource_limits"`
}

// New constructs a Registry backed by s. cacheSize bounds the in-process
// artifact cache (a non-positive size selects the default of 256).
func New(s store.Store, log *logger.Logger, refs TriggerRefChecker, cacheSize int) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, err := lru.New[string, function.Artifact](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("registry: create artifact cache: %w", err)
	}
	return &Registry{store: s, log: log, refs: refs, cache: c}, nil
}

// ContentHash computes the content-addressed artifact id: sha256(source ++
// canonical manifest JSON), hex-encoded (spec.md §3: "id = hash(source ++
// manifest)").
func ContentHash(source []byte, m Manifest) (string, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("registry: encode manifest: %w", err)
	}
	h := sha256.New()
	h.Write(source)
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func validateManifest(m Manifest, source []byte) error {
	if len(source) == 0 {
		return fmt.Errorf("%w: empty source", platform.ErrInvalidManifest)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("%w: missing entrypoint", platform.ErrInvalidManifest)
	}
	if m.Runtime != "js" {
		return fmt.Errorf("%w: unsupported runtime %q", platform.ErrInvalidManifest, m.Runtime)
	}
	return nil
}

type activeRecord struct {
	Version string `json:"version"`
}

type functionMetaRecord struct {
	ID                  string                     `json:"id"`
	Tenant              string                     `json:"tenant"`
	Name                string                     `json:"name"`
	Version             string                     `json:"version"`
	Entrypoint          string                     `json:"entrypoint"`
	Runtime             string                     `json:"runtime"`
	DeclaredPermissions []function.Capability      `json:"declared_permissions"`
	DeclaredTriggers    []function.DeclaredTrigger `json:"declared_triggers"`
	Limits              function.ResourceLimits    `json:"resource_limits"`
	CreatedAt           time.Time                  `json:"created_at"`
}

func functionKey(tenant, name, version string) string {
	return fmt.Sprintf("%s/%s/%s", tenant, name, version)
}

func activeKey(tenant, name string) string {
	return fmt.Sprintf("%s/%s", tenant, name)
}

func contentKey(hash string) string {
	return hash
}

// Register computes the artifact's content hash and persists it, along
// with a (tenant,name,version)→metadata pointer. Register is idempotent on
// (tenant, name, id): registering the same bytes twice returns the
// existing artifact rather than erroring.
func (r *Registry) Register(ctx context.Context, tenant, name, version string, m Manifest, source []byte) (function.Artifact, error) {
	if err := validateManifest(m, source); err != nil {
		return function.Artifact{}, err
	}

	id, err := ContentHash(source, m)
	if err != nil {
		return function.Artifact{}, err
	}

	now := time.Now().UTC()
	perms := make(map[function.Capability]struct{}, len(m.DeclaredPermissions))
	for _, c := range m.DeclaredPermissions {
		perms[c] = struct{}{}
	}

	artifact := function.Artifact{
		ID:                  id,
		Tenant:              tenant,
		Name:                name,
		Version:             version,
		Source:              source,
		Entrypoint:          m.Entrypoint,
		Runtime:             m.Runtime,
		DeclaredPermissions: perms,
		DeclaredTriggers:    m.DeclaredTriggers,
		Limits:              m.Limits,
		CreatedAt:           now,
	}

	if existing, err := r.store.Get(ctx, store.NamespaceFunctionsMeta, functionKey(tenant, name, version)); err == nil {
		var meta functionMetaRecord
		if decodeErr := json.Unmarshal(existing.Value, &meta); decodeErr == nil && meta.ID == id {
			r.log.WithField("function", name).WithField("version", version).Debug("register: idempotent replay")
			artifact.CreatedAt = meta.CreatedAt
			return artifact, nil
		}
	}

	if _, err := r.store.Put(ctx, store.NamespaceFunctions, contentKey(id), source); err != nil {
		return function.Artifact{}, fmt.Errorf("registry: persist content: %w", err)
	}

	meta := functionMetaRecord{
		ID: id, Tenant: tenant, Name: name, Version: version,
		Entrypoint: m.Entrypoint, Runtime: m.Runtime,
		DeclaredPermissions: m.DeclaredPermissions, DeclaredTriggers: m.DeclaredTriggers,
		Limits: m.Limits, CreatedAt: now,
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return function.Artifact{}, fmt.Errorf("registry: encode metadata: %w", err)
	}
	if _, err := r.store.Put(ctx, store.NamespaceFunctionsMeta, functionKey(tenant, name, version), encoded); err != nil {
		return function.Artifact{}, fmt.Errorf("registry: persist metadata: %w", err)
	}

	r.cache.Add(id, artifact)
	r.log.WithField("function", name).WithField("id", id).Info("function registered")
	return artifact, nil
}

// Activate marks (tenant, name, version) as the active version via a CAS
// on the active pointer, so concurrent activations never interleave.
func (r *Registry) Activate(ctx context.Context, tenant, name, version string) error {
	if _, err := r.store.Get(ctx, store.NamespaceFunctionsMeta, functionKey(tenant, name, version)); err != nil {
		return fmt.Errorf("registry: activate %s/%s@%s: %w", tenant, name, version, platform.ErrNotFound)
	}

	key := activeKey(tenant, name)
	encoded, err := json.Marshal(activeRecord{Version: version})
	if err != nil {
		return fmt.Errorf("registry: encode active pointer: %w", err)
	}

	for {
		cur, err := r.store.Get(ctx, store.NamespaceFunctionsActv, key)
		expected := uint64(0)
		if err == nil {
			expected = cur.Version
		} else if err != store.ErrNotFound {
			return fmt.Errorf("registry: read active pointer: %w", err)
		}

		_, err = r.store.CompareAndSwap(ctx, store.NamespaceFunctionsActv, key, expected, encoded)
		if err == nil {
			r.log.WithField("function", name).WithField("version", version).Info("function activated")
			return nil
		}
		if err == store.ErrVersionMismatch {
			continue // another activation raced us; retry against the new version
		}
		return fmt.Errorf("registry: activate CAS: %w", err)
	}
}

// Resolve returns the artifact for (tenant, name, version). version may be
// the literal string "active", which is resolved through the active
// pointer first.
func (r *Registry) Resolve(ctx context.Context, tenant, name, version string) (function.Artifact, error) {
	if version == "active" {
		rec, err := r.store.Get(ctx, store.NamespaceFunctionsActv, activeKey(tenant, name))
		if err != nil {
			if err == store.ErrNotFound {
				return function.Artifact{}, platform.ErrNotFound
			}
			return function.Artifact{}, fmt.Errorf("registry: read active pointer: %w", err)
		}
		var active activeRecord
		if err := json.Unmarshal(rec.Value, &active); err != nil {
			return function.Artifact{}, fmt.Errorf("registry: decode active pointer: %w", err)
		}
		version = active.Version
	}

	metaRec, err := r.store.Get(ctx, store.NamespaceFunctionsMeta, functionKey(tenant, name, version))
	if err != nil {
		if err == store.ErrNotFound {
			return function.Artifact{}, platform.ErrNotFound
		}
		return function.Artifact{}, fmt.Errorf("registry: read metadata: %w", err)
	}
	var meta functionMetaRecord
	if err := json.Unmarshal(metaRec.Value, &meta); err != nil {
		return function.Artifact{}, fmt.Errorf("registry: decode metadata: %w", err)
	}

	if cached, ok := r.cache.Get(meta.ID); ok {
		return cached, nil
	}

	srcRec, err := r.store.Get(ctx, store.NamespaceFunctions, contentKey(meta.ID))
	if err != nil {
		return function.Artifact{}, fmt.Errorf("registry: read content: %w", err)
	}

	perms := make(map[function.Capability]struct{}, len(meta.DeclaredPermissions))
	for _, c := range meta.DeclaredPermissions {
		perms[c] = struct{}{}
	}

	artifact := function.Artifact{
		ID:                  meta.ID,
		Tenant:              meta.Tenant,
		Name:                meta.Name,
		Version:             meta.Version,
		Source:              srcRec.Value,
		Entrypoint:          meta.Entrypoint,
		Runtime:             meta.Runtime,
		DeclaredPermissions: perms,
		DeclaredTriggers:    meta.DeclaredTriggers,
		Limits:              meta.Limits,
		CreatedAt:           meta.CreatedAt,
	}
	r.cache.Add(meta.ID, artifact)
	return artifact, nil
}

// Retract removes (tenant, name, version), refusing if any enabled
// trigger still references it (spec.md §4.2).
func (r *Registry) Retract(ctx context.Context, tenant, name, version string) error {
	if r.refs != nil {
		referenced, err := r.refs.HasReference(ctx, tenant, name, version)
		if err != nil {
			return fmt.Errorf("registry: check trigger references: %w", err)
		}
		if referenced {
			return fmt.Errorf("registry: retract %s/%s@%s: %w", tenant, name, version, platform.ErrRetracted)
		}
	}

	if err := r.store.Delete(ctx, store.NamespaceFunctionsMeta, functionKey(tenant, name, version)); err != nil {
		return fmt.Errorf("registry: delete metadata: %w", err)
	}
	r.log.WithField("function", name).WithField("version", version).Info("function retracted")
	return nil
}
