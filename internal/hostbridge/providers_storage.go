package hostbridge

import (
	"context"
	"fmt"

	"github.com/r3e-network/faas-platform/internal/domain/function"
	"github.com/r3e-network/faas-platform/internal/platform/store"
)

// RegisterStorage wires the "storage" subtree (spec.md §4.8) onto b, a
// tenant-scoped key/value surface backed directly by the platform Store s —
// each function gets its own key prefix within store.StateNamespace(tenant)
// so two functions in the same tenant cannot see each other's state.
func RegisterStorage(b *Bridge, s store.Store) {
	b.Register(Op{Name: "storage.get", RequiredCapability: "storage.get", Cost: 1, Handler: storageGet(s)})
	b.Register(Op{Name: "storage.set", RequiredCapability: "storage.set", Cost: 1, Handler: storageSet(s)})
	b.Register(Op{Name: "storage.delete", RequiredCapability: "storage.delete", Cost: 1, Handler: storageDelete(s)})
}

func storageNSKey(artifact function.Artifact, args map[string]any) (store.Namespace, string, error) {
	key, _ := args["key"].(string)
	if key == "" {
		return "", "", fmt.Errorf("storage op requires a non-empty \"key\"")
	}
	return store.StateNamespace(artifact.Tenant), artifact.Name + "/" + key, nil
}

func storageGet(s store.Store) Handler {
	return func(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
		ns, key, err := storageNSKey(artifact, args)
		if err != nil {
			return nil, err
		}
		rec, err := s.Get(ctx, ns, key)
		if err == store.ErrNotFound {
			return map[string]any{"found": false}, nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"found": true, "value": string(rec.Value), "version": rec.Version}, nil
	}
}

func storageSet(s store.Store) Handler {
	return func(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
		ns, key, err := storageNSKey(artifact, args)
		if err != nil {
			return nil, err
		}
		value, _ := args["value"].(string)
		version, err := s.Put(ctx, ns, key, []byte(value))
		if err != nil {
			return nil, err
		}
		return map[string]any{"version": version}, nil
	}
}

func storageDelete(s store.Store) Handler {
	return func(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
		ns, key, err := storageNSKey(artifact, args)
		if err != nil {
			return nil, err
		}
		if err := s.Delete(ctx, ns, key); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
}
