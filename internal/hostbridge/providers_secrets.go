package hostbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/faas-platform/internal/domain/function"
)

// SecretsStore is the subset of *secrets.Service the Bridge needs; kept as
// an interface so tests can substitute a fake rather than importing
// internal/secrets.
type SecretsStore interface {
	Get(ctx context.Context, tenant, function, name string) (string, error)
	Set(ctx context.Context, tenant, function, name, value string, ttl time.Duration) error
	Delete(ctx context.Context, tenant, function, name string) error
	List(ctx context.Context, tenant, function string) ([]string, error)
}

// RegisterSecrets wires the "secrets" subtree (spec.md §4.8). Every op
// requires the matching fine-grained capability token; there is no
// "secrets:*" bypass — a function must declare get/set/delete/list
// individually, matching the table's "key-prefix scope" note by always
// scoping access to the calling function's own name.
func RegisterSecrets(b *Bridge, svc SecretsStore) {
	b.Register(Op{Name: "secrets.get", RequiredCapability: "secrets.get", Cost: 1, MaySuspend: true, Handler: func(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
		name, _ := args["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("secrets.get requires \"name\"")
		}
		val, err := svc.Get(ctx, artifact.Tenant, artifact.Name, name)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": val}, nil
	}})

	b.Register(Op{Name: "secrets.set", RequiredCapability: "secrets.set", Cost: 1, MaySuspend: true, Handler: func(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
		name, _ := args["name"].(string)
		value, _ := args["value"].(string)
		if name == "" {
			return nil, fmt.Errorf("secrets.set requires \"name\"")
		}
		if err := svc.Set(ctx, artifact.Tenant, artifact.Name, name, value, 0); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}})

	b.Register(Op{Name: "secrets.delete", RequiredCapability: "secrets.delete", Cost: 1, MaySuspend: true, Handler: func(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
		name, _ := args["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("secrets.delete requires \"name\"")
		}
		if err := svc.Delete(ctx, artifact.Tenant, artifact.Name, name); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}})

	b.Register(Op{Name: "secrets.list", RequiredCapability: "secrets.list", Cost: 1, MaySuspend: true, Handler: func(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
		names, err := svc.List(ctx, artifact.Tenant, artifact.Name)
		if err != nil {
			return nil, err
		}
		anyNames := make([]any, len(names))
		for i, n := range names {
			anyNames[i] = n
		}
		return map[string]any{"names": anyNames}, nil
	}})
}
