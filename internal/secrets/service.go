package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/faas-platform/internal/domain/secret"
	"github.com/r3e-network/faas-platform/internal/platform"
	"github.com/r3e-network/faas-platform/internal/platform/store"
)

// Service resolves, writes, and lists tenant-scoped secrets. It is the
// collaborator the Host Capability Bridge's "secrets" subtree (spec.md
// §4.8) dispatches into; functions never see ciphertext or the master key.
type Service struct {
	store     store.Store
	masterKey []byte
	vault     Provider // optional remote-backed override, e.g. Azure Key Vault
}

// Provider is an optional external secret backend consulted before the
// local encrypted store, letting an operator point "secrets.get" at a
// managed vault without changing the Bridge wiring.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, bool, error)
}

// New builds a Service. masterKey must be exactly 32 bytes; vault may be
// nil to use only the local encrypted store.
func New(s store.Store, masterKey []byte, vault Provider) *Service {
	return &Service{store: s, masterKey: masterKey, vault: vault}
}

func secretKey(tenant, function, name string) string {
	if function == "" {
		return tenant + "/_tenant/" + name
	}
	return tenant + "/" + function + "/" + name
}

func subjectFor(tenant, function string) []byte {
	return []byte(tenant + "|" + function)
}

// Get resolves a secret's plaintext value, preferring an external vault
// provider (if configured) over the local encrypted store, and enforcing
// TTL expiry on local entries.
func (s *Service) Get(ctx context.Context, tenant, function, name string) (string, error) {
	if s.vault != nil {
		if val, ok, err := s.vault.GetSecret(ctx, secretKey(tenant, function, name)); err != nil {
			return "", fmt.Errorf("vault lookup: %w", err)
		} else if ok {
			return val, nil
		}
	}

	rec, err := s.store.Get(ctx, store.NamespaceSecrets, secretKey(tenant, function, name))
	if err != nil {
		if err == store.ErrNotFound {
			return "", platform.ErrNotFound
		}
		return "", err
	}
	var sec secret.Secret
	if err := json.Unmarshal(rec.Value, &sec); err != nil {
		return "", fmt.Errorf("decode secret record: %w", err)
	}
	if sec.Expired(time.Now()) {
		return "", platform.ErrNotFound
	}
	plaintext, err := Decrypt(s.masterKey, subjectFor(sec.Tenant, sec.Scope.Function), "secret", sec.ValueEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

// Set writes (or overwrites) a secret's value, encrypting it under a key
// derived from its (tenant, function-scope) subject.
func (s *Service) Set(ctx context.Context, tenant, function, name, value string, ttl time.Duration) error {
	ciphertext, err := Encrypt(s.masterKey, subjectFor(tenant, function), "secret", []byte(value))
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	now := time.Now()
	sec := secret.Secret{
		Key:            name,
		Tenant:         tenant,
		ValueEncrypted: ciphertext,
		Scope:          secret.Scope{Tenant: tenant, Function: function},
		TTL:            ttl,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	raw, err := json.Marshal(sec)
	if err != nil {
		return fmt.Errorf("encode secret record: %w", err)
	}
	_, err = s.store.Put(ctx, store.NamespaceSecrets, secretKey(tenant, function, name), raw)
	return err
}

// Delete removes a secret.
func (s *Service) Delete(ctx context.Context, tenant, function, name string) error {
	return s.store.Delete(ctx, store.NamespaceSecrets, secretKey(tenant, function, name))
}

// List enumerates secret names visible to function within tenant (its own
// scope plus tenant-wide ones), without decrypting any value.
func (s *Service) List(ctx context.Context, tenant, function string) ([]string, error) {
	names := map[string]struct{}{}
	for _, prefix := range []string{tenant + "/" + function + "/", tenant + "/_tenant/"} {
		cursor := ""
		for {
			page, err := s.store.Scan(ctx, store.NamespaceSecrets, prefix, cursor, 200)
			if err != nil {
				return nil, err
			}
			for _, kv := range page.Items {
				names[kv.Key[len(prefix):]] = struct{}{}
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	return out, nil
}
