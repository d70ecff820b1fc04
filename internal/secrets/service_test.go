package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/faas-platform/internal/platform"
	"github.com/r3e-network/faas-platform/internal/platform/store"
)

var testMasterKey = []byte("01234567890123456789012345678901")

func TestEncryptDecryptRoundTrip(t *testing.T) {
	subject := []byte("t1|fn1")
	ct, err := Encrypt(testMasterKey, subject, "secret", []byte("hunter2"))
	require.NoError(t, err)

	pt, err := Decrypt(testMasterKey, subject, "secret", ct)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(pt))
}

func TestDecryptWithWrongSubjectFails(t *testing.T) {
	ct, err := Encrypt(testMasterKey, []byte("t1|fn1"), "secret", []byte("hunter2"))
	require.NoError(t, err)

	_, err = Decrypt(testMasterKey, []byte("t1|fn2"), "secret", ct)
	require.Error(t, err)
}

func TestServiceSetGetRoundTrip(t *testing.T) {
	svc := New(store.NewMemory(), testMasterKey, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", "fn1", "api-key", "sk-123", 0))
	val, err := svc.Get(ctx, "t1", "fn1", "api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-123", val)
}

func TestServiceGetMissingReturnsNotFound(t *testing.T) {
	svc := New(store.NewMemory(), testMasterKey, nil)
	_, err := svc.Get(context.Background(), "t1", "fn1", "missing")
	assert.ErrorIs(t, err, platform.ErrNotFound)
}

func TestServiceGetExpiredReturnsNotFound(t *testing.T) {
	svc := New(store.NewMemory(), testMasterKey, nil)
	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, "t1", "fn1", "ttl-key", "v", time.Nanosecond))
	time.Sleep(time.Millisecond)

	_, err := svc.Get(ctx, "t1", "fn1", "ttl-key")
	assert.ErrorIs(t, err, platform.ErrNotFound)
}

func TestServiceListScansOwnAndTenantScope(t *testing.T) {
	svc := New(store.NewMemory(), testMasterKey, nil)
	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, "t1", "fn1", "own", "v", 0))
	require.NoError(t, svc.Set(ctx, "t1", "", "shared", "v", 0))
	require.NoError(t, svc.Set(ctx, "t1", "fn2", "other", "v", 0))

	names, err := svc.List(ctx, "t1", "fn1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"own", "shared"}, names)
}

type fakeVault struct {
	values map[string]string
}

func (f fakeVault) GetSecret(ctx context.Context, name string) (string, bool, error) {
	v, ok := f.values[name]
	return v, ok, nil
}

func TestServicePrefersVaultOverLocalStore(t *testing.T) {
	svc := New(store.NewMemory(), testMasterKey, fakeVault{values: map[string]string{
		"t1/fn1/api-key": "from-vault",
	}})
	val, err := svc.Get(context.Background(), "t1", "fn1", "api-key")
	require.NoError(t, err)
	assert.Equal(t, "from-vault", val)
}
