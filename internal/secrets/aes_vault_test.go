package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

func testVault(t *testing.T) (*AESVault, *store.Memory) {
	t.Helper()
	repo := store.NewMemory()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(repo, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, repo
}

func TestVaultStoreAndResolve(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "api_key", []byte("sk-secret-123")))

	val, err := v.Resolve(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-secret-123"), val)
}

func TestVaultEncryptsAtRest(t *testing.T) {
	v, repo := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "token", []byte("plaintext-value")))

	raw, err := repo.GetSecret(ctx, "token")
	require.NoError(t, err)
	assert.NotEqual(t, []byte("plaintext-value"), raw)
	assert.Greater(t, len(raw), len("plaintext-value"))
}

func TestVaultPassphraseDerivation(t *testing.T) {
	repo := store.NewMemory()
	v, err := NewAESVault(repo, VaultConfig{
		Passphrase: "my-secure-passphrase",
		Salt:       []byte("test-salt-16byte"),
		Iterations: 1000, // low for test speed
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("value")))
	val, err := v.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestVaultWrongKeyCannotDecrypt(t *testing.T) {
	repo := store.NewMemory()
	ctx := context.Background()

	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	key2[0] = 0xFF

	v1, err := NewAESVault(repo, VaultConfig{MasterKey: key1})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "secret", []byte("hidden")))

	v2, err := NewAESVault(repo, VaultConfig{MasterKey: key2})
	require.NoError(t, err)
	_, err = v2.Resolve(ctx, "secret")
	require.Error(t, err)
}

func TestVaultDelete(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "key", []byte("val")))
	require.NoError(t, v.Delete(ctx, "key"))

	_, err := v.Resolve(ctx, "key")
	require.Error(t, err)
	var ferr *schema.FlowError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, schema.ErrCodeNotFound, ferr.Code)
}

func TestVaultList(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a_key", []byte("1")))
	require.NoError(t, v.Store(ctx, "b_key", []byte("2")))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_key", "b_key"}, keys)
}

func TestVaultOverwrite(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "key", []byte("v1")))
	require.NoError(t, v.Store(ctx, "key", []byte("v2")))

	val, err := v.Resolve(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestVaultUniqueNonces(t *testing.T) {
	v, repo := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k1", []byte("same-value")))
	require.NoError(t, v.Store(ctx, "k2", []byte("same-value")))

	ct1, err := repo.GetSecret(ctx, "k1")
	require.NoError(t, err)
	ct2, err := repo.GetSecret(ctx, "k2")
	require.NoError(t, err)

	// Same plaintext must produce different ciphertext (random nonce).
	assert.False(t, bytes.Equal(ct1, ct2))
}

func TestVaultKeyConfigErrors(t *testing.T) {
	repo := store.NewMemory()

	_, err := NewAESVault(repo, VaultConfig{MasterKey: []byte("too-short")})
	require.Error(t, err)
	var ferr *schema.FlowError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, schema.ErrCodeVault, ferr.Code)

	_, err = NewAESVault(repo, VaultConfig{})
	require.Error(t, err)

	_, err = NewAESVault(repo, VaultConfig{Passphrase: "pass"})
	require.Error(t, err)
}
