package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qabridge/pkg/schema"
)

func testVault(t *testing.T) *FileVault {
	t.Helper()
	return New(Layout{Dir: t.TempDir()}, nil)
}

func placeToken(t *testing.T, v *FileVault, token string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(v.Layout().Dir, 0o700))
	require.NoError(t, os.WriteFile(v.Layout().TokenPath(), []byte(token), 0o600))
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var be *schema.BridgeError
	require.True(t, errors.As(err, &be), "expected BridgeError, got %T", err)
	assert.Equal(t, code, be.Code)
}

func TestInitialize_RoundTrip(t *testing.T) {
	v := testVault(t)
	placeToken(t, v, "abc123token\n")

	secret, err := v.Initialize()
	require.NoError(t, err)
	assert.Equal(t, "abc123token", secret)

	// Plaintext gone, artifact present.
	_, err = os.Stat(v.Layout().TokenPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(v.Layout().ArtifactPath())
	require.NoError(t, err)

	got, err := v.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "abc123token", got)
}

func TestInitialize_MissingPlaintext(t *testing.T) {
	v := testVault(t)

	_, err := v.Initialize()
	assertCode(t, err, schema.ErrCodeMissingCredential)
}

func TestInitialize_EmptyPlaintext(t *testing.T) {
	v := testVault(t)
	placeToken(t, v, "   \n")

	_, err := v.Initialize()
	assertCode(t, err, schema.ErrCodeMissingCredential)
}

func TestInitialize_ArtifactNotPlaintext(t *testing.T) {
	v := testVault(t)
	placeToken(t, v, "very-secret-token")

	_, err := v.Initialize()
	require.NoError(t, err)

	raw, err := os.ReadFile(v.Layout().ArtifactPath())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very-secret-token")
	assert.Greater(t, len(raw), len("very-secret-token"))
}

func TestUnlock_NotInitialized(t *testing.T) {
	v := testVault(t)

	_, err := v.Unlock()
	assertCode(t, err, schema.ErrCodeVaultNotInitialized)
}

func TestUnlock_BitFlipDetected(t *testing.T) {
	v := testVault(t)
	placeToken(t, v, "abc123token")
	_, err := v.Initialize()
	require.NoError(t, err)

	raw, err := os.ReadFile(v.Layout().ArtifactPath())
	require.NoError(t, err)
	for i := range raw {
		flipped := make([]byte, len(raw))
		copy(flipped, raw)
		flipped[i] ^= 0x01
		require.NoError(t, os.WriteFile(v.Layout().ArtifactPath(), flipped, 0o600))

		_, err := v.Unlock()
		assertCode(t, err, schema.ErrCodeCorruptVault)
	}
}

func TestUnlock_TruncatedArtifact(t *testing.T) {
	v := testVault(t)
	require.NoError(t, os.MkdirAll(v.Layout().Dir, 0o700))
	require.NoError(t, os.WriteFile(v.Layout().ArtifactPath(), []byte{0x01, 0x02}, 0o600))
	require.NoError(t, os.WriteFile(v.Layout().KeyPath(), make([]byte, keySize), 0o600))

	_, err := v.Unlock()
	assertCode(t, err, schema.ErrCodeCorruptVault)
}

func TestUnlock_MissingKeyMaterial(t *testing.T) {
	v := testVault(t)
	placeToken(t, v, "abc123token")
	_, err := v.Initialize()
	require.NoError(t, err)
	require.NoError(t, os.Remove(v.Layout().KeyPath()))

	_, err = v.Unlock()
	assertCode(t, err, schema.ErrCodeCorruptVault)
}

func TestEnsureUnlocked_NoCredentials(t *testing.T) {
	v := testVault(t)

	_, err := v.EnsureUnlocked()
	assertCode(t, err, schema.ErrCodeMissingCredential)
}

func TestEnsureUnlocked_InitializesThenUnlocks(t *testing.T) {
	v := testVault(t)
	placeToken(t, v, "abc123token")

	first, err := v.EnsureUnlocked()
	require.NoError(t, err)
	assert.Equal(t, "abc123token", first)

	// Second call must not need the plaintext file.
	second, err := v.EnsureUnlocked()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = os.Stat(v.Layout().TokenPath())
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureUnlocked_RotationOnNewPlaintext(t *testing.T) {
	v := testVault(t)
	placeToken(t, v, "old-token")
	_, err := v.EnsureUnlocked()
	require.NoError(t, err)

	placeToken(t, v, "new-token")
	secret, err := v.EnsureUnlocked()
	require.NoError(t, err)
	assert.Equal(t, "new-token", secret)

	got, err := v.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "new-token", got)
}

func TestRotate_RequiresPlaintext(t *testing.T) {
	v := testVault(t)
	placeToken(t, v, "abc123token")
	_, err := v.Initialize()
	require.NoError(t, err)

	_, err = v.Rotate()
	assertCode(t, err, schema.ErrCodeMissingCredential)
}

func TestDeleteCredentials(t *testing.T) {
	v := testVault(t)
	placeToken(t, v, "abc123token")
	_, err := v.Initialize()
	require.NoError(t, err)

	require.NoError(t, v.DeleteCredentials())
	assert.False(t, v.Initialized())

	// Idempotent on missing files.
	require.NoError(t, v.DeleteCredentials())
}

func TestKeyMaterialReusedAcrossRotations(t *testing.T) {
	v := testVault(t)
	placeToken(t, v, "one")
	_, err := v.Initialize()
	require.NoError(t, err)

	key1, err := os.ReadFile(v.Layout().KeyPath())
	require.NoError(t, err)

	placeToken(t, v, "two")
	_, err = v.Initialize()
	require.NoError(t, err)

	key2, err := os.ReadFile(v.Layout().KeyPath())
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func TestWriteFileSync_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out")
	require.NoError(t, writeFileSync(path, []byte("data"), 0o600))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out", entries[0].Name())
}
