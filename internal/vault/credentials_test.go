package vault

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qabridge/pkg/schema"
)

func TestResolve_EnvOverride(t *testing.T) {
	t.Setenv(EnvUser, "ci-user@example.com")
	t.Setenv(EnvToken, "ci-token")

	creds, err := Resolve(testVault(t))
	require.NoError(t, err)
	assert.Equal(t, "ci-user@example.com", creds.User)
	assert.Equal(t, "ci-token", creds.Token)
}

func TestResolve_EnvPartialFallsThrough(t *testing.T) {
	t.Setenv(EnvUser, "ci-user@example.com")
	t.Setenv(EnvToken, "")

	_, err := Resolve(testVault(t))
	assertCode(t, err, schema.ErrCodeMissingCredential)
}

func TestResolve_FromVault(t *testing.T) {
	t.Setenv(EnvUser, "")
	t.Setenv(EnvToken, "")

	v := testVault(t)
	placeToken(t, v, "abc123token")
	require.NoError(t, os.WriteFile(v.Layout().UserPath(), []byte("qa@example.com\n"), 0o600))

	creds, err := Resolve(v)
	require.NoError(t, err)
	assert.Equal(t, "qa@example.com", creds.User)
	assert.Equal(t, "abc123token", creds.Token)
}

func TestResolve_MissingUserFile(t *testing.T) {
	t.Setenv(EnvUser, "")
	t.Setenv(EnvToken, "")

	v := testVault(t)
	placeToken(t, v, "abc123token")

	_, err := Resolve(v)
	assertCode(t, err, schema.ErrCodeMissingCredential)
}
