package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/kernel/pkg/secretstore"
)

func TestExpandSecretsReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_key: sk-abc\n"), 0o600))
	store, err := secretstore.Load(path)
	require.NoError(t, err)

	out, err := Expand("key=${secrets.api_key}", store)
	require.NoError(t, err)
	assert.Equal(t, "key=sk-abc", out)
}

func TestExpandMissingSecretFailsLoudly(t *testing.T) {
	_, err := Expand("${secrets.nope}", secretstore.Empty())
	require.Error(t, err)
}

func TestExpandEnvPrefixedReference(t *testing.T) {
	t.Setenv("SENTINELD_TEST_VAR", "hello")
	out, err := Expand("${env:SENTINELD_TEST_VAR}", secretstore.Empty())
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestExpandBareEnvReference(t *testing.T) {
	t.Setenv("SENTINELD_TEST_VAR2", "world")
	out, err := Expand("${SENTINELD_TEST_VAR2}", secretstore.Empty())
	require.NoError(t, err)
	assert.Equal(t, "world", out)
}

func TestExpandMissingEnvFailsLoudly(t *testing.T) {
	os.Unsetenv("SENTINELD_DEFINITELY_UNSET")
	_, err := Expand("${SENTINELD_DEFINITELY_UNSET}", secretstore.Empty())
	require.Error(t, err)
}

func TestExpandDefaultValueUsedWhenMissing(t *testing.T) {
	os.Unsetenv("SENTINELD_DEFINITELY_UNSET")
	out, err := Expand("${SENTINELD_DEFINITELY_UNSET:-fallback}", secretstore.Empty())
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpandDefaultNotUsedWhenPresent(t *testing.T) {
	t.Setenv("SENTINELD_TEST_VAR3", "actual")
	out, err := Expand("${SENTINELD_TEST_VAR3:-fallback}", secretstore.Empty())
	require.NoError(t, err)
	assert.Equal(t, "actual", out)
}

func TestExpandMultipleReferencesInOneString(t *testing.T) {
	t.Setenv("SENTINELD_HOST", "example.com")
	t.Setenv("SENTINELD_PORT", "8443")
	out, err := Expand("https://${SENTINELD_HOST}:${SENTINELD_PORT}/", secretstore.Empty())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com:8443/", out)
}

func TestExpandNoPlaceholdersReturnsInputUnchanged(t *testing.T) {
	out, err := Expand("plain string with no refs", secretstore.Empty())
	require.NoError(t, err)
	assert.Equal(t, "plain string with no refs", out)
}
