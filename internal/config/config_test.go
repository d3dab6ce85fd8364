package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	o, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 5, o.LockoutMaxAttempts)
	assert.Equal(t, time.Hour, o.Lockout())
	assert.Equal(t, 7*24*time.Hour, o.Retention("video"))
	assert.Equal(t, 60*24*time.Hour, o.Retention("document"))
	assert.Equal(t, 30*24*time.Hour, o.Retention("unknown"))
}

func TestFlagsOverrideDefaults(t *testing.T) {
	o, err := Parse([]string{"-vault", "/tmp/v", "-lockout-attempts", "3", "-log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/v", o.VaultDir)
	assert.Equal(t, 3, o.LockoutMaxAttempts)
	assert.Equal(t, "debug", o.LogLevel)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"vault_dir":"/from/file","log_level":"warn"}`), 0o600))
	t.Setenv("VAULT_DIR", "/from/env")

	o, err := Parse([]string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, "/from/env", o.VaultDir, "env should win over file")
	assert.Equal(t, "warn", o.LogLevel, "file should win over default")
}

func TestFlagsOverrideEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"vault_dir":"/from/file"}`), 0o600))
	t.Setenv("VAULT_DIR", "/from/env")

	o, err := Parse([]string{"-config", path, "-vault", "/from/flag"})
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", o.VaultDir)
}

func TestFileRetentionMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"retention_days":{"video":2}}`), 0o600))

	o, err := Parse([]string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, 2*24*time.Hour, o.Retention("video"))
}

func TestValidate(t *testing.T) {
	_, err := Parse([]string{"-log-level", "loud"})
	require.Error(t, err)

	_, err = Parse([]string{"-lockout-attempts", "0"})
	require.Error(t, err)

	_, err = Parse([]string{"-vault", ""})
	require.Error(t, err)
}
