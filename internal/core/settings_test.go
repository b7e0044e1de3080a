package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaultsWhenMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("INCANT_BACKEND", "")
	t.Setenv("INCANT_CONCURRENCY", "")

	s, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, "incus", s.Backend)
	assert.Equal(t, 5*time.Minute, s.Readiness.Timeout)
	assert.Equal(t, time.Second, s.Readiness.Interval)
	assert.Equal(t, filepath.Join(ConfigDir(), "journal.db"), s.Journal)
}

func TestLoadSettingsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: localssh
concurrency: 8
readiness:
  timeout: 90s
  interval: 250ms
localssh:
  hosts:
    - name: box
      ip: 10.0.0.5
      user: admin
      port: 2222
journal: "off"
`), 0o600))
	t.Setenv("INCANT_BACKEND", "")
	t.Setenv("INCANT_CONCURRENCY", "3")

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "localssh", s.Backend)
	assert.Equal(t, 3, s.Concurrency)
	assert.Equal(t, 90*time.Second, s.Readiness.Timeout)
	assert.Equal(t, 250*time.Millisecond, s.Readiness.Interval)
	require.Len(t, s.LocalSSH.Hosts, 1)
	assert.Equal(t, 2222, s.LocalSSH.Hosts[0].Port)
	assert.Equal(t, "off", s.Journal)

	t.Setenv("INCANT_BACKEND", "incus")
	s, err = LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "incus", s.Backend)
}

func TestLoadSettingsRejectsBadValues(t *testing.T) {
	t.Setenv("INCANT_BACKEND", "")
	t.Setenv("INCANT_CONCURRENCY", "many")
	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err = LoadSettings("")
	assert.ErrorContains(t, err, "INCANT_CONCURRENCY")

	t.Setenv("INCANT_CONCURRENCY", "0")
	_, err = LoadSettings("")
	assert.ErrorContains(t, err, "concurrency must be at least 1")
}
