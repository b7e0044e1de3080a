package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

func newPublicKey(t *testing.T) xssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := xssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestKnownHostsAppendAndRemove(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	require.NoError(t, AppendKnownHost(kh, "web", newPublicKey(t)))
	require.NoError(t, AppendKnownHost(kh, "db", newPublicKey(t)))
	require.NoError(t, AppendKnownHost(kh, "[web]:2222", newPublicKey(t)))

	removed, err := RemoveKnownHost(kh, "web")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	b, err := os.ReadFile(kh)
	require.NoError(t, err)
	content := string(b)
	assert.NotContains(t, content, "web ssh-ed25519")
	assert.Contains(t, content, "db ssh-ed25519")
	assert.Contains(t, content, "[web]:2222 ssh-ed25519")
	assert.Equal(t, 2, strings.Count(content, "\n"))
}

func TestRemoveKnownHostMissingFile(t *testing.T) {
	removed, err := RemoveKnownHost(filepath.Join(t.TempDir(), "nope"), "web")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestLoadKnownHostsCallbackCreatesFile(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := LoadKnownHostsCallback(kh)
	require.NoError(t, err)
	assert.NotNil(t, cb)
	_, err = os.Stat(kh)
	assert.NoError(t, err)
}
