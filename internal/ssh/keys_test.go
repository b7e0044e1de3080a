package ssh

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

func TestNormalizeAuthorizedKeys(t *testing.T) {
	a := strings.TrimSpace(string(xssh.MarshalAuthorizedKey(newPublicKey(t))))
	b := strings.TrimSpace(string(xssh.MarshalAuthorizedKey(newPublicKey(t))))
	in := "# my keys\n\n" + a + " alice@laptop\n  " + b + "\n"

	out, err := NormalizeAuthorizedKeys([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, a+" alice@laptop\n"+b+"\n", string(out))
}

func TestNormalizeAuthorizedKeysRejectsGarbage(t *testing.T) {
	_, err := NormalizeAuthorizedKeys([]byte("not a key\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestCommandLineQuoting(t *testing.T) {
	got := CommandLine([]string{"sh", "-c", "echo 'hi' && ls"}, "/incant", map[string]string{"B": "2", "A": "x y"})
	assert.Equal(t, `cd /incant && env 'A=x y' B=2 sh -c 'echo '\''hi'\'' && ls'`, got)
	assert.Equal(t, "''", Quote(""))
}
