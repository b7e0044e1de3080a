package ssh

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	xssh "golang.org/x/crypto/ssh"
)

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file and returns an ssh.Signer.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// NormalizeAuthorizedKeys validates authorized_keys content and returns it
// with one key per line, comments and blank lines dropped.
func NormalizeAuthorizedKeys(data []byte) ([]byte, error) {
	var out bytes.Buffer
	s := bufio.NewScanner(bytes.NewReader(data))
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if _, _, _, _, err := xssh.ParseAuthorizedKey([]byte(text)); err != nil {
			return nil, fmt.Errorf("authorized key on line %d: %w", line, err)
		}
		out.WriteString(text)
		out.WriteByte('\n')
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
