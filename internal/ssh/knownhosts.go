package ssh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(""), 0600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// AppendKnownHost appends a known_hosts entry for host.
func AppendKnownHost(path, host string, key xssh.PublicKey) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	line := knownhosts.Line([]string{host}, key)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// RemoveKnownHost drops plain-text entries naming host. Hashed entries are kept.
func RemoveKnownHost(path, host string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read known_hosts: %w", err)
	}
	var out bytes.Buffer
	removed := 0
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		line := s.Text()
		if matchesHost(line, host) {
			removed++
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := s.Err(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	if err := os.WriteFile(path, out.Bytes(), 0600); err != nil {
		return 0, fmt.Errorf("write known_hosts: %w", err)
	}
	return removed, nil
}

func matchesHost(line, host string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
		return false
	}
	hosts := fields[0]
	if strings.HasPrefix(hosts, "@") && len(fields) > 2 {
		hosts = fields[1]
	}
	for _, h := range strings.Split(hosts, ",") {
		if h == host {
			return true
		}
	}
	return false
}

// LoadKnownHostsCallback returns a strict host key callback using the given file.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}

var errKeyCaptured = errors.New("host key captured")

// ScanHostKey connects to addr just far enough to learn its host key.
func ScanHostKey(ctx context.Context, addr string, timeout time.Duration) (xssh.PublicKey, error) {
	var captured xssh.PublicKey
	cfg := &xssh.ClientConfig{
		User: "root",
		HostKeyCallback: func(_ string, _ net.Addr, key xssh.PublicKey) error {
			captured = key
			return errKeyCaptured
		},
		Timeout: timeout,
	}
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	_, _, _, err = xssh.NewClientConn(conn, addr, cfg)
	if captured != nil {
		return captured, nil
	}
	if err == nil {
		err = errors.New("no host key offered")
	}
	return nil, fmt.Errorf("handshake %s: %w", addr, err)
}

// KnownHosts refreshes known_hosts entries for freshly provisioned instances,
// so reconnecting to a recreated instance does not trip host key checks.
type KnownHosts struct {
	Path    string
	Port    int
	Timeout time.Duration
}

func (k *KnownHosts) Refresh(ctx context.Context, host string) error {
	port := k.Port
	if port == 0 {
		port = 22
	}
	timeout := k.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	entry := knownhosts.Normalize(addr)
	if _, err := RemoveKnownHost(k.Path, entry); err != nil {
		return err
	}
	key, err := ScanHostKey(ctx, addr, timeout)
	if err != nil {
		return err
	}
	return AppendKnownHost(k.Path, entry, key)
}
