// Package localssh attaches to pre-existing hosts reachable over SSH. The
// hosts are not owned: create and start only check reachability, and delete
// forgets the provisioning record without touching the host.
package localssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	"github.com/incant-go/incant/internal/backend"
	"github.com/incant-go/incant/internal/provision"
	gssh "github.com/incant-go/incant/internal/ssh"
	"github.com/incant-go/incant/internal/telemetry"
)

// Host is one configured machine.
type Host struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	User string `yaml:"user"`
	Port int    `yaml:"port"`
}

func (h Host) addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.IP, strconv.Itoa(port))
}

type Config struct {
	Hosts      []Host
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
}

type Backend struct {
	cfg       Config
	log       zerolog.Logger
	Collector *telemetry.Collector

	mu    sync.Mutex
	conns map[string]*xssh.Client
}

func New(cfg Config, log zerolog.Logger) *Backend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Backend{cfg: cfg, log: log, conns: map[string]*xssh.Client{}}
}

func (b *Backend) Name() string { return "localssh" }

func (b *Backend) host(name string) (Host, bool) {
	for _, h := range b.cfg.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

// conn returns a cached connection to the host, dialing on first use.
func (b *Backend) conn(ctx context.Context, name string) (*xssh.Client, error) {
	h, ok := b.host(name)
	if !ok {
		return nil, fmt.Errorf("host %q is not configured for localssh", name)
	}
	b.mu.Lock()
	cli, ok := b.conns[name]
	b.mu.Unlock()
	if ok {
		return cli, nil
	}

	start := time.Now()
	user := h.User
	if user == "" {
		user = "root"
	}
	cli, err := gssh.Dial(ctx, &gssh.Client{
		Addr:       h.addr(),
		User:       user,
		Signer:     b.cfg.Signer,
		KnownHosts: b.cfg.KnownHosts,
		Timeout:    b.cfg.Timeout,
		Retries:    b.cfg.Retries,
	})
	b.Collector.Timer("incant_ssh_dial", time.Since(start), map[string]string{"host": name})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.conns[name]; ok {
		_ = cli.Close()
		return existing, nil
	}
	b.conns[name] = cli
	return cli, nil
}

func (b *Backend) drop(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cli, ok := b.conns[name]; ok {
		_ = cli.Close()
		delete(b.conns, name)
	}
}

// Close releases all cached connections.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, cli := range b.conns {
		_ = cli.Close()
		delete(b.conns, name)
	}
	return nil
}

func (b *Backend) Create(ctx context.Context, req backend.CreateRequest) (backend.Handle, error) {
	h, ok := b.host(req.Name)
	if !ok {
		return backend.Handle{}, fmt.Errorf("host %q is not configured for localssh", req.Name)
	}
	// No-op: we attach to existing hosts defined in settings.
	b.log.Debug().Str("instance", req.Name).Str("addr", h.addr()).Msg("Attaching to existing host")
	return backend.Handle{Name: req.Name, ID: "local-" + req.Name}, nil
}

func (b *Backend) Start(ctx context.Context, h backend.Handle) error {
	_, err := b.conn(ctx, h.Name)
	return err
}

func (b *Backend) Stop(ctx context.Context, h backend.Handle) error {
	b.drop(h.Name)
	return nil
}

// Delete removes the provisioning record so the next run starts fresh.
func (b *Backend) Delete(ctx context.Context, h backend.Handle) error {
	b.log.Info().Str("instance", h.Name).Msg("Host is not owned; forgetting provisioning record only")
	return b.RemoveFile(ctx, h, provision.RecordPath)
}

func (b *Backend) Status(ctx context.Context, h backend.Handle) (backend.Status, error) {
	host, ok := b.host(h.Name)
	if !ok {
		return backend.Status{State: backend.Absent}, nil
	}
	if _, err := b.conn(ctx, h.Name); err != nil {
		b.log.Debug().Err(err).Str("instance", h.Name).Msg("Host unreachable")
		return backend.Status{State: backend.Stopped, Detail: "UNREACHABLE " + host.addr()}, nil
	}
	return backend.Status{State: backend.Running, Ready: true, Detail: "REACHABLE " + host.addr()}, nil
}

func (b *Backend) Exec(ctx context.Context, h backend.Handle, req backend.ExecRequest) (backend.ExecResult, error) {
	cli, err := b.conn(ctx, h.Name)
	if err != nil {
		return backend.ExecResult{}, err
	}
	line := gssh.CommandLine(req.Command, req.Cwd, req.Env)
	b.log.Debug().Str("instance", h.Name).Str("cmd", line).Msg("-> ssh")
	start := time.Now()
	res, err := gssh.Run(ctx, cli, line)
	b.Collector.Timer("incant_backend_call", time.Since(start), map[string]string{"backend": "localssh", "op": "exec"})
	if err != nil {
		b.drop(h.Name)
		return backend.ExecResult{}, err
	}
	return backend.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

func (b *Backend) PushFile(ctx context.Context, h backend.Handle, req backend.PushRequest) error {
	cli, err := b.conn(ctx, h.Name)
	if err != nil {
		return err
	}
	start := time.Now()
	err = gssh.Push(ctx, cli, req.Content, req.RemotePath, gssh.PushOptions{Mode: req.FileMode(), UID: req.UID, GID: req.GID})
	b.Collector.Timer("incant_backend_call", time.Since(start), map[string]string{"backend": "localssh", "op": "push"})
	return err
}

func (b *Backend) RemoveFile(ctx context.Context, h backend.Handle, remotePath string) error {
	cli, err := b.conn(ctx, h.Name)
	if err != nil {
		return err
	}
	return gssh.Remove(ctx, cli, remotePath)
}

// Hosts lists the configured host names.
func (b *Backend) Hosts() []string {
	names := make([]string, 0, len(b.cfg.Hosts))
	for _, h := range b.cfg.Hosts {
		names = append(names, h.Name)
	}
	return names
}
