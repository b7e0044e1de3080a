// Package incus drives instances through the incus command line client.
package incus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/incant-go/incant/internal/backend"
	"github.com/incant-go/incant/internal/telemetry"
)

const agentNotRunning = "VM agent isn't currently running"

// CommandError is a failed incus invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("incus %s: %s", strings.Join(e.Args, " "), msg)
}

// Runner executes the incus binary. Tests substitute it.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, args ...string) (stdout, stderr string, exitCode int, err error)
}

type execRunner struct{ binary string }

func (r execRunner) Run(ctx context.Context, stdin io.Reader, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	return stdout.String(), stderr.String(), 0, err
}

type Backend struct {
	runner    Runner
	log       zerolog.Logger
	collector *telemetry.Collector
}

type Option func(*Backend)

func WithRunner(r Runner) Option { return func(b *Backend) { b.runner = r } }

func WithCollector(c *telemetry.Collector) Option { return func(b *Backend) { b.collector = c } }

// New returns a backend invoking binary ("incus" when empty).
func New(binary string, log zerolog.Logger, opts ...Option) *Backend {
	if binary == "" {
		binary = "incus"
	}
	b := &Backend{runner: execRunner{binary: binary}, log: log}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) Name() string { return "incus" }

func (b *Backend) SharesFolders() bool { return true }

// run invokes incus and converts a non-zero exit into a CommandError.
func (b *Backend) run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	stdout, stderr, code, err := b.runRaw(ctx, stdin, args...)
	if err != nil {
		return stdout, err
	}
	if code != 0 {
		return stdout, &CommandError{Args: args, ExitCode: code, Stderr: stderr}
	}
	return stdout, nil
}

func (b *Backend) runRaw(ctx context.Context, stdin io.Reader, args ...string) (string, string, int, error) {
	start := time.Now()
	b.log.Debug().Strs("args", args).Msg("-> incus")
	stdout, stderr, code, err := b.runner.Run(ctx, stdin, args...)
	b.collector.Timer("incant_backend_call", time.Since(start), map[string]string{
		"backend": "incus",
		"op":      args[0],
	})
	if err != nil {
		return stdout, stderr, code, fmt.Errorf("incus %s: %w", args[0], err)
	}
	return stdout, stderr, code, nil
}

// CreateArgs builds the `incus init` invocation for req.
func CreateArgs(req backend.CreateRequest) []string {
	args := []string{"init", req.Image, req.Name}
	if req.VM {
		args = append(args, "--vm")
	}
	for _, p := range req.Profiles {
		args = append(args, "--profile", p)
	}
	for _, k := range sortedKeys(req.Config) {
		args = append(args, "--config", k+"="+req.Config[k])
	}
	for _, dev := range sortedKeys(req.Devices) {
		attrs := req.Devices[dev]
		parts := []string{dev}
		for _, k := range sortedKeys(attrs) {
			parts = append(parts, k+"="+attrs[k])
		}
		args = append(args, "--device", strings.Join(parts, ","))
	}
	if req.Network != "" {
		args = append(args, "--network", req.Network)
	}
	if req.Type != "" {
		args = append(args, "--type", req.Type)
	}
	return args
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *Backend) Create(ctx context.Context, req backend.CreateRequest) (backend.Handle, error) {
	h := backend.Handle{Name: req.Name}
	if _, err := b.run(ctx, nil, CreateArgs(req)...); err != nil {
		return h, err
	}
	if req.SharedFolder != nil {
		if err := b.addSharedFolder(ctx, req.Name, *req.SharedFolder); err != nil {
			return h, err
		}
	}
	return h, nil
}

func sharedDevice(name string) string { return name + "_shared_incant" }

// addSharedFolder mounts the project directory, retrying without idmap
// shifting on hosts that do not support it.
func (b *Backend) addSharedFolder(ctx context.Context, name string, sf backend.SharedFolder) error {
	args := []string{"config", "device", "add", name, sharedDevice(name), "disk",
		"source=" + sf.Source, "path=" + sf.Path}
	_, err := b.run(ctx, nil, append(args, "shift=true")...)
	if err == nil {
		return nil
	}
	b.log.Warn().Err(err).Str("instance", name).Msg("Shared folder creation failed, retrying without shift=true")
	if _, err := b.run(ctx, nil, args...); err != nil {
		return fmt.Errorf("add shared folder: %w", err)
	}
	return nil
}

// AttachSharedFolder adds the shared folder device unless the instance
// already has one, e.g. after a create that failed half way.
func (b *Backend) AttachSharedFolder(ctx context.Context, h backend.Handle, sf backend.SharedFolder) error {
	out, err := b.run(ctx, nil, "config", "device", "list", h.Name)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == sharedDevice(h.Name) {
			return nil
		}
	}
	b.log.Info().Str("instance", h.Name).Msg("Shared folder device missing, adding it")
	return b.addSharedFolder(ctx, h.Name, sf)
}

// VerifySharedFolder checks /proc/mounts of a running instance. A device that
// is attached but not mounted (lxc/incus#1881) is removed and added again.
func (b *Backend) VerifySharedFolder(ctx context.Context, h backend.Handle, sf backend.SharedFolder) error {
	ok, err := b.mounted(ctx, h.Name, sf.Path)
	if err != nil || ok {
		return err
	}
	b.log.Warn().Str("instance", h.Name).Str("path", sf.Path).Msg("Shared folder not mounted, re-adding device")
	if _, err := b.run(ctx, nil, "config", "device", "remove", h.Name, sharedDevice(h.Name)); err != nil {
		b.log.Debug().Err(err).Str("instance", h.Name).Msg("Removing shared folder device failed")
	}
	if err := b.addSharedFolder(ctx, h.Name, sf); err != nil {
		return err
	}
	if ok, err = b.mounted(ctx, h.Name, sf.Path); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("shared folder %s is not mounted in %s", sf.Path, h.Name)
	}
	return nil
}

func (b *Backend) mounted(ctx context.Context, name, dir string) (bool, error) {
	args := []string{"exec", name, "--", "grep", "-wq", dir, "/proc/mounts"}
	_, stderr, code, err := b.runRaw(ctx, nil, args...)
	switch {
	case err != nil:
		return false, err
	case code == 0:
		return true, nil
	case code == 1:
		return false, nil
	}
	return false, &CommandError{Args: args, ExitCode: code, Stderr: stderr}
}

func (b *Backend) Start(ctx context.Context, h backend.Handle) error {
	_, err := b.run(ctx, nil, "start", h.Name)
	return err
}

func (b *Backend) Stop(ctx context.Context, h backend.Handle) error {
	_, err := b.run(ctx, nil, "stop", h.Name)
	return err
}

func (b *Backend) Delete(ctx context.Context, h backend.Handle) error {
	_, err := b.run(ctx, nil, "delete", "--force", h.Name)
	return err
}

type listEntry struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Type   string `json:"type"`
	State  *struct {
		Processes int `json:"processes"`
	} `json:"state"`
}

// ParseList finds name in `incus list --format json` output.
func ParseList(data []byte, name string) (backend.Status, int, error) {
	var entries []listEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return backend.Status{}, 0, fmt.Errorf("decode instance list: %w", err)
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		st := backend.Status{State: backend.Stopped, Detail: strings.ToUpper(e.Status)}
		if strings.EqualFold(e.Status, "running") {
			st.State = backend.Running
		}
		processes := 0
		if e.State != nil {
			processes = e.State.Processes
		}
		return st, processes, nil
	}
	return backend.Status{State: backend.Absent}, 0, nil
}

// Status reports the instance state. For running instances Ready is true once
// the guest agent answers and systemd finished booting.
func (b *Backend) Status(ctx context.Context, h backend.Handle) (backend.Status, error) {
	out, err := b.run(ctx, nil, "list", "^"+h.Name+"$", "--format", "json")
	if err != nil {
		return backend.Status{}, err
	}
	st, processes, err := ParseList([]byte(out), h.Name)
	if err != nil || st.State != backend.Running || processes <= 0 {
		return st, err
	}
	st.Ready, err = b.booted(ctx, h)
	return st, err
}

func (b *Backend) booted(ctx context.Context, h backend.Handle) (bool, error) {
	_, stderr, code, err := b.runRaw(ctx, nil, "exec", h.Name, "--", "true")
	if err != nil {
		return false, err
	}
	if code != 0 {
		if strings.Contains(stderr, agentNotRunning) {
			return false, nil
		}
		return false, &CommandError{Args: []string{"exec", h.Name, "--", "true"}, ExitCode: code, Stderr: stderr}
	}
	if _, _, code, err := b.runRaw(ctx, nil, "exec", h.Name, "--", "which", "systemctl"); err != nil || code != 0 {
		// No systemd in the guest: a usable agent is as ready as it gets.
		return err == nil, err
	}
	stdout, _, _, err := b.runRaw(ctx, nil, "exec", h.Name, "--", "systemctl", "is-system-running")
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(stdout) {
	case "running", "degraded":
		return true, nil
	}
	return false, nil
}

// ExecArgs builds the `incus exec` invocation for req.
func ExecArgs(name string, req backend.ExecRequest) []string {
	args := []string{"exec"}
	if req.Cwd != "" {
		args = append(args, "--cwd", req.Cwd)
	}
	for _, k := range sortedKeys(req.Env) {
		args = append(args, "--env", k+"="+req.Env[k])
	}
	args = append(args, name, "--")
	return append(args, req.Command...)
}

func (b *Backend) Exec(ctx context.Context, h backend.Handle, req backend.ExecRequest) (backend.ExecResult, error) {
	stdout, stderr, code, err := b.runRaw(ctx, nil, ExecArgs(h.Name, req)...)
	if err != nil {
		return backend.ExecResult{}, err
	}
	return backend.ExecResult{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
}

// PushArgs builds the `incus file push` invocation uploading local to the instance.
func PushArgs(name, local string, req backend.PushRequest) []string {
	args := []string{"file", "push", "--create-dirs"}
	if req.UID != nil {
		args = append(args, "--uid", strconv.Itoa(*req.UID))
	}
	if req.GID != nil {
		args = append(args, "--gid", strconv.Itoa(*req.GID))
	}
	if req.Mode != 0 {
		args = append(args, "--mode", fmt.Sprintf("%04o", uint32(req.Mode.Perm())))
	}
	return append(args, local, name+path.Clean("/"+req.RemotePath))
}

// defaultPushMode is given to staged files with no mode of their own, matching
// a file created under the usual 022 umask.
const defaultPushMode os.FileMode = 0o644

// PushFile stages the content in a local temp file, then pushes it. Without
// --mode incus copies the staged file's permissions, so the staged file
// carries the source's mode.
func (b *Backend) PushFile(ctx context.Context, h backend.Handle, req backend.PushRequest) error {
	tmp, err := os.CreateTemp("", "incant_")
	if err != nil {
		return fmt.Errorf("stage file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, req.Content); err != nil {
		tmp.Close()
		return fmt.Errorf("stage file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage file: %w", err)
	}
	mode := req.FileMode()
	if mode == 0 {
		mode = defaultPushMode
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("stage file: %w", err)
	}
	_, err = b.run(ctx, nil, PushArgs(h.Name, tmp.Name(), req)...)
	return err
}

func (b *Backend) RemoveFile(ctx context.Context, h backend.Handle, remotePath string) error {
	_, err := b.run(ctx, nil, "file", "delete", h.Name+path.Clean("/"+remotePath))
	return err
}

// Shell attaches the terminal to an interactive shell in the instance.
func (b *Backend) Shell(ctx context.Context, h backend.Handle) error {
	r, ok := b.runner.(execRunner)
	if !ok {
		return errors.New("shell requires the incus binary")
	}
	cmd := exec.CommandContext(ctx, r.binary, "shell", h.Name)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shell in %s: %w", h.Name, err)
	}
	return nil
}
