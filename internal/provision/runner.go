package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/incant-go/incant/internal/backend"
	"github.com/incant-go/incant/internal/spec"
	"github.com/incant-go/incant/internal/telemetry"
)

const (
	scriptDir       = "/tmp"
	sshInstallCmd   = "apt-get update && apt-get -y install ssh"
	authorizedKeys  = "/root/.ssh/authorized_keys"
	defaultExecPath = "/"
)

// HostKeyRefresher replaces the local known_hosts entry for a host.
type HostKeyRefresher interface {
	Refresh(ctx context.Context, host string) error
}

// Target is the running instance a step is applied to.
type Target struct {
	Instance string
	Handle   backend.Handle
	// Cwd is the working directory for commands; empty means "/".
	Cwd string
}

// Runner applies one resolved step to one instance.
type Runner struct {
	Backend   backend.Backend
	HostKeys  HostKeyRefresher
	Collector *telemetry.Collector
	Log       zerolog.Logger
}

func NewRunner(b backend.Backend, log zerolog.Logger) *Runner {
	return &Runner{Backend: b, Log: log}
}

// Run executes rs against t. index is the zero-based step position, used only
// for error reporting.
func (r *Runner) Run(ctx context.Context, t Target, index int, rs Resolved) (err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		r.Collector.Timer("incant_step_duration", time.Since(start), map[string]string{
			"instance": t.Instance,
			"kind":     string(rs.Step.Kind),
			"status":   status,
		})
	}()

	switch rs.Step.Kind {
	case spec.InlineCommand:
		return r.runCommand(ctx, t, index, rs)
	case spec.InlineScript, spec.ScriptFile:
		return r.runScript(ctx, t, index, rs)
	case spec.CopyFile:
		return r.copyFile(ctx, t, index, rs)
	case spec.SSHServer:
		return r.sshServer(ctx, t, index, rs)
	}
	return r.fail(t, index, rs, PhaseExec, fmt.Errorf("unknown step kind %q", rs.Step.Kind))
}

func (r *Runner) fail(t Target, index int, rs Resolved, phase Phase, err error) *StepExecutionError {
	se := &StepExecutionError{
		Instance:    t.Instance,
		Index:       index,
		Step:        rs.Step.Describe(),
		Fingerprint: rs.Fingerprint,
		Phase:       phase,
		Err:         err,
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		se.ExitCode = exit.ExitCode
	}
	return se
}

// exec runs a command and turns a non-zero exit into an error carrying stderr.
func (r *Runner) exec(ctx context.Context, t Target, command ...string) (string, error) {
	cwd := t.Cwd
	if cwd == "" {
		cwd = defaultExecPath
	}
	res, err := r.Backend.Exec(ctx, t.Handle, backend.ExecRequest{Command: command, Cwd: cwd})
	if err != nil {
		return "", err
	}
	if res.Stdout != "" {
		r.Log.Debug().Str("instance", t.Instance).Msg(strings.TrimRight(res.Stdout, "\n"))
	}
	if res.ExitCode != 0 {
		return res.Stderr, &ExitError{Command: command[0], ExitCode: res.ExitCode}
	}
	return res.Stderr, nil
}

func (r *Runner) runCommand(ctx context.Context, t Target, index int, rs Resolved) error {
	stderr, err := r.exec(ctx, t, "sh", "-c", rs.Step.Text)
	if err != nil {
		se := r.fail(t, index, rs, PhaseExec, err)
		se.Stderr = stderr
		return se
	}
	return nil
}

// runScript uploads the script to a unique temp path and always removes it,
// whether or not it ran successfully.
func (r *Runner) runScript(ctx context.Context, t Target, index int, rs Resolved) (err error) {
	remote := fmt.Sprintf("%s/incant-%s.sh", scriptDir, uuid.NewString())
	push := backend.PushRequest{Content: bytes.NewReader(rs.Content), RemotePath: remote, Mode: 0o700}
	if perr := r.Backend.PushFile(ctx, t.Handle, push); perr != nil {
		// The upload may have been partial; still try to clean up.
		r.cleanup(t, remote)
		return r.fail(t, index, rs, PhaseUpload, perr)
	}
	defer func() {
		if cerr := r.cleanup(t, remote); cerr != nil && err == nil {
			err = r.fail(t, index, rs, PhaseCleanup, cerr)
		}
	}()

	if stderr, cerr := r.exec(ctx, t, "chmod", "+x", remote); cerr != nil {
		se := r.fail(t, index, rs, PhaseChmod, cerr)
		se.Stderr = stderr
		return se
	}
	if stderr, eerr := r.exec(ctx, t, remote); eerr != nil {
		se := r.fail(t, index, rs, PhaseExec, eerr)
		se.Stderr = stderr
		return se
	}
	return nil
}

// cleanup removes a remote temp file. It runs on a detached context so an
// interrupted run does not leave the script behind.
func (r *Runner) cleanup(t Target, remote string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Backend.RemoveFile(ctx, t.Handle, remote); err != nil {
		r.Log.Warn().Err(err).Str("instance", t.Instance).Str("path", remote).Msg("Failed to remove temporary script")
		return err
	}
	return nil
}

func (r *Runner) copyFile(ctx context.Context, t Target, index int, rs Resolved) error {
	c := rs.Step.Copy
	req := backend.PushRequest{
		Content:    bytes.NewReader(rs.Content),
		RemotePath: c.Target,
		SourceMode: rs.SourceMode,
		UID:        c.UID,
		GID:        c.GID,
	}
	if c.Mode != nil {
		req.Mode = *c.Mode
	}
	r.Log.Info().Str("instance", t.Instance).Str("source", c.Source).Str("target", c.Target).Msg("Copying file")
	if err := r.Backend.PushFile(ctx, t.Handle, req); err != nil {
		return r.fail(t, index, rs, PhaseUpload, err)
	}
	return nil
}

func (r *Runner) sshServer(ctx context.Context, t Target, index int, rs Resolved) error {
	r.Log.Info().Str("instance", t.Instance).Msg("Installing SSH server")
	if stderr, err := r.exec(ctx, t, "sh", "-c", sshInstallCmd); err != nil {
		se := r.fail(t, index, rs, PhaseExec, fmt.Errorf("install ssh server (only apt-based systems are supported): %w", err))
		se.Stderr = stderr
		return se
	}
	if len(rs.Content) == 0 {
		r.Log.Warn().Str("instance", t.Instance).Msg("No public keys found; SSH access may require a password")
	} else {
		if stderr, err := r.exec(ctx, t, "mkdir", "-p", "/root/.ssh"); err != nil {
			se := r.fail(t, index, rs, PhaseExec, err)
			se.Stderr = stderr
			return se
		}
		uid, gid := 0, 0
		push := backend.PushRequest{
			Content:    bytes.NewReader(rs.Content),
			RemotePath: authorizedKeys,
			Mode:       os.FileMode(0o600),
			UID:        &uid,
			GID:        &gid,
		}
		if err := r.Backend.PushFile(ctx, t.Handle, push); err != nil {
			return r.fail(t, index, rs, PhaseUpload, err)
		}
	}
	if rs.Step.SSH != nil && rs.Step.SSH.CleanKnownHosts && r.HostKeys != nil {
		if err := r.HostKeys.Refresh(ctx, t.Instance); err != nil {
			r.Log.Warn().Err(err).Str("instance", t.Instance).Msg("Could not refresh known_hosts entry")
		}
	}
	return nil
}
