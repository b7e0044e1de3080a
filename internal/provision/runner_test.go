package provision

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incant-go/incant/internal/backend"
	"github.com/incant-go/incant/internal/backend/backendtest"
	"github.com/incant-go/incant/internal/spec"
	"github.com/incant-go/incant/internal/telemetry"
)

func runningFake(t *testing.T) (*backendtest.Fake, Target) {
	t.Helper()
	f := backendtest.New()
	f.Seed("web", backend.Running)
	return f, Target{Instance: "web", Handle: backend.Handle{Name: "web"}}
}

func resolved(step spec.Step, content []byte) Resolved {
	if content == nil && (step.Kind == spec.InlineCommand || step.Kind == spec.InlineScript) {
		content = []byte(step.Text)
	}
	return Resolved{Step: step, Content: content, Fingerprint: Compute(step, content)}
}

func execArgs(f *backendtest.Fake) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Op == "exec" {
			out = append(out, c.Arg)
		}
	}
	return out
}

func TestRunCommand(t *testing.T) {
	f, target := runningFake(t)
	var cwd string
	f.OnExec = func(_ string, req backend.ExecRequest) (backend.ExecResult, bool) {
		cwd = req.Cwd
		return backend.ExecResult{}, false
	}
	r := NewRunner(f, zerolog.Nop())

	target.Cwd = "/incant"
	require.NoError(t, r.Run(context.Background(), target, 0, resolved(spec.Step{Kind: spec.InlineCommand, Text: "make test"}, nil)))
	assert.Equal(t, []string{"sh -c make test"}, execArgs(f))
	assert.Equal(t, "/incant", cwd)
}

func TestRunCommandFailureCarriesStderr(t *testing.T) {
	f, target := runningFake(t)
	f.OnExec = func(string, backend.ExecRequest) (backend.ExecResult, bool) {
		return backend.ExecResult{ExitCode: 127, Stderr: "sh: nope: not found\n"}, true
	}
	r := NewRunner(f, zerolog.Nop())

	err := r.Run(context.Background(), target, 2, resolved(spec.Step{Kind: spec.InlineCommand, Text: "nope"}, nil))
	var se *StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Index)
	assert.Equal(t, PhaseExec, se.Phase)
	assert.Equal(t, 127, se.ExitCode)
	assert.Contains(t, err.Error(), "step 3")
	assert.Contains(t, err.Error(), "not found")
}

func TestRunScriptUploadsExecutesAndCleansUp(t *testing.T) {
	f, target := runningFake(t)
	r := NewRunner(f, zerolog.Nop())
	step := spec.Step{Kind: spec.InlineScript, Text: "#!/bin/sh\necho hi\n"}

	require.NoError(t, r.Run(context.Background(), target, 0, resolved(step, nil)))

	var pushed string
	for _, c := range f.Calls() {
		if c.Op == "push" {
			pushed = c.Arg
		}
	}
	require.True(t, strings.HasPrefix(pushed, "/tmp/incant-"), pushed)
	assert.Equal(t, []string{"chmod +x " + pushed, pushed}, execArgs(f))
	assert.Equal(t, 1, f.CountCalls("remove", "web"))
	_, exists := f.File("web", pushed)
	assert.False(t, exists, "temporary script left behind")
}

func TestRunScriptCleansUpAfterFailure(t *testing.T) {
	f, target := runningFake(t)
	f.OnExec = func(_ string, req backend.ExecRequest) (backend.ExecResult, bool) {
		if strings.HasPrefix(req.Command[0], "/tmp/incant-") {
			return backend.ExecResult{ExitCode: 3, Stderr: "failed"}, true
		}
		return backend.ExecResult{}, false
	}
	r := NewRunner(f, zerolog.Nop())

	err := r.Run(context.Background(), target, 0, resolved(spec.Step{Kind: spec.ScriptFile, Path: "s.sh"}, []byte("exit 3")))
	var se *StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, PhaseExec, se.Phase)
	assert.Equal(t, 3, se.ExitCode)
	assert.Equal(t, 1, f.CountCalls("remove", "web"))
	assert.Empty(t, f.Files("web"))
}

func TestRunScriptCleanupFailureAfterSuccess(t *testing.T) {
	f, target := runningFake(t)
	f.Fail("remove", "web", errors.New("permission denied"))
	r := NewRunner(f, zerolog.Nop())

	err := r.Run(context.Background(), target, 0, resolved(spec.Step{Kind: spec.InlineScript, Text: "a\nb\n"}, nil))
	var se *StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, PhaseCleanup, se.Phase)
}

func TestRunScriptUploadFailure(t *testing.T) {
	f, target := runningFake(t)
	f.Fail("push", "web", errors.New("disk full"))
	r := NewRunner(f, zerolog.Nop())

	err := r.Run(context.Background(), target, 0, resolved(spec.Step{Kind: spec.InlineScript, Text: "a\nb\n"}, nil))
	var se *StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, PhaseUpload, se.Phase)
	assert.Empty(t, execArgs(f))
}

func TestCopyFileKeepsModeAndOwner(t *testing.T) {
	f, target := runningFake(t)
	r := NewRunner(f, zerolog.Nop())
	mode := os.FileMode(0o640)
	uid := 33
	step := spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "motd", Target: "/etc/motd", Mode: &mode, UID: &uid}}

	require.NoError(t, r.Run(context.Background(), target, 0, resolved(step, []byte("welcome"))))
	file, ok := f.File("web", "/etc/motd")
	require.True(t, ok)
	assert.Equal(t, "welcome", string(file.Content))
	assert.Equal(t, mode, file.Mode)
}

func TestCopyFileDefaultMode(t *testing.T) {
	f, target := runningFake(t)
	r := NewRunner(f, zerolog.Nop())
	step := spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "a", Target: "/a"}}

	require.NoError(t, r.Run(context.Background(), target, 0, resolved(step, []byte("x"))))
	file, _ := f.File("web", "/a")
	assert.Zero(t, file.Mode)
}

func TestCopyFileUsesSourceMode(t *testing.T) {
	f, target := runningFake(t)
	r := NewRunner(f, zerolog.Nop())
	step := spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "run.sh", Target: "/usr/local/bin/run"}}
	rs := resolved(step, []byte("#!/bin/sh\n"))
	rs.SourceMode = 0o755

	require.NoError(t, r.Run(context.Background(), target, 0, rs))
	file, ok := f.File("web", "/usr/local/bin/run")
	require.True(t, ok)
	assert.Equal(t, os.FileMode(0o755), file.Mode)
}

type recordingRefresher struct{ hosts []string }

func (r *recordingRefresher) Refresh(_ context.Context, host string) error {
	r.hosts = append(r.hosts, host)
	return errors.New("no route to host")
}

func TestSSHServerStep(t *testing.T) {
	f, target := runningFake(t)
	refresher := &recordingRefresher{}
	r := NewRunner(f, zerolog.Nop())
	r.HostKeys = refresher
	r.Collector = telemetry.NewCollector(true)
	step := spec.Step{Kind: spec.SSHServer, SSH: &spec.SSH{CleanKnownHosts: true}}

	// A failing known_hosts refresh only warns.
	require.NoError(t, r.Run(context.Background(), target, 0, resolved(step, []byte("ssh-ed25519 AAAA test\n"))))
	assert.Equal(t, []string{"sh -c " + sshInstallCmd, "mkdir -p /root/.ssh"}, execArgs(f))
	file, ok := f.File("web", authorizedKeys)
	require.True(t, ok)
	assert.Equal(t, os.FileMode(0o600), file.Mode)
	assert.Equal(t, []string{"web"}, refresher.hosts)

	summary := r.Collector.Summary()
	require.NotEmpty(t, summary)
	assert.Equal(t, "incant_step_duration", summary[0].Name)
}

func TestSSHServerWithoutKeys(t *testing.T) {
	f, target := runningFake(t)
	r := NewRunner(f, zerolog.Nop())

	require.NoError(t, r.Run(context.Background(), target, 0, resolved(spec.Step{Kind: spec.SSHServer, SSH: &spec.SSH{}}, nil)))
	_, ok := f.File("web", authorizedKeys)
	assert.False(t, ok)
}
