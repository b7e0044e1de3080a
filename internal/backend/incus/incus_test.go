package incus

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incant-go/incant/internal/backend"
)

type reply struct {
	stdout, stderr string
	code           int
}

// scriptedRunner answers invocations by their joined argument prefix. Queued
// replies are used up one call at a time before falling back to replies.
type scriptedRunner struct {
	replies map[string]reply
	queue   map[string][]reply
	onCall  func(args []string)
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, _ io.Reader, args ...string) (string, string, int, error) {
	line := strings.Join(args, " ")
	r.calls = append(r.calls, line)
	if r.onCall != nil {
		r.onCall(args)
	}
	for prefix, q := range r.queue {
		if strings.HasPrefix(line, prefix) && len(q) > 0 {
			r.queue[prefix] = q[1:]
			return q[0].stdout, q[0].stderr, q[0].code, nil
		}
	}
	for prefix, rep := range r.replies {
		if strings.HasPrefix(line, prefix) {
			return rep.stdout, rep.stderr, rep.code, nil
		}
	}
	return "", "", 0, nil
}

func newTestBackend(r Runner) *Backend {
	return New("", zerolog.Nop(), WithRunner(r))
}

func TestCreateArgs(t *testing.T) {
	args := CreateArgs(backend.CreateRequest{
		Name:     "db",
		Image:    "images:debian/12",
		VM:       true,
		Type:     "c2-m2",
		Profiles: []string{"default", "big"},
		Config:   map[string]string{"limits.processes": "100", "boot.autostart": "false"},
		Devices:  map[string]map[string]string{"root": {"size": "20GB", "pool": "fast"}},
		Network:  "incusbr0",
	})
	assert.Equal(t, []string{
		"init", "images:debian/12", "db", "--vm",
		"--profile", "default", "--profile", "big",
		"--config", "boot.autostart=false", "--config", "limits.processes=100",
		"--device", "root,pool=fast,size=20GB",
		"--network", "incusbr0",
		"--type", "c2-m2",
	}, args)
}

func TestExecAndPushArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"exec", "--cwd", "/incant", "--env", "A=1", "web", "--", "sh", "-c", "ls"},
		ExecArgs("web", backend.ExecRequest{Command: []string{"sh", "-c", "ls"}, Cwd: "/incant", Env: map[string]string{"A": "1"}}))

	uid := 0
	assert.Equal(t,
		[]string{"file", "push", "--create-dirs", "--uid", "0", "--mode", "0644", "/tmp/x", "web/etc/motd"},
		PushArgs("web", "/tmp/x", backend.PushRequest{RemotePath: "etc/motd", Mode: 0o644, UID: &uid}))
}

func TestParseList(t *testing.T) {
	data := []byte(`[
		{"name":"web","status":"Running","type":"container","state":{"processes":12}},
		{"name":"db","status":"Stopped","type":"virtual-machine","state":{"processes":0}}
	]`)

	st, procs, err := ParseList(data, "web")
	require.NoError(t, err)
	assert.Equal(t, backend.Running, st.State)
	assert.Equal(t, 12, procs)

	st, _, err = ParseList(data, "db")
	require.NoError(t, err)
	assert.Equal(t, backend.Stopped, st.State)
	assert.Equal(t, "STOPPED", st.Detail)

	st, _, err = ParseList(data, "cache")
	require.NoError(t, err)
	assert.Equal(t, backend.Absent, st.State)

	_, _, err = ParseList([]byte("not json"), "web")
	assert.Error(t, err)
}

func TestStatusReadiness(t *testing.T) {
	list := `[{"name":"web","status":"Running","state":{"processes":5}}]`

	cases := []struct {
		name    string
		replies map[string]reply
		ready   bool
	}{
		{
			name: "booted",
			replies: map[string]reply{
				"list": {stdout: list},
				"exec web -- systemctl is-system-running": {stdout: "degraded\n"},
			},
			ready: true,
		},
		{
			name: "still starting",
			replies: map[string]reply{
				"list": {stdout: list},
				"exec web -- systemctl is-system-running": {stdout: "starting\n", code: 1},
			},
		},
		{
			name: "agent not up",
			replies: map[string]reply{
				"list":             {stdout: list},
				"exec web -- true": {code: 1, stderr: "Error: VM agent isn't currently running"},
			},
		},
		{
			name: "no systemd",
			replies: map[string]reply{
				"list":                        {stdout: list},
				"exec web -- which systemctl": {code: 1},
			},
			ready: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(&scriptedRunner{replies: tc.replies})
			st, err := b.Status(context.Background(), backend.Handle{Name: "web"})
			require.NoError(t, err)
			assert.Equal(t, backend.Running, st.State)
			assert.Equal(t, tc.ready, st.Ready)
		})
	}
}

func TestSharedFolderRetriesWithoutShift(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"config device add web web_shared_incant disk source=/src path=/incant shift=true": {code: 1, stderr: "idmap not supported"},
	}}
	b := newTestBackend(r)
	_, err := b.Create(context.Background(), backend.CreateRequest{
		Name:         "web",
		Image:        "images:alpine/3.20",
		SharedFolder: &backend.SharedFolder{Source: "/src", Path: "/incant"},
	})
	require.NoError(t, err)
	require.Len(t, r.calls, 3)
	assert.Equal(t, "config device add web web_shared_incant disk source=/src path=/incant", r.calls[2])
}

func TestCommandErrorCarriesStderr(t *testing.T) {
	b := newTestBackend(&scriptedRunner{replies: map[string]reply{
		"delete": {code: 1, stderr: "Error: not found\n"},
	}})
	err := b.Delete(context.Background(), backend.Handle{Name: "gone"})
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.ExitCode)
	assert.Contains(t, err.Error(), "not found")
}

func TestPushFileStagesWithSourceMode(t *testing.T) {
	cases := []struct {
		name     string
		req      backend.PushRequest
		staged   os.FileMode
		modeFlag bool
	}{
		{"source mode kept", backend.PushRequest{SourceMode: 0o755}, 0o755, false},
		{"no mode at all", backend.PushRequest{}, 0o644, false},
		{"explicit mode", backend.PushRequest{Mode: 0o600, SourceMode: 0o755}, 0o600, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var (
				args   []string
				staged os.FileMode
			)
			r := &scriptedRunner{onCall: func(a []string) {
				args = a
				st, err := os.Stat(a[len(a)-2])
				require.NoError(t, err)
				staged = st.Mode().Perm()
			}}
			req := tc.req
			req.Content = strings.NewReader("welcome\n")
			req.RemotePath = "/etc/motd"

			require.NoError(t, newTestBackend(r).PushFile(context.Background(), backend.Handle{Name: "c1"}, req))
			assert.Equal(t, tc.staged, staged)
			assert.Equal(t, "c1/etc/motd", args[len(args)-1])
			assert.Equal(t, tc.modeFlag, strings.Contains(strings.Join(args, " "), "--mode"))
			_, err := os.Stat(args[len(args)-2])
			assert.True(t, os.IsNotExist(err), "staged file left behind")
		})
	}
}

func TestAttachSharedFolderOnlyWhenMissing(t *testing.T) {
	sf := backend.SharedFolder{Source: "/src", Path: "/incant"}

	r := &scriptedRunner{replies: map[string]reply{
		"config device list web": {stdout: "root\neth0\n"},
	}}
	require.NoError(t, newTestBackend(r).AttachSharedFolder(context.Background(), backend.Handle{Name: "web"}, sf))
	assert.Equal(t, []string{
		"config device list web",
		"config device add web web_shared_incant disk source=/src path=/incant shift=true",
	}, r.calls)

	r = &scriptedRunner{replies: map[string]reply{
		"config device list web": {stdout: "root\nweb_shared_incant\n"},
	}}
	require.NoError(t, newTestBackend(r).AttachSharedFolder(context.Background(), backend.Handle{Name: "web"}, sf))
	assert.Equal(t, []string{"config device list web"}, r.calls)
}

func TestVerifySharedFolder(t *testing.T) {
	sf := backend.SharedFolder{Source: "/src", Path: "/incant"}
	h := backend.Handle{Name: "web"}
	const grep = "exec web -- grep -wq /incant /proc/mounts"

	t.Run("mounted", func(t *testing.T) {
		r := &scriptedRunner{}
		require.NoError(t, newTestBackend(r).VerifySharedFolder(context.Background(), h, sf))
		assert.Equal(t, []string{grep}, r.calls)
	})

	t.Run("re-added", func(t *testing.T) {
		r := &scriptedRunner{queue: map[string][]reply{grep: {{code: 1}, {code: 0}}}}
		require.NoError(t, newTestBackend(r).VerifySharedFolder(context.Background(), h, sf))
		assert.Equal(t, []string{
			grep,
			"config device remove web web_shared_incant",
			"config device add web web_shared_incant disk source=/src path=/incant shift=true",
			grep,
		}, r.calls)
	})

	t.Run("still missing", func(t *testing.T) {
		r := &scriptedRunner{replies: map[string]reply{grep: {code: 1}}}
		err := newTestBackend(r).VerifySharedFolder(context.Background(), h, sf)
		assert.ErrorContains(t, err, "not mounted")
	})

	t.Run("exec fails", func(t *testing.T) {
		r := &scriptedRunner{replies: map[string]reply{grep: {code: 2, stderr: "grep: /proc/mounts: No such file"}}}
		err := newTestBackend(r).VerifySharedFolder(context.Background(), h, sf)
		var ce *CommandError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 2, ce.ExitCode)
	})
}
