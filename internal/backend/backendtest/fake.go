// Package backendtest provides an in-memory backend for tests.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/incant-go/incant/internal/backend"
)

// Call is one recorded backend invocation.
type Call struct {
	Op       string
	Instance string
	Arg      string
}

type File struct {
	Content []byte
	Mode    os.FileMode
}

type instance struct {
	req   backend.CreateRequest
	state backend.State
	ready bool
	files map[string]File
}

// ExecFunc lets tests script command results. Returning ok=false falls back
// to the built-in behaviour.
type ExecFunc func(name string, req backend.ExecRequest) (res backend.ExecResult, ok bool)

// Fake is a concurrency-safe in-memory backend.
type Fake struct {
	mu        sync.Mutex
	instances map[string]*instance
	calls     []Call
	failures  map[string]error

	// ReadyAfter is the number of Status polls on a running instance before it reports ready.
	ReadyAfter int
	// NeverReady keeps instances unready forever.
	NeverReady bool
	OnExec     ExecFunc
	// NoSharedFolder makes the fake report it cannot mount host directories.
	NoSharedFolder bool

	polls map[string]int
}

func New() *Fake {
	return &Fake{
		instances: map[string]*instance{},
		failures:  map[string]error{},
		polls:     map[string]int{},
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) SharesFolders() bool { return !f.NoSharedFolder }

// Fail makes op ("create", "start", "delete", "status", "exec", "push", "remove",
// "attach", "verify")
// fail for the named instance.
func (f *Fake) Fail(op, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+"/"+name] = err
}

// Seed registers an existing instance in the given state.
func (f *Fake) Seed(name string, state backend.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[name] = &instance{req: backend.CreateRequest{Name: name}, state: state, ready: state == backend.Running, files: map[string]File{}}
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CountCalls counts recorded calls matching op and instance; empty instance matches all.
func (f *Fake) CountCalls(op, name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op && (name == "" || c.Instance == name) {
			n++
		}
	}
	return n
}

// Mutations returns the calls that change backend state.
func (f *Fake) Mutations() []Call {
	var out []Call
	for _, c := range f.Calls() {
		switch c.Op {
		case "create", "start", "stop", "delete", "exec", "push", "remove", "attach":
			out = append(out, c)
		}
	}
	return out
}

// File returns a file pushed into an instance.
func (f *Fake) File(name, path string) (File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return File{}, false
	}
	file, ok := inst.files[path]
	return file, ok
}

// Files lists the paths present in an instance.
func (f *Fake) Files(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return nil
	}
	var out []string
	for p := range inst.files {
		out = append(out, p)
	}
	return out
}

// State returns the current state of an instance.
func (f *Fake) State(name string) backend.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[name]; ok {
		return inst.state
	}
	return backend.Absent
}

// CreateRequest returns the request an instance was created with.
func (f *Fake) CreateRequest(name string) (backend.CreateRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return backend.CreateRequest{}, false
	}
	return inst.req, true
}

func (f *Fake) record(op, name, arg string) error {
	f.calls = append(f.calls, Call{Op: op, Instance: name, Arg: arg})
	return f.failures[op+"/"+name]
}

func (f *Fake) lookup(name string) (*instance, error) {
	inst, ok := f.instances[name]
	if !ok {
		return nil, fmt.Errorf("instance %q not found", name)
	}
	return inst, nil
}

func (f *Fake) Create(ctx context.Context, req backend.CreateRequest) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", req.Name, req.Image); err != nil {
		return backend.Handle{}, err
	}
	if _, ok := f.instances[req.Name]; ok {
		return backend.Handle{}, fmt.Errorf("instance %q already exists", req.Name)
	}
	f.instances[req.Name] = &instance{req: req, state: backend.Stopped, files: map[string]File{}}
	return backend.Handle{Name: req.Name, ID: "fake-" + req.Name}, nil
}

func (f *Fake) Start(ctx context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("start", h.Name, ""); err != nil {
		return err
	}
	inst, err := f.lookup(h.Name)
	if err != nil {
		return err
	}
	inst.state = backend.Running
	inst.ready = !f.NeverReady && f.ReadyAfter == 0
	return nil
}

func (f *Fake) Stop(ctx context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stop", h.Name, ""); err != nil {
		return err
	}
	inst, err := f.lookup(h.Name)
	if err != nil {
		return err
	}
	inst.state = backend.Stopped
	inst.ready = false
	return nil
}

func (f *Fake) Delete(ctx context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", h.Name, ""); err != nil {
		return err
	}
	if _, err := f.lookup(h.Name); err != nil {
		return err
	}
	delete(f.instances, h.Name)
	return nil
}

func (f *Fake) Status(ctx context.Context, h backend.Handle) (backend.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("status", h.Name, ""); err != nil {
		return backend.Status{}, err
	}
	inst, ok := f.instances[h.Name]
	if !ok {
		return backend.Status{State: backend.Absent}, nil
	}
	if inst.state == backend.Running && !inst.ready && !f.NeverReady {
		f.polls[h.Name]++
		if f.polls[h.Name] > f.ReadyAfter {
			inst.ready = true
		}
	}
	return backend.Status{State: inst.state, Ready: inst.ready && !f.NeverReady}, nil
}

func (f *Fake) Exec(ctx context.Context, h backend.Handle, req backend.ExecRequest) (backend.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := strings.Join(req.Command, " ")
	if err := f.record("exec", h.Name, line); err != nil {
		return backend.ExecResult{}, err
	}
	inst, err := f.lookup(h.Name)
	if err != nil {
		return backend.ExecResult{}, err
	}
	if inst.state != backend.Running {
		return backend.ExecResult{}, errors.New("instance is not running")
	}
	if f.OnExec != nil {
		if res, ok := f.OnExec(h.Name, req); ok {
			return res, nil
		}
	}
	// cat of a pushed file is served from memory so marker files round-trip.
	if len(req.Command) == 2 && req.Command[0] == "cat" {
		file, ok := inst.files[req.Command[1]]
		if !ok {
			return backend.ExecResult{ExitCode: 1, Stderr: "cat: " + req.Command[1] + ": No such file or directory"}, nil
		}
		return backend.ExecResult{Stdout: string(file.Content)}, nil
	}
	return backend.ExecResult{}, nil
}

func (f *Fake) PushFile(ctx context.Context, h backend.Handle, req backend.PushRequest) error {
	content, err := io.ReadAll(req.Content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("push", h.Name, req.RemotePath); err != nil {
		return err
	}
	inst, err := f.lookup(h.Name)
	if err != nil {
		return err
	}
	inst.files[req.RemotePath] = File{Content: content, Mode: req.FileMode()}
	return nil
}

func (f *Fake) RemoveFile(ctx context.Context, h backend.Handle, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("remove", h.Name, remotePath); err != nil {
		return err
	}
	inst, err := f.lookup(h.Name)
	if err != nil {
		return err
	}
	delete(inst.files, remotePath)
	return nil
}

// AttachSharedFolder gives the instance sf unless it already has a shared folder.
func (f *Fake) AttachSharedFolder(ctx context.Context, h backend.Handle, sf backend.SharedFolder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("attach", h.Name, sf.Path); err != nil {
		return err
	}
	inst, err := f.lookup(h.Name)
	if err != nil {
		return err
	}
	if inst.req.SharedFolder == nil {
		inst.req.SharedFolder = &sf
	}
	return nil
}

// VerifySharedFolder only records the check; use Fail("verify", ...) to make it fail.
func (f *Fake) VerifySharedFolder(ctx context.Context, h backend.Handle, sf backend.SharedFolder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("verify", h.Name, sf.Path); err != nil {
		return err
	}
	_, err := f.lookup(h.Name)
	return err
}
