package backend

import (
	"context"
	"io"
	"os"
)

// State is the coarse lifecycle state reported by a backend.
type State string

const (
	Absent  State = "absent"
	Stopped State = "stopped"
	Running State = "running"
)

// Handle identifies an instance on the backend.
type Handle struct {
	Name string
	ID   string
}

// Status is the observed state of an instance.
type Status struct {
	State State
	// Ready reports the in-guest agent is usable and the system finished booting.
	Ready bool
	// Detail is a free-form backend description, e.g. "RUNNING" or "VIRTUAL-MACHINE".
	Detail string
}

// SharedFolder mounts a host directory into the instance.
type SharedFolder struct {
	Source string
	Path   string
}

type CreateRequest struct {
	Name         string
	Image        string
	VM           bool
	Type         string
	Devices      map[string]map[string]string
	Config       map[string]string
	Profiles     []string
	Network      string
	SharedFolder *SharedFolder
}

type ExecRequest struct {
	Command []string
	Cwd     string
	Env     map[string]string
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// PushRequest uploads Content to RemotePath. Mode zero leaves the backend
// default, which keeps SourceMode when the content came from a local file.
type PushRequest struct {
	Content    io.Reader
	RemotePath string
	Mode       os.FileMode
	// SourceMode is the permission of the local file Content was read from.
	SourceMode os.FileMode
	UID        *int
	GID        *int
}

// FileMode is the permission the pushed file should get, zero when neither
// mode is known.
func (r PushRequest) FileMode() os.FileMode {
	if r.Mode != 0 {
		return r.Mode.Perm()
	}
	return r.SourceMode.Perm()
}

// Backend is the hypervisor or host service instances live on. All calls are
// synchronous; a non-zero exit status from Exec is not an error.
type Backend interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle) error
	Delete(ctx context.Context, h Handle) error
	Status(ctx context.Context, h Handle) (Status, error)
	Exec(ctx context.Context, h Handle, req ExecRequest) (ExecResult, error)
	PushFile(ctx context.Context, h Handle, req PushRequest) error
	RemoveFile(ctx context.Context, h Handle, remotePath string) error
}

// Sheller is implemented by backends that can attach an interactive shell.
type Sheller interface {
	Shell(ctx context.Context, h Handle) error
}

// FolderSharer is implemented by backends that can mount a host directory
// inside an instance.
type FolderSharer interface {
	SharesFolders() bool
}

// FolderMounter is implemented by backends that can repair the shared folder
// of an instance that already exists.
type FolderMounter interface {
	// AttachSharedFolder adds the shared folder device if it is missing.
	AttachSharedFolder(ctx context.Context, h Handle, sf SharedFolder) error
	// VerifySharedFolder checks the folder is mounted in a running instance
	// and re-attaches it when it is not.
	VerifySharedFolder(ctx context.Context, h Handle, sf SharedFolder) error
}

// SharesFolders reports whether b honours CreateRequest.SharedFolder.
func SharesFolders(b Backend) bool {
	s, ok := b.(FolderSharer)
	return ok && s.SharesFolders()
}
