package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/incant-go/incant/internal/spec"
	gssh "github.com/incant-go/incant/internal/ssh"
)

// Resolved is a step together with the content read for it at execution time.
type Resolved struct {
	Step        spec.Step
	Content     []byte
	Fingerprint Fingerprint
	// SourceMode is the permission of the local file a copy step reads.
	SourceMode os.FileMode
}

// Resolver reads step content. Project is rooted at the project directory so
// relative paths never depend on the caller's working directory.
type Resolver struct {
	Project afero.Fs
	// Local serves absolute and home-relative paths (authorized_keys files).
	Local   afero.Fs
	HomeDir string
}

// NewResolver returns a resolver for the project rooted at root.
func NewResolver(root string) *Resolver {
	home, _ := os.UserHomeDir()
	osfs := afero.NewOsFs()
	return &Resolver{
		Project: afero.NewBasePathFs(osfs, root),
		Local:   osfs,
		HomeDir: home,
	}
}

// Resolve reads whatever the step depends on and fingerprints the result.
func (r *Resolver) Resolve(step spec.Step) (Resolved, error) {
	var (
		content []byte
		mode    os.FileMode
		err     error
	)
	switch step.Kind {
	case spec.InlineCommand, spec.InlineScript:
		content = []byte(step.Text)
	case spec.ScriptFile:
		content, err = afero.ReadFile(r.Project, projectPath(step.Path))
		if err != nil {
			return Resolved{}, fmt.Errorf("read script %s: %w", step.Path, err)
		}
	case spec.CopyFile:
		if step.Copy == nil {
			return Resolved{}, fmt.Errorf("copy step without source")
		}
		content, mode, err = r.readSource(step.Copy.Source)
		if err != nil {
			return Resolved{}, fmt.Errorf("read copy source %s: %w", step.Copy.Source, err)
		}
	case spec.SSHServer:
		content, err = r.authorizedKeys(step.SSH)
		if err != nil {
			return Resolved{}, err
		}
	default:
		return Resolved{}, fmt.Errorf("unknown step kind %q", step.Kind)
	}
	return Resolved{Step: step, Content: content, Fingerprint: Compute(step, content), SourceMode: mode}, nil
}

func (r *Resolver) readSource(p string) ([]byte, os.FileMode, error) {
	fs, name := r.Project, projectPath(p)
	if filepath.IsAbs(p) || strings.HasPrefix(p, "~/") {
		fs, name = r.Local, r.expand(p)
	}
	st, err := fs.Stat(name)
	if err != nil {
		return nil, 0, err
	}
	if st.IsDir() {
		return nil, 0, fmt.Errorf("%s is a directory", p)
	}
	content, err := afero.ReadFile(fs, name)
	if err != nil {
		return nil, 0, err
	}
	return content, st.Mode().Perm(), nil
}

func (r *Resolver) authorizedKeys(cfg *spec.SSH) ([]byte, error) {
	if cfg != nil && cfg.AuthorizedKeys != "" {
		p := cfg.AuthorizedKeys
		fs := r.Local
		if !filepath.IsAbs(p) && !strings.HasPrefix(p, "~/") {
			fs, p = r.Project, projectPath(p)
		}
		data, err := afero.ReadFile(fs, r.expand(p))
		if err != nil {
			return nil, fmt.Errorf("read authorized_keys %s: %w", cfg.AuthorizedKeys, err)
		}
		return gssh.NormalizeAuthorizedKeys(data)
	}
	matches, err := afero.Glob(r.Local, filepath.Join(r.HomeDir, ".ssh", "id_*.pub"))
	if err != nil {
		return nil, fmt.Errorf("find public keys: %w", err)
	}
	var all []byte
	for _, m := range matches {
		data, err := afero.ReadFile(r.Local, m)
		if err != nil {
			return nil, fmt.Errorf("read public key %s: %w", m, err)
		}
		all = append(all, data...)
		all = append(all, '\n')
	}
	return gssh.NormalizeAuthorizedKeys(all)
}

func (r *Resolver) expand(p string) string {
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(r.HomeDir, p[2:])
	}
	return p
}

// projectPath cleans a project-relative path so it cannot climb above the root.
func projectPath(p string) string {
	return filepath.Join(string(filepath.Separator), filepath.Clean(p))
}
