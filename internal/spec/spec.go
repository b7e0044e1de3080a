package spec

import (
	"fmt"
	"os"
)

// StepKind discriminates the provisioning step variants.
type StepKind string

const (
	InlineCommand StepKind = "command"
	ScriptFile    StepKind = "script"
	InlineScript  StepKind = "inline-script"
	CopyFile      StepKind = "copy"
	SSHServer     StepKind = "ssh"
)

// Step is one unit of post-creation configuration work. Only the fields
// belonging to Kind are meaningful.
type Step struct {
	Kind StepKind

	// Text holds the command line for InlineCommand and the script body for InlineScript.
	Text string
	// Path is the project-relative script path for ScriptFile.
	Path string

	Copy *Copy
	SSH  *SSH
}

// Copy describes a file transfer into the instance.
type Copy struct {
	Source string
	Target string
	// Mode is nil when the backend default permissions should apply.
	Mode *os.FileMode
	UID  *int
	GID  *int
}

// SSH configures the SSH server step.
type SSH struct {
	// AuthorizedKeys is a local file; empty means ~/.ssh/id_*.pub.
	AuthorizedKeys  string
	CleanKnownHosts bool
}

// Describe returns a short human label for logs and summaries.
func (s Step) Describe() string {
	switch s.Kind {
	case InlineCommand:
		return fmt.Sprintf("command %q", truncate(s.Text, 48))
	case ScriptFile:
		return fmt.Sprintf("script %s", s.Path)
	case InlineScript:
		return "inline script"
	case CopyFile:
		if s.Copy != nil {
			return fmt.Sprintf("copy %s -> %s", s.Copy.Source, s.Copy.Target)
		}
	case SSHServer:
		return "ssh server"
	}
	return string(s.Kind)
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// Hardware is the opaque hardware profile passed through to the backend.
type Hardware struct {
	Type    string
	Devices map[string]map[string]string
}

// Instance is the desired state of one named instance.
type Instance struct {
	Name         string
	Image        string
	VM           bool
	Hardware     Hardware
	Config       map[string]string
	Profiles     []string
	Network      string
	SharedFolder bool
	WaitForReady bool
	Steps        []Step
}

// Fleet is the ordered set of instances declared for one run.
type Fleet struct {
	// Root is the project directory the fleet file was loaded from.
	Root      string
	Instances []Instance
}

// Lookup returns the instance with the given name.
func (f *Fleet) Lookup(name string) (Instance, bool) {
	for _, inst := range f.Instances {
		if inst.Name == name {
			return inst, true
		}
	}
	return Instance{}, false
}

// Names returns instance names in declaration order.
func (f *Fleet) Names() []string {
	names := make([]string, 0, len(f.Instances))
	for _, inst := range f.Instances {
		names = append(names, inst.Name)
	}
	return names
}
