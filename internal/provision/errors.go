package provision

import (
	"fmt"
	"strings"
)

// Phase names the sub-operation of a step that failed.
type Phase string

const (
	PhaseRead    Phase = "read"
	PhaseUpload  Phase = "upload"
	PhaseChmod   Phase = "chmod"
	PhaseExec    Phase = "exec"
	PhaseCleanup Phase = "cleanup"
	PhaseRecord  Phase = "record"
)

// StepExecutionError reports a failed provisioning step with enough context to act on.
type StepExecutionError struct {
	Instance    string
	Index       int
	Step        string
	Fingerprint Fingerprint
	Phase       Phase
	ExitCode    int
	Stderr      string
	Err         error
}

func (e *StepExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "instance %s: step %d (%s", e.Instance, e.Index+1, e.Step)
	if e.Fingerprint != "" {
		fmt.Fprintf(&b, ", %s", e.Fingerprint.Short())
	}
	fmt.Fprintf(&b, ") failed during %s", e.Phase)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// ExitError is the error of a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
}
