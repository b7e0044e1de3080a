package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoFleetFile is returned when discovery finds no fleet file.
var ErrNoFleetFile = errors.New("no incant.yaml found")

// ResolutionError reports a fleet file that cannot be turned into a fleet.
// Instance is empty for file-level problems; Step is -1 when the problem is
// not tied to a provisioning step.
type ResolutionError struct {
	File     string
	Instance string
	Step     int
	Msg      string
	Err      error
}

func (e *ResolutionError) Error() string {
	var parts []string
	if e.File != "" {
		parts = append(parts, e.File)
	}
	if e.Instance != "" {
		parts = append(parts, fmt.Sprintf("instance %q", e.Instance))
	}
	if e.Step >= 0 {
		parts = append(parts, fmt.Sprintf("provisioning step %d", e.Step))
	}
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	parts = append(parts, msg)
	return strings.Join(parts, ": ")
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func instanceErr(name, format string, args ...any) *ResolutionError {
	return &ResolutionError{Instance: name, Step: -1, Msg: fmt.Sprintf(format, args...)}
}

func stepErr(name string, idx int, format string, args ...any) *ResolutionError {
	return &ResolutionError{Instance: name, Step: idx, Msg: fmt.Sprintf(format, args...)}
}
