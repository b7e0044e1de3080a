package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownInstance    = errors.New("unknown instance")
	ErrInstanceNotRunning = errors.New("instance is not running")
	ErrReadinessTimeout   = errors.New("timed out waiting for instance to become ready")
	// ErrShellUnsupported is returned by Shell for backends without interactive shells.
	ErrShellUnsupported = errors.New("backend does not support interactive shells")
)

// BackendError wraps a failed backend call with the instance and operation.
type BackendError struct {
	Instance string
	Op       string
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("instance %s: %s: %v", e.Instance, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
