package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRuntimeFault marks a failure during active control.
	ErrRuntimeFault = errors.New("supervisor: runtime fault")

	// ErrPrecondition marks an entry check that kept a loop disabled.
	ErrPrecondition = errors.New("supervisor: precondition failed")
)

// FaultError is the cause of a transition into Faulted.
type FaultError struct {
	Loop   string
	Reason string
	Err    error
}

func (e *FaultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("loop %s faulted: %s: %v", e.Loop, e.Reason, e.Err)
	}
	return fmt.Sprintf("loop %s faulted: %s", e.Loop, e.Reason)
}

func (e *FaultError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRuntimeFault, e.Err}
	}
	return []error{ErrRuntimeFault}
}

// PreconditionError lists the entry checks that failed.
type PreconditionError struct {
	Loop     string
	Failures []string
	Err      error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("loop %s precondition failed: %s", e.Loop, strings.Join(e.Failures, "; "))
}

func (e *PreconditionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPrecondition, e.Err}
	}
	return []error{ErrPrecondition}
}
