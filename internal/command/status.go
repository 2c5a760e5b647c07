// Package command provides small helpers shared by karva's command-line
// entry points: exit-status-carrying errors and flag types not in the
// standard flag package.
package command

import (
	"fmt"
	"io"
)

// Exit codes.
const (
	ExitSuccess       = 0
	ExitTestsFailed   = 1
	ExitInvocation    = 2
	ExitWorkerCrashed = 3
)

// StatusError is an error that additionally carries the process exit status
// that should be used when it reaches the top level.
type StatusError struct {
	status int
	msg    string
}

// NewStatusErrorf creates a StatusError with a formatted message.
func NewStatusErrorf(status int, format string, args ...interface{}) *StatusError {
	return &StatusError{status: status, msg: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *StatusError) Error() string { return e.msg }

// Status returns the exit status associated with the error.
func (e *StatusError) Status() int { return e.status }

// WriteError writes err's message (with a trailing newline) to w and
// returns the exit status that should be used: the status attached to a
// *StatusError, or ExitInvocation for any other error.
func WriteError(w io.Writer, err error) int {
	if se, ok := err.(*StatusError); ok {
		fmt.Fprintln(w, se.msg)
		return se.status
	}
	fmt.Fprintln(w, err.Error())
	return ExitInvocation
}
