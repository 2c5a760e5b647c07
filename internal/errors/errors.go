// Package errors provides the error construction utilities used throughout
// karva.
//
// Use this package rather than the standard errors/fmt.Errorf (or any other
// third-party wrapping library) when constructing or annotating errors that
// may end up in a diagnostic report: it records a caller stack trace and a
// chain of causes, and renders both under the "%+v" verb so a collection or
// setup failure can be traced back to its origin.
//
//	errors.New("cyclic fixture dependency")
//	errors.Errorf("fixture %q not found", name)
//	errors.Wrap(err, "failed to import module")
package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MatthewMckee4/karva/internal/errors/stack"
)

// E is the error implementation used by this package.
type E struct {
	msg   string
	stk   stack.Stack
	cause error
}

// Error implements the error interface.
func (e *E) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.msg, e.cause.Error())
}

// Unwrap implements the error Unwrap interface.
func (e *E) Unwrap() error {
	return e.cause
}

type unwrapper interface {
	unwrap() (msg string, stk stack.Stack, cause error)
}

func (e *E) unwrap() (msg string, stk stack.Stack, cause error) {
	return e.msg, e.stk, e.cause
}

func formatChain(err error) string {
	var chain []string
	for err != nil {
		if e, ok := err.(unwrapper); ok {
			msg, stk, cause := e.unwrap()
			chain = append(chain, fmt.Sprintf("%s\n%v", msg, stk))
			err = cause
		} else {
			chain = append(chain, fmt.Sprintf("%s\n\tat ???", err.Error()))
			err = nil
		}
	}
	return strings.Join(chain, "\n")
}

// Format implements fmt.Formatter. "%+v" renders the full cause chain with
// stack traces; all other verbs just render Error().
func (e *E) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		io.WriteString(s, formatChain(e))
	} else {
		io.WriteString(s, e.Error())
	}
}

// New creates a new error with the given message, recording the caller's
// location.
func New(msg string) *E {
	return &E{msg, stack.New(1), nil}
}

// Errorf creates a new error with a formatted message, recording the
// caller's location.
func Errorf(format string, args ...interface{}) *E {
	return &E{fmt.Sprintf(format, args...), stack.New(1), nil}
}

// Wrap creates a new error with the given message, wrapping cause. If cause
// is nil this behaves like New.
func Wrap(cause error, msg string) *E {
	return &E{msg, stack.New(1), cause}
}

// Wrapf is like Wrap but with a formatted message.
func Wrapf(cause error, format string, args ...interface{}) *E {
	return &E{fmt.Sprintf(format, args...), stack.New(1), cause}
}

// Unwrap wraps the standard errors.Unwrap.
func Unwrap(err error) error { return errors.Unwrap(err) }

// As wraps the standard errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is wraps the standard errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }
