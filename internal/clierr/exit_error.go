// Package clierr maps errors to process exit codes.
package clierr

import (
	"errors"

	"github.com/naka-gawa/kuper/internal/domain"
)

// Exit codes of the command.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitAuth        = 3
	ExitTotalFailed = 4
)

// ExitCoder is an error that carries its own exit code.
type ExitCoder interface {
	error
	ExitCode() int
}

// ExitError is an error that carries an explicit process exit code.
// It supports wrapping via Unwrap so errors.Is/As work as expected.
type ExitError struct {
	code  int
	cause error
}

func (e *ExitError) Error() string { return e.cause.Error() }

func (e *ExitError) ExitCode() int { return e.code }

func (e *ExitError) Unwrap() error { return e.cause }

// Wrap attaches the exit code for cause. A nil cause stays nil.
func Wrap(cause error) error {
	if cause == nil {
		return nil
	}
	var ec ExitCoder
	if errors.As(cause, &ec) {
		return cause
	}
	return &ExitError{code: codeFor(cause), cause: cause}
}

// ExitCodeOf extracts an exit code from any error, defaulting to 1.
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitOK
	}
	var ec ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return codeFor(err)
}

func codeFor(err error) int {
	var cfgErr *domain.ConfigError
	var authErr *domain.AuthError
	switch {
	case errors.As(err, &authErr):
		return ExitAuth
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.Is(err, domain.ErrAllUnitsFailed):
		return ExitTotalFailed
	default:
		return ExitFailure
	}
}
