package domain

import (
	"errors"
	"fmt"
)

// ErrAllUnitsFailed is returned when no tracked user could be collected at all.
var ErrAllUnitsFailed = errors.New("all tracked users failed to collect")

// ConfigError is a malformed configuration file or argument.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "invalid configuration"
	if e.Field != "" {
		msg = fmt.Sprintf("invalid %s", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AuthError is a missing, invalid or expired token, or a token lacking scope.
type AuthError struct {
	Op     string
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	msg := "authentication failed"
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientFetchError is a network or server failure that outlived its retries.
type TransientFetchError struct {
	Op       string
	Status   int
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	msg := fmt.Sprintf("%s failed after %d attempt(s)", e.Op, e.Attempts)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// DataInconsistencyError means two observations of one commit key disagree.
type DataInconsistencyError struct {
	Key   CommitKey
	Field string
}

func (e *DataInconsistencyError) Error() string {
	return fmt.Sprintf("commit %s in project %d: observations disagree on %s", e.Key.Hash, e.Key.ProjectID, e.Field)
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	var cfgErr *ConfigError
	var authErr *AuthError
	return errors.As(err, &cfgErr) || errors.As(err, &authErr)
}

// IsTransient reports whether err wraps a TransientFetchError.
func IsTransient(err error) bool {
	var transient *TransientFetchError
	return errors.As(err, &transient)
}
