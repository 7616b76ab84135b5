package cli

import (
	"errors"
	"fmt"
)

// Exit codes of the fetch command.
const (
	ExitSuccess      = 0 // all fetches succeeded
	ExitGeneralError = 1 // sink or I/O error
	ExitConfigError  = 2 // invalid flags, env or spec file
	ExitFetchError   = 4 // at least one fetch failed
)

// ExitError carries the process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func configError(format string, a ...any) error {
	return &ExitError{Code: ExitConfigError, Err: fmt.Errorf(format, a...)}
}

// ExitCode maps the error to an exit code, untyped errors are general errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitGeneralError
}
