package main

import "errors"

// Process exit codes.
const (
	exitOK      = 0
	exitUsage   = 1 // bad arguments or unknown command
	exitConfig  = 2 // config missing, unreadable or invalid
	exitBackend = 3 // task server, network or state database failure
)

// exitError attaches an exit code to an error returned by run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps an error from run to a process exit code. Errors without
// an attached code are usage errors.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}
