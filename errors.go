package steplog

import (
	"errors"
	"fmt"
)

// RuntimeError is an operational failure that ends the process with exit code 2:
// unusable configuration, unreadable input, or a host stream that broke the protocol.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("runtime error: %v", e.Err)
	}
	return fmt.Sprintf("runtime error: %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError wraps err with the operation that failed
func NewRuntimeError(op string, err error) *RuntimeError {
	return &RuntimeError{Op: op, Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError reports a run that completed but contained failed tests (exit code 1)
type TestFailureError struct {
	RunID  string
	Failed int
	Total  int
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: run %s had %d of %d tests fail", e.RunID, e.Failed, e.Total)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(runID string, failed, total int) *TestFailureError {
	return &TestFailureError{RunID: runID, Failed: failed, Total: total}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
