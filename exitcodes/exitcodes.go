// Package exitcodes defines the exit codes used by op-steplog.
package exitcodes

// Exit code constants used by op-steplog:
//
// * Success (0): the stream ended and every test passed or was skipped
// * TestFailure (1): the run contained failed or interrupted tests
// * RuntimeErr (2): configuration, input or protocol errors, and panics
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
