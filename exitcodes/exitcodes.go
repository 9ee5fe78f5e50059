// Package exitcodes defines the exit codes of op-scenario.
package exitcodes

// Exit code constants used by op-scenario:
//
// * Success (0): every scenario passed, or failed only in ways the run tolerates
// * TestFailure (1): at least one scenario caused the run to fail
// * RuntimeErr (2): the run itself broke, such as a bad config, a crashed worker or a
// registry that does not validate
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
