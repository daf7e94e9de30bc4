// Package exitcode defines the process exit codes of cbtr.
package exitcode

const (
	Success = 0 // Every test passed and every platform closed cleanly
	Failure = 1 // A test failed, retries ran out, the configuration was invalid or cleanup failed
)
