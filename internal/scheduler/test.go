package scheduler

import (
	"time"

	"github.com/VenkatGGG/cbtr/internal/platform"
)

type testState int

const (
	stateDispatched testState = iota
	stateRunning
	stateStoppedOnce
	stateFinalizing
	stateStopped
	stateEarlyBirdFinalized
)

func (s testState) String() string {
	switch s {
	case stateDispatched:
		return "dispatched"
	case stateRunning:
		return "running"
	case stateStoppedOnce:
		return "stopped_once"
	case stateFinalizing:
		return "finalizing"
	case stateStopped:
		return "stopped"
	case stateEarlyBirdFinalized:
		return "early_bird_finalized"
	default:
		return "unknown"
	}
}

// ended reports states in which the webhook must not accept another report.
func (s testState) ended() bool {
	return s == stateFinalizing || s == stateStopped || s == stateEarlyBirdFinalized
}

// attempt is what the scheduler needs to dispatch one browser again.
type attempt struct {
	platform   string
	kind       platform.Kind
	url        string
	scriptFile string
	browser    platform.Browser
	retries    int
}

// runningTest is a platform job decorated with its scheduling context.
// All fields besides job are guarded by the state mutex.
type runningTest struct {
	attempt
	job          platform.Job
	runID        string
	testID       string
	state        testState
	statusErrors int
	dispatchedAt time.Time
}

func (t *runningTest) key() string {
	return testKey(t.runID, t.testID)
}

func testKey(runID, testID string) string {
	return runID + "/" + testID
}
