package scheduler

import (
	"sort"
	"sync"

	"github.com/VenkatGGG/cbtr/internal/result"
)

// state is the single owner of everything the dispatcher, monitor and
// webhook share. Every field is guarded by mu.
type state struct {
	mu sync.Mutex

	platforms []*platformState
	byName    map[string]*platformState
	tests     map[string]*runningTest
	retries   []attempt
	failed    bool
	closed    bool

	// runRefs counts tracked tests plus in-flight dispatches per run id.
	runRefs map[string]int
	// evicted collects run ids that dropped to zero references.
	evicted []string
	// records are result entries waiting to be written outside the lock.
	records []result.Record
}

func newState(platforms []*platformState) *state {
	byName := make(map[string]*platformState, len(platforms))
	for _, p := range platforms {
		byName[p.name] = p
	}
	return &state{
		platforms: platforms,
		byName:    byName,
		tests:     make(map[string]*runningTest),
		runRefs:   make(map[string]int),
	}
}

func (s *state) acquireRunLocked(runID string) {
	s.runRefs[runID]++
}

func (s *state) releaseRunLocked(runID string) {
	s.runRefs[runID]--
	if s.runRefs[runID] <= 0 {
		delete(s.runRefs, runID)
		s.evicted = append(s.evicted, runID)
	}
}

func (s *state) knownRunLocked(runID string) bool {
	return s.runRefs[runID] > 0
}

func (s *state) trackLocked(test *runningTest) {
	p := s.byName[test.platform]
	p.running = append(p.running, test)
	s.tests[test.key()] = test
	s.acquireRunLocked(test.runID)
}

// untrackLocked removes the test from its platform's running set.
func (s *state) untrackLocked(test *runningTest) {
	p := s.byName[test.platform]
	for i, candidate := range p.running {
		if candidate == test {
			p.running = append(p.running[:i], p.running[i+1:]...)
			break
		}
	}
	if s.tests[test.key()] == test {
		delete(s.tests, test.key())
		s.releaseRunLocked(test.runID)
	}
}

func (s *state) pendingLocked() int {
	total := 0
	for _, p := range s.platforms {
		total += p.pendingBrowsers()
	}
	return total
}

func (s *state) runningLocked() int {
	total := 0
	for _, p := range s.platforms {
		total += len(p.running) + p.reserved
	}
	return total
}

func (s *state) freeLocked() int {
	total := 0
	for _, p := range s.platforms {
		total += p.free()
	}
	return total
}

func (s *state) drainLocked() ([]result.Record, []string) {
	records, evicted := s.records, s.evicted
	s.records, s.evicted = nil, nil
	return records, evicted
}

// statusLocked maps run ids to the test ids still running. Tests that ended
// but were not retired yet are left out.
func (s *state) statusLocked() map[string][]string {
	out := make(map[string][]string)
	for _, test := range s.tests {
		if test.state.ended() {
			continue
		}
		out[test.runID] = append(out[test.runID], test.testID)
	}
	for runID := range out {
		sort.Strings(out[runID])
	}
	return out
}
