package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/VenkatGGG/cbtr/internal/earlybird"
	"github.com/VenkatGGG/cbtr/internal/platform"
	"github.com/VenkatGGG/cbtr/internal/result"
)

// poll is the outcome of one status call, read without the state lock.
type poll struct {
	test      *runningTest
	status    platform.Status
	err       error
	earlyBird earlybird.Record
	hasEarly  bool
}

type monitor struct {
	*env
	st         *state
	dispatcher *dispatcher
	webhook    *webhook
}

func newMonitor(e *env, st *state, d *dispatcher, w *webhook) *monitor {
	return &monitor{env: e, st: st, dispatcher: d, webhook: w}
}

// Run polls until every queue is empty or a cycle fails. The next tick is
// armed only after the previous cycle has settled.
func (m *monitor) Run(ctx context.Context) error {
	timer := time.NewTimer(m.cfg.MonitorInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		done, err := m.Cycle(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		timer.Reset(m.cfg.MonitorInterval)
	}
}

// Cycle runs one polling pass. It reports true once nothing is pending,
// running or waiting for a retry.
func (m *monitor) Cycle(ctx context.Context) (bool, error) {
	toPoll := m.partition()
	polls := m.pollAll(ctx, toPoll)

	m.st.mu.Lock()
	for _, p := range polls {
		m.applyLocked(ctx, p)
	}
	pending := m.st.pendingLocked()
	running := m.st.runningLocked()
	retrying := len(m.st.retries)
	m.metrics.SetPending(pending)
	for _, p := range m.st.platforms {
		m.metrics.SetRunning(p.name, len(p.running))
	}
	records, evicted := m.st.drainLocked()
	m.st.mu.Unlock()

	m.flush(ctx, records, evicted)
	m.metrics.RecordCycle()

	if pending == 0 && running == 0 && retrying == 0 {
		return true, nil
	}
	if running == 0 || m.dispatcher.UnderCapacity() {
		if pending > 0 {
			return false, m.dispatcher.PickAndRun(ctx)
		}
		if retrying > 0 {
			return false, m.dispatcher.Retry(ctx)
		}
	}
	return false, nil
}

// partition retires stopped tests and returns the ones that need a status
// call. Tests with a stop in flight are left to their own stop.
func (m *monitor) partition() []*runningTest {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	var toPoll []*runningTest
	for _, p := range m.st.platforms {
		running := append([]*runningTest(nil), p.running...)
		for _, test := range running {
			switch test.state {
			case stateStopped:
				m.st.untrackLocked(test)
			case stateFinalizing:
			default:
				toPoll = append(toPoll, test)
			}
		}
	}
	return toPoll
}

func (m *monitor) pollAll(ctx context.Context, tests []*runningTest) []*poll {
	polls := make([]*poll, len(tests))
	var g errgroup.Group
	for i, test := range tests {
		i, test := i, test
		g.Go(func() error {
			p := &poll{test: test}
			callCtx, cancel := m.callContext(ctx)
			p.status, p.err = test.job.Status(callCtx)
			cancel()

			record, ok, err := m.earlyBirds.Take(ctx, test.runID, test.testID)
			if err != nil {
				m.logger.Printf("early bird lookup failed: run_id=%s test_id=%s err=%v", test.runID, test.testID, err)
			}
			p.earlyBird, p.hasEarly = record, ok
			polls[i] = p
			return nil
		})
	}
	_ = g.Wait()
	return polls
}

func (m *monitor) applyLocked(ctx context.Context, p *poll) {
	test := p.test
	// A webhook report may have landed while the status call was in flight.
	if test.state.ended() {
		return
	}

	if p.hasEarly {
		test.state = stateEarlyBirdFinalized
		m.st.untrackLocked(test)
		outcome := result.OutcomePassed
		if !p.earlyBird.Passed {
			outcome = result.OutcomeFailed
		}
		m.finishLocked(m.st, test.attempt, test.runID, test.testID, outcome)
		m.logger.Printf(
			"early bird applied: platform=%s browser=%q url=%s run_id=%s test_id=%s passed=%t",
			test.platform, test.browser.String(), test.url, test.runID, test.testID, p.earlyBird.Passed,
		)
		m.webhook.stopDetached(ctx, test, p.earlyBird.Passed)
		return
	}

	if p.err != nil {
		test.statusErrors++
		m.logger.Printf(
			"status call failed: platform=%s browser=%q test_id=%s consecutive=%d err=%v",
			test.platform, test.browser.String(), test.testID, test.statusErrors, p.err,
		)
		if test.statusErrors >= m.cfg.MaxStatusErrors {
			m.st.untrackLocked(test)
			m.retryOrFailLocked(m.st, test.attempt, test.runID, test.testID, result.OutcomeStatusError)
			m.webhook.stopDetached(ctx, test, false)
		}
		return
	}
	test.statusErrors = 0

	if p.status != platform.StatusStopped {
		test.state = stateRunning
		return
	}

	if test.kind == platform.KindSelenium {
		test.state = stateStopped
		m.st.untrackLocked(test)
		outcome := result.OutcomeFinished
		if verdict, ok := test.job.(platform.Verdict); ok {
			outcome = result.OutcomePassed
			if !verdict.Passed() {
				outcome = result.OutcomeFailed
			}
		}
		m.finishLocked(m.st, test.attempt, test.runID, test.testID, outcome)
		return
	}

	if test.state != stateStoppedOnce {
		test.state = stateStoppedOnce
		return
	}

	test.state = stateStopped
	m.st.untrackLocked(test)
	m.retryOrFailLocked(m.st, test.attempt, test.runID, test.testID, result.OutcomeDidNotRespond)
}
