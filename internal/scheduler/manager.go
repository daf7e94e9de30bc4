package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/VenkatGGG/cbtr/internal/config"
	"github.com/VenkatGGG/cbtr/internal/exitcode"
	"github.com/VenkatGGG/cbtr/internal/platform"
)

// ClientSource resolves platform names from the settings to clients.
type ClientSource interface {
	Get(name string) (platform.Client, error)
}

// Outcome is the aggregate result of a run.
type Outcome struct {
	Passed bool
	Err    error
}

func (o Outcome) ExitCode() int {
	if o.Passed && o.Err == nil {
		return exitcode.Success
	}
	return exitcode.Failure
}

// Manager owns the scheduler state for one run and drives it from the first
// dispatch to closing the platform connections.
type Manager struct {
	env        *env
	settings   config.Settings
	clients    ClientSource
	st         *state
	dispatcher *dispatcher
	monitor    *monitor
	webhook    *webhook

	startMu sync.Mutex
	started bool
	opened  []*platformState

	finishOnce sync.Once
	done       chan struct{}
	outcome    Outcome
}

func New(settings config.Settings, clients ClientSource, cfg Config, deps Deps) *Manager {
	e := newEnv(cfg, deps)
	st := newState(buildQueues(settings, e.logger))
	d := newDispatcher(e, st, settings.RetryCount())
	w := newWebhook(e, st)
	return &Manager{
		env:        e,
		settings:   settings,
		clients:    clients,
		st:         st,
		dispatcher: d,
		monitor:    newMonitor(e, st, d, w),
		webhook:    w,
		done:       make(chan struct{}),
	}
}

// Start opens the platforms that have work queued, dispatches the first
// batches and starts the monitor. A returned error has already finished the
// run.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	if m.started {
		m.startMu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.startMu.Unlock()

	if len(m.st.platforms) == 0 {
		m.env.logger.Printf("scheduler has no tests to run")
		m.finish(ctx, nil)
		return nil
	}

	if err := m.open(ctx); err != nil {
		m.finish(ctx, err)
		return err
	}
	if err := m.dispatcher.PickAndRun(ctx); err != nil {
		m.finish(ctx, err)
		return err
	}

	m.env.logger.Printf(
		"scheduler started: platforms=%d pending=%d interval=%s",
		len(m.st.platforms), m.CountPending(), m.env.cfg.MonitorInterval,
	)
	go func() {
		m.finish(ctx, m.monitor.Run(ctx))
	}()
	return nil
}

func (m *Manager) open(ctx context.Context) error {
	for _, p := range m.st.platforms {
		client, err := m.clients.Get(p.name)
		if err != nil {
			return err
		}
		capabilities := make([]platform.Capabilities, 0, len(p.queues))
		for _, kind := range p.kinds() {
			if caps := p.capabilities[kind]; caps != nil {
				capabilities = append(capabilities, caps)
			}
		}

		callCtx, cancel := m.env.callContext(ctx)
		err = client.Open(callCtx, capabilities)
		cancel()
		if err != nil {
			return fmt.Errorf("open platform %s: %w", p.name, err)
		}

		m.st.mu.Lock()
		p.client = client
		m.st.mu.Unlock()
		m.opened = append(m.opened, p)
	}
	return nil
}

// finish waits for in-flight stops, closes every opened platform and
// publishes the outcome. Only the first call has any effect.
func (m *Manager) finish(ctx context.Context, runErr error) {
	m.finishOnce.Do(func() {
		if errors.Is(runErr, context.Canceled) {
			m.env.logger.Printf("scheduler canceled before all tests finished")
		} else if runErr != nil {
			m.env.logger.Printf("scheduler stopped on fatal error: %v", runErr)
		}

		m.st.mu.Lock()
		m.st.closed = true
		m.st.mu.Unlock()
		m.env.stops.Wait()

		ctx = context.WithoutCancel(ctx)
		var closeErr error
		for _, p := range m.opened {
			callCtx, cancel := m.env.callContext(ctx)
			if err := p.client.Close(callCtx); err != nil {
				m.env.logger.Printf("platform close failed: platform=%s err=%v", p.name, err)
				closeErr = errors.Join(closeErr, fmt.Errorf("close platform %s: %w", p.name, err))
			}
			cancel()
		}

		m.st.mu.Lock()
		failed := m.st.failed
		m.st.mu.Unlock()

		err := errors.Join(runErr, closeErr)
		m.outcome = Outcome{Passed: !failed && err == nil, Err: err}
		m.env.logger.Printf("scheduler finished: passed=%t exit_code=%d", m.outcome.Passed, m.outcome.ExitCode())
		close(m.done)
	})
}

func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the run finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-m.done:
		return m.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (m *Manager) End(ctx context.Context, in EndInput) (EndResult, error) {
	return m.webhook.End(ctx, in)
}

// Status maps run ids to the test ids currently running.
func (m *Manager) Status() map[string][]string {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.statusLocked()
}

// CountPending returns the number of browsers not dispatched yet, including
// queued retries.
func (m *Manager) CountPending() int {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.pendingLocked() + len(m.st.retries)
}
