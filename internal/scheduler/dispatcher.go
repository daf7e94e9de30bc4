package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/VenkatGGG/cbtr/internal/platform"
	"github.com/VenkatGGG/cbtr/internal/result"
)

// batch is one multi-browser call to a platform client.
type batch struct {
	platform     *platformState
	kind         platform.Kind
	url          string
	scriptFile   string
	browsers     []platform.Browser
	capabilities platform.Capabilities
	// retries holds the remaining retry count of each browser.
	retries []int
	runID   string

	run platform.Run
	err error
}

func (b *batch) attempt(i int) attempt {
	return attempt{
		platform:   b.platform.name,
		kind:       b.kind,
		url:        b.url,
		scriptFile: b.scriptFile,
		browser:    b.browsers[i],
		retries:    b.retries[i],
	}
}

type dispatcher struct {
	*env
	st          *state
	retryBudget int
}

func newDispatcher(e *env, st *state, retryBudget int) *dispatcher {
	return &dispatcher{env: e, st: st, retryBudget: retryBudget}
}

// UnderCapacity reports whether any platform has a free slot.
func (d *dispatcher) UnderCapacity() bool {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	return d.st.freeLocked() > 0
}

// PickAndRun dispatches pending browsers up to each platform's free capacity.
// An error wrapping platform.ErrInvalidConfig is fatal for the run.
func (d *dispatcher) PickAndRun(ctx context.Context) error {
	d.st.mu.Lock()
	batches, err := d.pickPendingLocked()
	d.st.mu.Unlock()
	if err != nil {
		return err
	}
	return d.submit(ctx, batches)
}

// Retry dispatches queued retries, one browser per call. Retries whose
// platform is full stay queued in order.
func (d *dispatcher) Retry(ctx context.Context) error {
	d.st.mu.Lock()
	batches, err := d.pickRetriesLocked()
	d.st.mu.Unlock()
	if err != nil {
		return err
	}
	return d.submit(ctx, batches)
}

func (d *dispatcher) pickPendingLocked() ([]*batch, error) {
	var batches []*batch
	for _, p := range d.st.platforms {
		capacity := p.free()
		for _, kind := range p.kinds() {
			for capacity > 0 && len(p.queues[kind]) > 0 {
				unit := p.queues[kind][0]
				browsers := unit.take(capacity)
				if unit.remaining() == 0 {
					p.queues[kind] = p.queues[kind][1:]
				}
				if len(browsers) == 0 {
					continue
				}
				capacity -= len(browsers)

				retries := make([]int, len(browsers))
				for i := range retries {
					retries[i] = d.retryBudget
				}
				b, err := d.newBatchLocked(p, kind, unit.url, unit.scriptFile, browsers, retries)
				if err != nil {
					return nil, err
				}
				batches = append(batches, b)
			}
		}
	}
	return batches, nil
}

func (d *dispatcher) pickRetriesLocked() ([]*batch, error) {
	var (
		batches []*batch
		waiting []attempt
	)
	for _, a := range d.st.retries {
		p, ok := d.st.byName[a.platform]
		if !ok || p.free() == 0 {
			waiting = append(waiting, a)
			continue
		}
		b, err := d.newBatchLocked(p, a.kind, a.url, a.scriptFile, []platform.Browser{a.browser}, []int{a.retries})
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	d.st.retries = waiting
	return batches, nil
}

// newBatchLocked validates the batch and reserves its capacity. The run id is
// known from here on, so early reports for it are accepted while the
// platform call is in flight.
func (d *dispatcher) newBatchLocked(p *platformState, kind platform.Kind, url, scriptFile string, browsers []platform.Browser, retries []int) (*batch, error) {
	if p.client == nil {
		return nil, fmt.Errorf("%w: platform %s has no client", platform.ErrInvalidConfig, p.name)
	}
	capabilities := p.capabilities[kind]
	if capabilities == nil {
		return nil, fmt.Errorf("%w: platform %s has no %s capabilities", platform.ErrInvalidConfig, p.name, kind)
	}
	for _, browser := range browsers {
		if err := browser.Validate(); err != nil {
			return nil, fmt.Errorf("platform %s: %w", p.name, err)
		}
	}

	b := &batch{
		platform:     p,
		kind:         kind,
		url:          url,
		scriptFile:   scriptFile,
		browsers:     browsers,
		capabilities: capabilities,
		retries:      retries,
		runID:        uuid.NewString(),
	}
	p.reserved += len(browsers)
	d.st.acquireRunLocked(b.runID)
	return b, nil
}

func (d *dispatcher) submit(ctx context.Context, batches []*batch) error {
	if len(batches) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, b := range batches {
		b := b
		g.Go(func() error {
			d.call(ctx, b)
			return nil
		})
	}
	_ = g.Wait()

	var fatal error
	d.st.mu.Lock()
	for _, b := range batches {
		if err := d.settleLocked(b); err != nil && fatal == nil {
			fatal = err
		}
	}
	d.metrics.SetPending(d.st.pendingLocked())
	for _, p := range d.st.platforms {
		d.metrics.SetRunning(p.name, len(p.running))
	}
	records, evicted := d.st.drainLocked()
	d.st.mu.Unlock()

	d.flush(ctx, records, evicted)
	return fatal
}

func (d *dispatcher) call(ctx context.Context, b *batch) {
	callCtx, cancel := d.callContext(ctx)
	defer cancel()

	req := platform.RunRequest{
		RunID:        b.runID,
		URL:          b.url,
		Browsers:     b.browsers,
		Capabilities: b.capabilities,
		Native:       true,
	}
	if b.kind == platform.KindSelenium {
		b.run, b.err = b.platform.client.RunScriptMultiple(callCtx, platform.ScriptRunRequest{RunRequest: req, ScriptFile: b.scriptFile})
	} else {
		b.run, b.err = b.platform.client.RunMultiple(callCtx, req)
	}
	d.metrics.RecordDispatched(b.platform.name, string(b.kind), len(b.browsers))
	d.logger.Printf(
		"dispatched batch: platform=%s kind=%s url=%s browsers=%d run_id=%s",
		b.platform.name, b.kind, b.url, len(b.browsers), b.runID,
	)
}

// settleLocked turns the batch's jobs into tracked tests. Jobs the platform
// could not create, including every browser of a batch whose call failed,
// go through retry accounting without being tracked.
func (d *dispatcher) settleLocked(b *batch) error {
	p := b.platform
	p.reserved -= len(b.browsers)
	defer d.st.releaseRunLocked(b.runID)

	if b.err != nil {
		if errors.Is(b.err, platform.ErrInvalidConfig) {
			return fmt.Errorf("dispatch to %s: %w", p.name, b.err)
		}
		d.logger.Printf("batch dispatch failed: platform=%s kind=%s url=%s err=%v", p.name, b.kind, b.url, b.err)
		for i := range b.browsers {
			d.retryOrFailLocked(d.st, b.attempt(i), b.runID, "", result.OutcomeNotCreated)
		}
		return nil
	}

	runID := b.runID
	if b.run.ID != "" && b.run.ID != b.runID {
		d.logger.Printf("platform returned a different run id: platform=%s expected=%s got=%s", p.name, b.runID, b.run.ID)
	}
	now := time.Now().UTC()
	for i := range b.browsers {
		a := b.attempt(i)
		if i >= len(b.run.Jobs) || b.run.Jobs[i] == nil {
			d.retryOrFailLocked(d.st, a, runID, "", result.OutcomeNotCreated)
			continue
		}
		job := b.run.Jobs[i]
		if job.Failed() {
			d.retryOrFailLocked(d.st, a, runID, job.ID(), result.OutcomeNotCreated)
			continue
		}
		d.st.trackLocked(&runningTest{
			attempt:      a,
			job:          job,
			runID:        runID,
			testID:       job.ID(),
			state:        stateDispatched,
			dispatchedAt: now,
		})
	}
	return nil
}
