package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/cbtr/internal/config"
	"github.com/VenkatGGG/cbtr/internal/earlybird"
	"github.com/VenkatGGG/cbtr/internal/platform"
	"github.com/VenkatGGG/cbtr/internal/result"
)

const fakePlatform = "Fake"

type fakeJob struct {
	mu         sync.Mutex
	id         string
	browser    platform.Browser
	failed     bool
	statuses   []platform.Status
	statusErr  error
	stopErr    error
	shotErr    error
	polls      int
	stopCalls  int
	stopPassed bool
	shots      int
}

func (j *fakeJob) ID() string                { return j.id }
func (j *fakeJob) Browser() platform.Browser { return j.browser }
func (j *fakeJob) Failed() bool              { return j.failed }

func (j *fakeJob) Status(_ context.Context) (platform.Status, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.statusErr != nil {
		return "", j.statusErr
	}
	if len(j.statuses) == 0 {
		return platform.StatusStopped, nil
	}
	idx := j.polls
	if idx >= len(j.statuses) {
		idx = len(j.statuses) - 1
	}
	j.polls++
	return j.statuses[idx], nil
}

func (j *fakeJob) Stop(_ context.Context, passed bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopCalls++
	j.stopPassed = passed
	return j.stopErr
}

func (j *fakeJob) Screenshot(_ context.Context) (platform.Screenshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.shots++
	if j.shotErr != nil {
		return platform.Screenshot{}, j.shotErr
	}
	return platform.Screenshot{URL: "https://example.test/" + j.id + ".png"}, nil
}

func (j *fakeJob) Screenshots() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.shots
}

func (j *fakeJob) StopCalls() (int, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopCalls, j.stopPassed
}

type verdictJob struct {
	*fakeJob
	passed bool
}

func (j *verdictJob) Passed() bool { return j.passed }

type fakeClient struct {
	mu          sync.Mutex
	statuses    []platform.Status
	failJobs    int
	runErr      error
	stopErr     error
	shotErr     error
	closeErr    error
	verdict     *bool
	onRun       func(req platform.RunRequest, jobs []*fakeJob)
	calls       []platform.RunRequest
	scriptCalls []platform.ScriptRunRequest
	jobs        []*fakeJob
	opened      int
	closed      int
	seq         int
}

func (c *fakeClient) Open(_ context.Context, _ []platform.Capabilities) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	return nil
}

func (c *fakeClient) RunMultiple(_ context.Context, req platform.RunRequest) (platform.Run, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()
	return c.run(req)
}

func (c *fakeClient) RunScriptMultiple(_ context.Context, req platform.ScriptRunRequest) (platform.Run, error) {
	c.mu.Lock()
	c.scriptCalls = append(c.scriptCalls, req)
	c.mu.Unlock()
	return c.run(req.RunRequest)
}

func (c *fakeClient) run(req platform.RunRequest) (platform.Run, error) {
	c.mu.Lock()
	if c.runErr != nil {
		c.mu.Unlock()
		return platform.Run{}, c.runErr
	}
	created := make([]*fakeJob, 0, len(req.Browsers))
	run := platform.Run{ID: req.RunID}
	for _, browser := range req.Browsers {
		c.seq++
		job := &fakeJob{
			id:       fmt.Sprintf("test-%d", c.seq),
			browser:  browser,
			statuses: append([]platform.Status(nil), c.statuses...),
			stopErr:  c.stopErr,
			shotErr:  c.shotErr,
		}
		if c.failJobs > 0 {
			job.failed = true
			c.failJobs--
		}
		created = append(created, job)
		c.jobs = append(c.jobs, job)
		if c.verdict != nil {
			run.Jobs = append(run.Jobs, &verdictJob{fakeJob: job, passed: *c.verdict})
		} else {
			run.Jobs = append(run.Jobs, job)
		}
	}
	onRun := c.onRun
	c.mu.Unlock()

	if onRun != nil {
		onRun(req, created)
	}
	return run, nil
}

func (c *fakeClient) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return c.closeErr
}

func (c *fakeClient) Calls() []platform.RunRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.RunRequest(nil), c.calls...)
}

func (c *fakeClient) Jobs() []*fakeJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeJob(nil), c.jobs...)
}

func (c *fakeClient) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func browser(name string) platform.Browser {
	return platform.Browser{OS: "Windows", OSVersion: "11", Browser: name, BrowserVersion: "latest"}
}

func jsSettings(parallel, retries int, browsers ...platform.Browser) config.Settings {
	return config.Settings{
		Browsers: map[string]map[platform.Kind][]platform.Browser{
			fakePlatform: {platform.KindJS: browsers},
		},
		Capabilities: map[string]map[platform.Kind]platform.Capabilities{
			fakePlatform: {platform.KindJS: {}},
		},
		TestFiles: config.StringList{"tests/index.html"},
		Parallel:  map[string]int{fakePlatform: parallel},
		Retries:   &retries,
	}
}

type harness struct {
	manager    *Manager
	client     *fakeClient
	earlyBirds *earlybird.InMemoryStore
	results    *result.InMemoryStore
}

func newHarness(t *testing.T, settings config.Settings, client *fakeClient) *harness {
	t.Helper()
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(fakePlatform, client))

	earlyBirds := earlybird.NewInMemoryStore(time.Minute)
	results := result.NewInMemoryStore()
	manager := New(settings, registry, Config{
		MonitorInterval: 5 * time.Millisecond,
		StopDelay:       0,
	}, Deps{
		EarlyBirds: earlyBirds,
		Results:    results,
		Logger:     log.New(io.Discard, "", 0),
	})
	return &harness{manager: manager, client: client, earlyBirds: earlyBirds, results: results}
}

// begin opens the platforms and runs the first dispatch without starting the
// monitor goroutine, so tests can drive cycles by hand.
func (h *harness) begin(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	h.manager.startMu.Lock()
	h.manager.started = true
	h.manager.startMu.Unlock()
	require.NoError(t, h.manager.open(ctx))
	require.NoError(t, h.manager.dispatcher.PickAndRun(ctx))
}

func (h *harness) cycle(t *testing.T) bool {
	t.Helper()
	done, err := h.manager.monitor.Cycle(context.Background())
	require.NoError(t, err)
	h.assertCapacity(t)
	return done
}

func (h *harness) assertCapacity(t *testing.T) {
	t.Helper()
	st := h.manager.st
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, p := range st.platforms {
		assert.LessOrEqual(t, len(p.running)+p.reserved, p.limit, "platform %s over capacity", p.name)
	}
}

// endAll reports every tracked test as finished and waits for the stops.
func (h *harness) endAll(t *testing.T, passed bool) {
	t.Helper()
	for runID, testIDs := range h.manager.Status() {
		for _, testID := range testIDs {
			_, err := h.manager.End(context.Background(), EndInput{RunID: runID, TestID: testID, Passed: passed})
			require.NoError(t, err)
		}
	}
	h.manager.env.stops.Wait()
}

func (h *harness) finish(t *testing.T) Outcome {
	t.Helper()
	h.manager.finish(context.Background(), nil)
	outcome, err := h.manager.Wait(context.Background())
	require.NoError(t, err)
	return outcome
}

func (h *harness) tracked() int {
	h.manager.st.mu.Lock()
	defer h.manager.st.mu.Unlock()
	return len(h.manager.st.tests)
}

func (h *harness) retryQueue() int {
	h.manager.st.mu.Lock()
	defer h.manager.st.mu.Unlock()
	return len(h.manager.st.retries)
}
