package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/cbtr/internal/config"
	"github.com/VenkatGGG/cbtr/internal/metrics"
	"github.com/VenkatGGG/cbtr/internal/platform"
	"github.com/VenkatGGG/cbtr/internal/result"
	"github.com/VenkatGGG/cbtr/internal/scheduler"
)

type fakeScheduler struct {
	mu      sync.Mutex
	inputs  []scheduler.EndInput
	err     error
	result  scheduler.EndResult
	status  map[string][]string
	pending int
}

func (f *fakeScheduler) End(_ context.Context, in scheduler.EndInput) (scheduler.EndResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return f.result, f.err
}

func (f *fakeScheduler) Status() map[string][]string { return f.status }
func (f *fakeScheduler) CountPending() int           { return f.pending }

func newTestServer(sched Scheduler, opts Options) *Server {
	return NewServer(sched, result.NewInMemoryStore(), metrics.New(), opts, log.New(io.Discard, "", 0))
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeScheduler{}, Options{})
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRunForwardsReport(t *testing.T) {
	sched := &fakeScheduler{result: scheduler.EndResult{EarlyBird: true}}
	srv := newTestServer(sched, Options{})

	body := `{"passed":true,"tracking":{"failed":0}}`
	req := httptest.NewRequest(http.MethodPost, "/cbtr/run?cbtr_run=run-1&cbtr_test=test-1", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp runResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp.Status)
	require.True(t, resp.EarlyBird)

	require.Len(t, sched.inputs, 1)
	in := sched.inputs[0]
	require.Equal(t, "run-1", in.RunID)
	require.Equal(t, "test-1", in.TestID)
	require.True(t, in.Passed)
	require.JSONEq(t, body, string(in.Payload))
}

func TestRunMapsSchedulerErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{err: scheduler.ErrInvalidRequest, code: http.StatusBadRequest},
		{err: scheduler.ErrUnknownRun, code: http.StatusNotFound},
		{err: scheduler.ErrTestEnded, code: http.StatusNotFound},
		{err: context.DeadlineExceeded, code: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := newTestServer(&fakeScheduler{err: tc.err}, Options{})
		rr := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cbtr/run?cbtr_run=a&cbtr_test=b", strings.NewReader(`{"passed":true}`)))
		require.Equal(t, tc.code, rr.Code, tc.err.Error())
	}
}

func TestRunRejectsMalformedBody(t *testing.T) {
	sched := &fakeScheduler{}
	srv := newTestServer(sched, Options{})
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cbtr/run?cbtr_run=a&cbtr_test=b", strings.NewReader(`passed`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, sched.inputs)
}

func TestRunIsRateLimited(t *testing.T) {
	srv := newTestServer(&fakeScheduler{}, Options{WebhookRate: 0.001, WebhookBurst: 2})
	handler := srv.Routes()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/cbtr/run?cbtr_run=a&cbtr_test=b", strings.NewReader(`{"passed":true}`))
		req.RemoteAddr = "10.1.1.1:5000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRunAllowsCrossOriginPreflight(t *testing.T) {
	srv := newTestServer(&fakeScheduler{}, Options{})
	req := httptest.NewRequest(http.MethodOptions, "/cbtr/run", nil)
	req.Header.Set("Origin", "http://bs-local.com:7982")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, req)

	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusListsRunningTests(t *testing.T) {
	sched := &fakeScheduler{status: map[string][]string{"run-1": {"a", "b"}}, pending: 4}
	srv := newTestServer(sched, Options{})
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/cbtr/status", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "4", rr.Header().Get(pendingHeader))
	var status map[string][]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.Equal(t, []string{"a", "b"}, status["run-1"])
}

func TestServesTestFilesAndArtifacts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tests"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tests", "suite.html"), []byte("<html>suite</html>"), 0o644))
	artifacts := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "shot.png"), []byte("png"), 0o644))

	srv := newTestServer(&fakeScheduler{}, Options{TestRoot: root, ArtifactDir: artifacts, ArtifactBaseURL: "/artifacts"})
	handler := srv.Routes()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tests/suite.html?cbtr_run=a&cbtr_test=b", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "suite")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/artifacts/shot.png", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "png", rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeScheduler{err: scheduler.ErrUnknownRun}, Options{})
	handler := srv.Routes()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/cbtr/run?cbtr_run=a&cbtr_test=b", nil))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `cbtr_webhook_responses_total{code="404"} 1`)
}

type runningJob struct{ id string }

func (j runningJob) ID() string                { return j.id }
func (j runningJob) Browser() platform.Browser { return platform.Browser{} }
func (j runningJob) Failed() bool              { return false }
func (j runningJob) Status(context.Context) (platform.Status, error) {
	return platform.StatusRunning, nil
}
func (j runningJob) Stop(context.Context, bool) error { return nil }
func (j runningJob) Screenshot(context.Context) (platform.Screenshot, error) {
	return platform.Screenshot{}, nil
}

type singleJobClient struct{}

func (singleJobClient) Open(context.Context, []platform.Capabilities) error { return nil }
func (singleJobClient) RunMultiple(_ context.Context, req platform.RunRequest) (platform.Run, error) {
	return platform.Run{ID: req.RunID, Jobs: []platform.Job{runningJob{id: "server-1"}}}, nil
}
func (singleJobClient) RunScriptMultiple(context.Context, platform.ScriptRunRequest) (platform.Run, error) {
	return platform.Run{}, nil
}
func (singleJobClient) Close(context.Context) error { return nil }

func TestWebhookAgainstScheduler(t *testing.T) {
	retries := 0
	settings := config.Settings{
		Browsers: map[string]map[platform.Kind][]platform.Browser{
			"Fake": {platform.KindJS: {{OS: "Windows", Browser: "chrome"}}},
		},
		Capabilities: map[string]map[platform.Kind]platform.Capabilities{"Fake": {platform.KindJS: {}}},
		TestFiles:    config.StringList{"tests/index.html"},
		Retries:      &retries,
	}
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register("Fake", singleJobClient{}))
	manager := scheduler.New(settings, registry, scheduler.Config{MonitorInterval: time.Hour}, scheduler.Deps{
		Logger: log.New(io.Discard, "", 0),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.Start(ctx))

	var runID string
	for id := range manager.Status() {
		runID = id
	}
	require.NotEmpty(t, runID)

	handler := newTestServer(manager, Options{}).Routes()
	post := func(run, test string) int {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cbtr/run?cbtr_run="+run+"&cbtr_test="+test, strings.NewReader(`{"passed":true}`)))
		return rr.Code
	}

	require.Equal(t, http.StatusBadRequest, post("", "xyz"))
	require.Equal(t, http.StatusNotFound, post("abc", "xyz"))
	require.Equal(t, http.StatusOK, post(runID, "xyz"), "unknown test of a known run is an early bird")
	require.Equal(t, http.StatusOK, post(runID, "server-1"))
	require.Equal(t, http.StatusNotFound, post(runID, "server-1"), "a test cannot end twice")
}
