package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/cbtr/internal/platform"
)

const DefaultBaseURL = "http://127.0.0.1:9222"

var errTargetNotFound = errors.New("devtools target not found")

type target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Client runs JS tests as tabs of a local Chrome reached over its DevTools
// HTTP endpoint. Every browser entry becomes one tab.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger

	mu   sync.Mutex
	jobs map[string]*tabJob
}

func New(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	trimmed := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		jobs:       make(map[string]*tabJob),
	}
}

func (c *Client) Open(ctx context.Context, _ []platform.Capabilities) error {
	var version struct {
		Browser string `json:"Browser"`
	}
	if err := c.getJSON(ctx, http.MethodGet, "/json/version", &version); err != nil {
		return fmt.Errorf("query devtools version: %w", err)
	}
	c.logger.Printf("local chrome opened: base_url=%s browser=%s", c.baseURL, version.Browser)
	return nil
}

func (c *Client) RunMultiple(ctx context.Context, req platform.RunRequest) (platform.Run, error) {
	if err := platform.ValidateRequest(req); err != nil {
		return platform.Run{}, err
	}

	run := platform.Run{ID: req.RunID}
	for _, browser := range req.Browsers {
		testID := uuid.NewString()
		job := &tabJob{client: c, testID: testID, browser: browser}

		testURL, err := platform.DecorateURL(req.URL, req.RunID, testID)
		if err != nil {
			return platform.Run{}, err
		}

		var created target
		if err := c.getJSON(ctx, http.MethodPut, "/json/new?"+url.QueryEscape(testURL), &created); err != nil {
			c.logger.Printf("local tab create failed: browser=%q url=%s err=%v", browser.String(), req.URL, err)
			job.failed = true
		} else {
			job.target = created
			c.mu.Lock()
			c.jobs[testID] = job
			c.mu.Unlock()
		}
		run.Jobs = append(run.Jobs, job)
	}
	return run, nil
}

func (c *Client) RunScriptMultiple(context.Context, platform.ScriptRunRequest) (platform.Run, error) {
	return platform.Run{}, fmt.Errorf("%w: the local platform does not run Selenium scripts", platform.ErrInvalidConfig)
}

// Close closes every tab the client opened and has not closed yet.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	jobs := make([]*tabJob, 0, len(c.jobs))
	for _, job := range c.jobs {
		jobs = append(jobs, job)
	}
	c.jobs = make(map[string]*tabJob)
	c.mu.Unlock()

	var errs []error
	for _, job := range jobs {
		if err := job.Stop(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) listTargets(ctx context.Context) ([]target, error) {
	var targets []target
	if err := c.getJSON(ctx, http.MethodGet, "/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func (c *Client) getJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("devtools request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if resp.StatusCode == http.StatusNotFound {
		return errTargetNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("devtools %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode devtools response: %w", err)
	}
	return nil
}

type tabJob struct {
	client  *Client
	testID  string
	browser platform.Browser
	target  target
	failed  bool

	mu     sync.Mutex
	closed bool
}

func (j *tabJob) ID() string                { return j.testID }
func (j *tabJob) Browser() platform.Browser { return j.browser }
func (j *tabJob) Failed() bool              { return j.failed }

// Status reports the tab as running while Chrome still lists it.
func (j *tabJob) Status(ctx context.Context) (platform.Status, error) {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return platform.StatusStopped, nil
	}

	targets, err := j.client.listTargets(ctx)
	if err != nil {
		return "", err
	}
	for _, candidate := range targets {
		if candidate.ID == j.target.ID {
			return platform.StatusRunning, nil
		}
	}
	return platform.StatusStopped, nil
}

func (j *tabJob) Stop(ctx context.Context, _ bool) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	err := j.client.getJSON(ctx, http.MethodGet, "/json/close/"+url.PathEscape(j.target.ID), nil)
	if errors.Is(err, errTargetNotFound) {
		return nil
	}
	return err
}

func (j *tabJob) Screenshot(ctx context.Context) (platform.Screenshot, error) {
	if strings.TrimSpace(j.target.WebSocketDebuggerURL) == "" {
		return platform.Screenshot{}, errors.New("tab has no debugger websocket")
	}
	conn, err := dialTarget(ctx, j.target.WebSocketDebuggerURL)
	if err != nil {
		return platform.Screenshot{}, err
	}
	defer conn.Close()

	data, err := conn.CaptureScreenshot(ctx)
	if err != nil {
		return platform.Screenshot{}, err
	}
	return platform.Screenshot{PNGBase64: data}, nil
}
