package browserstack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/cbtr/internal/platform"
)

const (
	DefaultAPIURL = "https://api.browserstack.com"
	DefaultHubURL = "https://hub-cloud.browserstack.com/wd/hub"

	// Lifetime of a JS worker, in seconds.
	defaultWorkerTimeout = 1800
)

var errWorkerNotFound = errors.New("worker not found")

type Config struct {
	APIURL        string
	HubURL        string
	Username      string
	AccessKey     string
	Timeout       time.Duration
	ScriptCommand string
}

// Client talks to the BrowserStack JS worker API and, for Selenium tests,
// to the WebDriver hub.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *log.Logger

	mu   sync.Mutex
	jobs map[string]closer
}

type closer interface {
	ID() string
	Stop(ctx context.Context, passed bool) error
	done() bool
}

func New(cfg Config, logger *log.Logger) *Client {
	cfg.APIURL = strings.TrimSuffix(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.HubURL = strings.TrimSuffix(strings.TrimSpace(cfg.HubURL), "/")
	if cfg.HubURL == "" {
		cfg.HubURL = DefaultHubURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		jobs:       make(map[string]closer),
	}
}

type statusResponse struct {
	RunningSessions int `json:"running_sessions"`
	SessionsLimit   int `json:"sessions_limit"`
}

// Open checks the credentials against the account status endpoint.
func (c *Client) Open(ctx context.Context, _ []platform.Capabilities) error {
	if c.cfg.Username == "" || c.cfg.AccessKey == "" {
		return fmt.Errorf("%w: browserstack username and access key are required", platform.ErrInvalidConfig)
	}
	var status statusResponse
	if err := c.doJSON(ctx, http.MethodGet, c.cfg.APIURL+"/5/status", nil, &status); err != nil {
		return fmt.Errorf("browserstack status: %w", err)
	}
	c.logger.Printf("browserstack opened: running_sessions=%d sessions_limit=%d", status.RunningSessions, status.SessionsLimit)
	return nil
}

type workerRequest struct {
	OS             string `json:"os"`
	OSVersion      string `json:"os_version,omitempty"`
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version,omitempty"`
	Device         string `json:"device,omitempty"`
	URL            string `json:"url"`
	Timeout        int    `json:"timeout"`
	Name           string `json:"name,omitempty"`
	Build          string `json:"build,omitempty"`
	Project        string `json:"project,omitempty"`
	Local          bool   `json:"browserstack.local,omitempty"`
	LocalID        string `json:"browserstack.localIdentifier,omitempty"`
}

type workerResponse struct {
	ID     json.Number `json:"id"`
	Status string      `json:"status"`
}

func (c *Client) RunMultiple(ctx context.Context, req platform.RunRequest) (platform.Run, error) {
	if err := platform.ValidateRequest(req); err != nil {
		return platform.Run{}, err
	}

	run := platform.Run{ID: req.RunID}
	for _, browser := range req.Browsers {
		testID := uuid.NewString()
		job := &workerJob{client: c, testID: testID, browser: browser}

		testURL, err := platform.DecorateURL(req.URL, req.RunID, testID)
		if err != nil {
			return platform.Run{}, err
		}
		body := workerRequest{
			OS:             browser.OS,
			OSVersion:      browser.OSVersion,
			Browser:        browser.Browser,
			BrowserVersion: browser.BrowserVersion,
			Device:         browser.Device,
			URL:            testURL,
			Timeout:        defaultWorkerTimeout,
			Name:           req.Capabilities.String("name"),
			Build:          req.Capabilities.String("build"),
			Project:        req.Capabilities.String("project"),
			Local:          req.Capabilities.String("local") == "true",
			LocalID:        req.Capabilities.String("localIdentifier"),
		}

		var created workerResponse
		if err := c.doJSON(ctx, http.MethodPost, c.cfg.APIURL+"/5/worker", body, &created); err != nil {
			c.logger.Printf("browserstack worker create failed: browser=%q url=%s err=%v", browser.String(), req.URL, err)
			job.failed = true
		} else {
			job.workerID = created.ID.String()
			c.track(job)
		}
		run.Jobs = append(run.Jobs, job)
	}
	return run, nil
}

func (c *Client) RunScriptMultiple(ctx context.Context, req platform.ScriptRunRequest) (platform.Run, error) {
	if err := platform.ValidateRequest(req.RunRequest); err != nil {
		return platform.Run{}, err
	}
	if strings.TrimSpace(req.ScriptFile) == "" {
		return platform.Run{}, fmt.Errorf("%w: script file is required", platform.ErrInvalidConfig)
	}

	run := platform.Run{ID: req.RunID}
	for _, browser := range req.Browsers {
		testID := uuid.NewString()
		testURL, err := platform.DecorateURL(req.URL, req.RunID, testID)
		if err != nil {
			return platform.Run{}, err
		}
		job, err := c.startScript(ctx, testID, browser, req.Capabilities, testURL, req.ScriptFile)
		if err != nil {
			c.logger.Printf("browserstack selenium start failed: browser=%q script=%s err=%v", browser.String(), req.ScriptFile, err)
			run.Jobs = append(run.Jobs, &scriptJob{testID: testID, browser: browser, failed: true})
			continue
		}
		c.track(job)
		run.Jobs = append(run.Jobs, job)
	}
	return run, nil
}

// Close stops every job that is still alive.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	jobs := make([]closer, 0, len(c.jobs))
	for _, job := range c.jobs {
		jobs = append(jobs, job)
	}
	c.jobs = make(map[string]closer)
	c.mu.Unlock()

	var errs []error
	for _, job := range jobs {
		if job.done() {
			continue
		}
		if err := job.Stop(ctx, false); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", job.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) track(job closer) {
	c.mu.Lock()
	c.jobs[job.ID()] = job
	c.mu.Unlock()
}

func (c *Client) doJSON(ctx context.Context, method, url string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.AccessKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if resp.StatusCode == http.StatusNotFound {
		return errWorkerNotFound
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: browserstack rejected the credentials", platform.ErrInvalidConfig)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s returned %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// workerJob is one JS worker.
type workerJob struct {
	client   *Client
	testID   string
	workerID string
	browser  platform.Browser
	failed   bool

	mu      sync.Mutex
	stopped bool
}

func (j *workerJob) ID() string                { return j.testID }
func (j *workerJob) Browser() platform.Browser { return j.browser }
func (j *workerJob) Failed() bool              { return j.failed }

func (j *workerJob) done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopped
}

func (j *workerJob) Status(ctx context.Context) (platform.Status, error) {
	if j.done() {
		return platform.StatusStopped, nil
	}
	var worker workerResponse
	err := j.client.doJSON(ctx, http.MethodGet, j.client.cfg.APIURL+"/5/worker/"+j.workerID, nil, &worker)
	if errors.Is(err, errWorkerNotFound) {
		return platform.StatusStopped, nil
	}
	if err != nil {
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(worker.Status)) {
	case "running":
		return platform.StatusRunning, nil
	case "queue", "queued":
		return platform.StatusQueue, nil
	default:
		return platform.StatusStopped, nil
	}
}

func (j *workerJob) Stop(ctx context.Context, _ bool) error {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return nil
	}
	j.stopped = true
	j.mu.Unlock()

	err := j.client.doJSON(ctx, http.MethodDelete, j.client.cfg.APIURL+"/5/worker/"+j.workerID, nil, nil)
	if errors.Is(err, errWorkerNotFound) {
		return nil
	}
	return err
}

func (j *workerJob) Screenshot(ctx context.Context) (platform.Screenshot, error) {
	var response struct {
		URL string `json:"url"`
	}
	if err := j.client.doJSON(ctx, http.MethodGet, j.client.cfg.APIURL+"/5/worker/"+j.workerID+"/screenshot.json", nil, &response); err != nil {
		return platform.Screenshot{}, err
	}
	if strings.TrimSpace(response.URL) == "" {
		return platform.Screenshot{}, errors.New("browserstack returned no screenshot url")
	}
	return platform.Screenshot{URL: response.URL}, nil
}
