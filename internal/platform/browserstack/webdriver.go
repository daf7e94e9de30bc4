package browserstack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/VenkatGGG/cbtr/internal/platform"
)

// Environment handed to Selenium scripts.
const (
	EnvHubURL    = "CBTR_HUB_URL"
	EnvSessionID = "CBTR_SESSION_ID"
	EnvURL       = "CBTR_URL"
)

type newSessionResponse struct {
	Value struct {
		SessionID string `json:"sessionId"`
		Error     string `json:"error"`
		Message   string `json:"message"`
	} `json:"value"`
}

func (c *Client) sessionCapabilities(browser platform.Browser, caps platform.Capabilities) map[string]any {
	options := map[string]any{
		"os":        browser.OS,
		"osVersion": browser.OSVersion,
		"userName":  c.cfg.Username,
		"accessKey": c.cfg.AccessKey,
	}
	if browser.Device != "" {
		options["deviceName"] = browser.Device
	}
	for key, value := range caps {
		if key == "screenshots" {
			continue
		}
		options[key] = value
	}

	always := map[string]any{
		"browserName":    browser.Browser,
		"bstack:options": options,
	}
	if browser.BrowserVersion != "" {
		always["browserVersion"] = browser.BrowserVersion
	}
	return map[string]any{"capabilities": map[string]any{"alwaysMatch": always}}
}

// startScript opens a WebDriver session, loads the test page and hands the
// session to the script. The script's exit code is the test verdict.
func (c *Client) startScript(ctx context.Context, testID string, browser platform.Browser, caps platform.Capabilities, testURL, scriptFile string) (*scriptJob, error) {
	var created newSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.HubURL+"/session", c.sessionCapabilities(browser, caps), &created); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sessionID := strings.TrimSpace(created.Value.SessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("create session: %s %s", created.Value.Error, created.Value.Message)
	}

	job := &scriptJob{
		client:    c,
		testID:    testID,
		sessionID: sessionID,
		browser:   browser,
		exited:    make(chan struct{}),
	}
	if err := c.doJSON(ctx, http.MethodPost, c.sessionURL(sessionID)+"/url", map[string]string{"url": testURL}, nil); err != nil {
		_ = job.deleteSession(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("navigate: %w", err)
	}

	name, args := c.scriptCommand(scriptFile)
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(),
		EnvHubURL+"="+c.cfg.HubURL,
		EnvSessionID+"="+sessionID,
		EnvURL+"="+testURL,
	)
	cmd.Stdout = c.logger.Writer()
	cmd.Stderr = c.logger.Writer()
	if err := cmd.Start(); err != nil {
		_ = job.deleteSession(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%w: start script %s: %v", platform.ErrInvalidConfig, scriptFile, err)
	}
	job.cmd = cmd
	go job.wait()

	c.logger.Printf("selenium script started: browser=%q script=%s session_id=%s", browser.String(), scriptFile, sessionID)
	return job, nil
}

func (c *Client) scriptCommand(scriptFile string) (string, []string) {
	fields := strings.Fields(c.cfg.ScriptCommand)
	if len(fields) == 0 {
		return scriptFile, nil
	}
	return fields[0], append(fields[1:], scriptFile)
}

func (c *Client) sessionURL(sessionID string) string {
	return c.cfg.HubURL + "/session/" + sessionID
}

// scriptJob is a Selenium session driven by an external script.
type scriptJob struct {
	client    *Client
	testID    string
	sessionID string
	browser   platform.Browser
	failed    bool
	cmd       *exec.Cmd
	exited    chan struct{}

	mu       sync.Mutex
	exitErr  error
	finished bool
	killed   bool
	stopped  bool
}

func (j *scriptJob) ID() string                { return j.testID }
func (j *scriptJob) Browser() platform.Browser { return j.browser }
func (j *scriptJob) Failed() bool              { return j.failed }

func (j *scriptJob) wait() {
	err := j.cmd.Wait()
	j.mu.Lock()
	j.exitErr = err
	j.finished = true
	j.mu.Unlock()
	close(j.exited)
}

func (j *scriptJob) done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopped
}

// Passed reports whether the script exited cleanly.
func (j *scriptJob) Passed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished && j.exitErr == nil && !j.killed
}

func (j *scriptJob) Status(ctx context.Context) (platform.Status, error) {
	j.mu.Lock()
	finished, stopped := j.finished, j.stopped
	j.mu.Unlock()
	if !finished && !stopped {
		return platform.StatusRunning, nil
	}
	if !stopped {
		if err := j.release(ctx); err != nil {
			j.client.logger.Printf("selenium session delete failed: session_id=%s err=%v", j.sessionID, err)
		}
	}
	return platform.StatusStopped, nil
}

// release deletes the session once the script is done with it.
func (j *scriptJob) release(ctx context.Context) error {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return nil
	}
	j.stopped = true
	j.mu.Unlock()
	return j.deleteSession(ctx)
}

func (j *scriptJob) Stop(ctx context.Context, _ bool) error {
	j.mu.Lock()
	finished := j.finished
	if !finished {
		j.killed = true
	}
	j.mu.Unlock()
	if !finished && j.cmd != nil && j.cmd.Process != nil {
		_ = j.cmd.Process.Kill()
		select {
		case <-j.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.release(ctx)
}

func (j *scriptJob) deleteSession(ctx context.Context) error {
	err := j.client.doJSON(ctx, http.MethodDelete, j.client.sessionURL(j.sessionID), nil, nil)
	if errors.Is(err, errWorkerNotFound) {
		return nil
	}
	return err
}

func (j *scriptJob) Screenshot(ctx context.Context) (platform.Screenshot, error) {
	var response struct {
		Value string `json:"value"`
	}
	if err := j.client.doJSON(ctx, http.MethodGet, j.client.sessionURL(j.sessionID)+"/screenshot", nil, &response); err != nil {
		return platform.Screenshot{}, err
	}
	return platform.Screenshot{PNGBase64: response.Value}, nil
}
