package platform

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidConfig marks errors caused by the run configuration rather than
// the remote platform. The scheduler treats them as fatal for the whole run.
var ErrInvalidConfig = errors.New("invalid run configuration")

type Kind string

const (
	KindJS       Kind = "JS"
	KindSelenium Kind = "Selenium"
)

var Kinds = []Kind{KindJS, KindSelenium}

type Status string

const (
	StatusRunning Status = "running"
	StatusQueue   Status = "queue"
	StatusStopped Status = "stopped"
)

const (
	RunQueryParam  = "cbtr_run"
	TestQueryParam = "cbtr_test"
)

type Browser struct {
	OS             string `json:"os" yaml:"os"`
	OSVersion      string `json:"os_version,omitempty" yaml:"os_version,omitempty"`
	Browser        string `json:"browser" yaml:"browser"`
	BrowserVersion string `json:"browser_version,omitempty" yaml:"browser_version,omitempty"`
	Device         string `json:"device,omitempty" yaml:"device,omitempty"`
}

func (b Browser) Validate() error {
	if strings.TrimSpace(b.Browser) == "" {
		return fmt.Errorf("%w: browser name is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(b.OS) == "" {
		return fmt.Errorf("%w: os is required for browser %s", ErrInvalidConfig, b.Browser)
	}
	return nil
}

func (b Browser) String() string {
	parts := []string{b.OS, b.OSVersion, b.Browser, b.BrowserVersion, b.Device}
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, " ")
}

// Capabilities are passed through to the platform untouched, apart from the
// keys the scheduler itself understands.
type Capabilities map[string]any

func (c Capabilities) Screenshots() bool {
	raw, ok := c["screenshots"]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

func (c Capabilities) String(key string) string {
	raw, ok := c[key]
	if !ok || raw == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(raw))
}

type RunRequest struct {
	RunID        string
	URL          string
	Browsers     []Browser
	Capabilities Capabilities
	Native       bool
}

type ScriptRunRequest struct {
	RunRequest
	ScriptFile string
}

type Screenshot struct {
	URL       string
	PNGBase64 string
}

type Job interface {
	ID() string
	Browser() Browser
	// Failed reports a job the platform could not create.
	Failed() bool
	Status(ctx context.Context) (Status, error)
	Stop(ctx context.Context, passed bool) error
	Screenshot(ctx context.Context) (Screenshot, error)
}

// Verdict is implemented by jobs that learn their own pass/fail result, such
// as script-driven Selenium jobs.
type Verdict interface {
	Passed() bool
}

type Run struct {
	ID   string
	Jobs []Job
}

type Client interface {
	Open(ctx context.Context, capabilities []Capabilities) error
	RunMultiple(ctx context.Context, req RunRequest) (Run, error)
	RunScriptMultiple(ctx context.Context, req ScriptRunRequest) (Run, error)
	Close(ctx context.Context) error
}

// DecorateURL appends the run and test identifiers the in-page reporter
// echoes back to the webhook.
func DecorateURL(raw, runID, testID string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: parse test url %q: %v", ErrInvalidConfig, raw, err)
	}
	query := parsed.Query()
	query.Set(RunQueryParam, runID)
	query.Set(TestQueryParam, testID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func ValidateRequest(req RunRequest) error {
	if strings.TrimSpace(req.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(req.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	if len(req.Browsers) == 0 {
		return fmt.Errorf("%w: at least one browser is required", ErrInvalidConfig)
	}
	for _, browser := range req.Browsers {
		if err := browser.Validate(); err != nil {
			return err
		}
	}
	return nil
}
