package platform

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecorateURLKeepsExistingQuery(t *testing.T) {
	decorated, err := DecorateURL("http://127.0.0.1:7982/tests/index.html?lang=en", "run-1", "test-1")
	require.NoError(t, err)

	parsed, err := url.Parse(decorated)
	require.NoError(t, err)
	require.Equal(t, "/tests/index.html", parsed.Path)
	require.Equal(t, "en", parsed.Query().Get("lang"))
	require.Equal(t, "run-1", parsed.Query().Get(RunQueryParam))
	require.Equal(t, "test-1", parsed.Query().Get(TestQueryParam))
}

func TestDecorateURLRejectsMalformedURL(t *testing.T) {
	_, err := DecorateURL("http://[::1", "run-1", "test-1")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBrowserValidate(t *testing.T) {
	require.NoError(t, Browser{OS: "Windows", Browser: "chrome"}.Validate())
	require.ErrorIs(t, Browser{OS: "Windows"}.Validate(), ErrInvalidConfig)
	require.ErrorIs(t, Browser{Browser: "chrome"}.Validate(), ErrInvalidConfig)
	require.Equal(t, "Windows 11 chrome 120", Browser{OS: "Windows", OSVersion: "11", Browser: "chrome", BrowserVersion: "120"}.String())
}

func TestCapabilitiesScreenshots(t *testing.T) {
	require.True(t, Capabilities{"screenshots": true}.Screenshots())
	require.True(t, Capabilities{"screenshots": "yes"}.Screenshots())
	require.False(t, Capabilities{"screenshots": "no"}.Screenshots())
	require.False(t, Capabilities{}.Screenshots())
	require.False(t, Capabilities(nil).Screenshots())
	require.Equal(t, "ci-1", Capabilities{"build": " ci-1 "}.String("build"))
}

func TestValidateRequest(t *testing.T) {
	valid := RunRequest{RunID: "run-1", URL: "http://example.test", Browsers: []Browser{{OS: "Windows", Browser: "chrome"}}}
	require.NoError(t, ValidateRequest(valid))

	noBrowsers := valid
	noBrowsers.Browsers = nil
	require.ErrorIs(t, ValidateRequest(noBrowsers), ErrInvalidConfig)

	noRun := valid
	noRun.RunID = " "
	require.Error(t, ValidateRequest(noRun))
}

type nopClient struct{}

func (nopClient) Open(context.Context, []Capabilities) error { return nil }
func (nopClient) RunMultiple(context.Context, RunRequest) (Run, error) {
	return Run{}, nil
}
func (nopClient) RunScriptMultiple(context.Context, ScriptRunRequest) (Run, error) {
	return Run{}, nil
}
func (nopClient) Close(context.Context) error { return nil }

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("Local", nopClient{}))
	require.NoError(t, registry.Register("BrowserStack", nopClient{}))
	require.Error(t, registry.Register("Local", nopClient{}))
	require.Error(t, registry.Register(" ", nopClient{}))
	require.Error(t, registry.Register("Nil", nil))

	require.Equal(t, []string{"BrowserStack", "Local"}, registry.Names())

	_, err := registry.Get("Local")
	require.NoError(t, err)

	_, err = registry.Get("CrossBrowserTesting")
	require.ErrorIs(t, err, ErrPlatformNotFound)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
