package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func runFlags(t *testing.T, settings Settings, args ...string) Config {
	t.Helper()
	var cfg Config
	app := &cli.App{
		Name:  "cbtr",
		Flags: Flags,
		Action: func(c *cli.Context) error {
			cfg = FromCLI(c, settings)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"cbtr"}, args...)))
	return cfg
}

func TestFromCLIDefaults(t *testing.T) {
	cfg := runFlags(t, Settings{}, "--settings", "cbtr.json")

	require.Equal(t, "cbtr.json", cfg.SettingsPath)
	require.Equal(t, ":7982", cfg.HTTPAddr)
	require.Equal(t, 2500*time.Millisecond, cfg.MonitorInterval)
	require.Equal(t, time.Second, cfg.StopDelay)
	require.Equal(t, 10*time.Minute, cfg.EarlyBirdTTL)
	require.Equal(t, "/artifacts", cfg.ArtifactBaseURL)
	require.NotEmpty(t, cfg.ArtifactDir)
	require.Equal(t, "https://api.browserstack.com", cfg.BrowserStackAPIURL)
}

func TestFromCLIUsesSettingsPortAndFlags(t *testing.T) {
	settings := Settings{Server: Server{Port: 9100}}
	cfg := runFlags(t, settings,
		"--settings", "cbtr.yaml",
		"--monitor-interval", "1s",
		"--artifact-base-url", "shots/",
		"--browserstack-api-url", "https://api.example.test/",
	)

	require.Equal(t, ":9100", cfg.HTTPAddr)
	require.Equal(t, time.Second, cfg.MonitorInterval)
	require.Equal(t, "/shots", cfg.ArtifactBaseURL)
	require.Equal(t, "https://api.example.test", cfg.BrowserStackAPIURL)

	cfg = runFlags(t, settings, "--settings", "cbtr.yaml", "--http-addr", "127.0.0.1:8000")
	require.Equal(t, "127.0.0.1:8000", cfg.HTTPAddr)
}

func TestFromCLIReadsEnvironment(t *testing.T) {
	t.Setenv("CBTR_SETTINGS", "from-env.json")
	t.Setenv("CBTR_REDIS_ADDR", " 127.0.0.1:6379 ")
	t.Setenv("BROWSERSTACK_USERNAME", "alice")

	cfg := runFlags(t, Settings{})
	require.Equal(t, "from-env.json", cfg.SettingsPath)
	require.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	require.Equal(t, "alice", cfg.BrowserStackUser)
}
