package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "CBTR"

type Config struct {
	SettingsPath        string
	HTTPAddr            string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	MonitorInterval     time.Duration
	StopDelay           time.Duration
	PlatformCallTimeout time.Duration
	EarlyBirdTTL        time.Duration
	RedisAddr           string
	PostgresDSN         string
	ArtifactDir         string
	ArtifactBaseURL     string
	TestRoot            string
	WebhookRate         float64
	WebhookBurst        int
	BrowserStackUser    string
	BrowserStackKey     string
	BrowserStackAPIURL  string
	BrowserStackHubURL  string
	CDPBaseURL          string
	ScriptCommand       string
}

func prefixEnvVar(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	SettingsFlag = &cli.StringFlag{
		Name:     "settings",
		Usage:    "Path to the settings document (JSON or YAML)",
		Required: true,
		EnvVars:  prefixEnvVar("SETTINGS"),
	}
	HTTPAddrFlag = &cli.StringFlag{
		Name:    "http-addr",
		Usage:   "Listen address for the webhook, status and test-file server",
		EnvVars: prefixEnvVar("HTTP_ADDR"),
	}
	ReadTimeoutFlag = &cli.DurationFlag{
		Name:    "read-timeout",
		Value:   15 * time.Second,
		EnvVars: prefixEnvVar("READ_TIMEOUT"),
	}
	WriteTimeoutFlag = &cli.DurationFlag{
		Name:    "write-timeout",
		Value:   15 * time.Second,
		EnvVars: prefixEnvVar("WRITE_TIMEOUT"),
	}
	IdleTimeoutFlag = &cli.DurationFlag{
		Name:    "idle-timeout",
		Value:   60 * time.Second,
		EnvVars: prefixEnvVar("IDLE_TIMEOUT"),
	}
	MonitorIntervalFlag = &cli.DurationFlag{
		Name:    "monitor-interval",
		Usage:   "Delay between two status polling cycles",
		Value:   2500 * time.Millisecond,
		EnvVars: prefixEnvVar("MONITOR_INTERVAL"),
	}
	StopDelayFlag = &cli.DurationFlag{
		Name:    "stop-delay",
		Usage:   "Delay between a reported test end and stopping the remote job",
		Value:   time.Second,
		EnvVars: prefixEnvVar("STOP_DELAY"),
	}
	PlatformCallTimeoutFlag = &cli.DurationFlag{
		Name:    "platform-timeout",
		Usage:   "Timeout for a single platform API call",
		Value:   60 * time.Second,
		EnvVars: prefixEnvVar("PLATFORM_TIMEOUT"),
	}
	EarlyBirdTTLFlag = &cli.DurationFlag{
		Name:    "early-bird-ttl",
		Usage:   "How long an unmatched test-end report is kept",
		Value:   10 * time.Minute,
		EnvVars: prefixEnvVar("EARLY_BIRD_TTL"),
	}
	RedisAddrFlag = &cli.StringFlag{
		Name:    "redis-addr",
		Usage:   "Redis address for the early-bird store (in-memory when empty)",
		EnvVars: prefixEnvVar("REDIS_ADDR"),
	}
	PostgresDSNFlag = &cli.StringFlag{
		Name:    "postgres-dsn",
		Usage:   "Postgres DSN for result history (in-memory when empty)",
		EnvVars: prefixEnvVar("POSTGRES_DSN"),
	}
	ArtifactDirFlag = &cli.StringFlag{
		Name:    "artifacts-dir",
		EnvVars: prefixEnvVar("ARTIFACTS_DIR"),
	}
	ArtifactBaseURLFlag = &cli.StringFlag{
		Name:    "artifact-base-url",
		EnvVars: prefixEnvVar("ARTIFACT_BASE_URL"),
	}
	TestRootFlag = &cli.StringFlag{
		Name:    "test-root",
		Usage:   "Directory test files are served from",
		Value:   ".",
		EnvVars: prefixEnvVar("TEST_ROOT"),
	}
	WebhookRateFlag = &cli.Float64Flag{
		Name:    "webhook-rate",
		Usage:   "Sustained webhook requests per second per client",
		Value:   20,
		EnvVars: prefixEnvVar("WEBHOOK_RATE"),
	}
	WebhookBurstFlag = &cli.IntFlag{
		Name:    "webhook-burst",
		Value:   40,
		EnvVars: prefixEnvVar("WEBHOOK_BURST"),
	}
	BrowserStackUserFlag = &cli.StringFlag{
		Name:    "browserstack-username",
		EnvVars: []string{"BROWSERSTACK_USERNAME"},
	}
	BrowserStackKeyFlag = &cli.StringFlag{
		Name:    "browserstack-access-key",
		EnvVars: []string{"BROWSERSTACK_ACCESS_KEY"},
	}
	BrowserStackAPIURLFlag = &cli.StringFlag{
		Name:    "browserstack-api-url",
		Value:   "https://api.browserstack.com",
		EnvVars: prefixEnvVar("BROWSERSTACK_API_URL"),
	}
	BrowserStackHubURLFlag = &cli.StringFlag{
		Name:    "browserstack-hub-url",
		Value:   "https://hub-cloud.browserstack.com/wd/hub",
		EnvVars: prefixEnvVar("BROWSERSTACK_HUB_URL"),
	}
	CDPBaseURLFlag = &cli.StringFlag{
		Name:    "cdp-base-url",
		Usage:   "DevTools endpoint of the local Chrome used by the Local platform",
		Value:   "http://127.0.0.1:9222",
		EnvVars: prefixEnvVar("CDP_BASE_URL"),
	}
	ScriptCommandFlag = &cli.StringFlag{
		Name:    "script-command",
		Usage:   "Interpreter used to run Selenium script files (empty runs them directly)",
		EnvVars: prefixEnvVar("SCRIPT_COMMAND"),
	}
)

var Flags = []cli.Flag{
	SettingsFlag,
	HTTPAddrFlag,
	ReadTimeoutFlag,
	WriteTimeoutFlag,
	IdleTimeoutFlag,
	MonitorIntervalFlag,
	StopDelayFlag,
	PlatformCallTimeoutFlag,
	EarlyBirdTTLFlag,
	RedisAddrFlag,
	PostgresDSNFlag,
	ArtifactDirFlag,
	ArtifactBaseURLFlag,
	TestRootFlag,
	WebhookRateFlag,
	WebhookBurstFlag,
	BrowserStackUserFlag,
	BrowserStackKeyFlag,
	BrowserStackAPIURLFlag,
	BrowserStackHubURLFlag,
	CDPBaseURLFlag,
	ScriptCommandFlag,
}

// FromCLI builds the process configuration. An empty --http-addr listens on
// the port declared in the settings document.
func FromCLI(c *cli.Context, settings Settings) Config {
	httpAddr := strings.TrimSpace(c.String(HTTPAddrFlag.Name))
	if httpAddr == "" {
		port := settings.Server.Port
		if port <= 0 {
			port = DefaultServerPort
		}
		httpAddr = ":" + strconv.Itoa(port)
	}

	return Config{
		SettingsPath:        c.String(SettingsFlag.Name),
		HTTPAddr:            httpAddr,
		ReadTimeout:         c.Duration(ReadTimeoutFlag.Name),
		WriteTimeout:        c.Duration(WriteTimeoutFlag.Name),
		IdleTimeout:         c.Duration(IdleTimeoutFlag.Name),
		MonitorInterval:     c.Duration(MonitorIntervalFlag.Name),
		StopDelay:           c.Duration(StopDelayFlag.Name),
		PlatformCallTimeout: c.Duration(PlatformCallTimeoutFlag.Name),
		EarlyBirdTTL:        c.Duration(EarlyBirdTTLFlag.Name),
		RedisAddr:           strings.TrimSpace(c.String(RedisAddrFlag.Name)),
		PostgresDSN:         strings.TrimSpace(c.String(PostgresDSNFlag.Name)),
		ArtifactDir:         artifactRootDir(c.String(ArtifactDirFlag.Name)),
		ArtifactBaseURL:     normalizeArtifactBaseURL(c.String(ArtifactBaseURLFlag.Name)),
		TestRoot:            c.String(TestRootFlag.Name),
		WebhookRate:         c.Float64(WebhookRateFlag.Name),
		WebhookBurst:        c.Int(WebhookBurstFlag.Name),
		BrowserStackUser:    strings.TrimSpace(c.String(BrowserStackUserFlag.Name)),
		BrowserStackKey:     strings.TrimSpace(c.String(BrowserStackKeyFlag.Name)),
		BrowserStackAPIURL:  strings.TrimSuffix(strings.TrimSpace(c.String(BrowserStackAPIURLFlag.Name)), "/"),
		BrowserStackHubURL:  strings.TrimSpace(c.String(BrowserStackHubURLFlag.Name)),
		CDPBaseURL:          strings.TrimSpace(c.String(CDPBaseURLFlag.Name)),
		ScriptCommand:       strings.TrimSpace(c.String(ScriptCommandFlag.Name)),
	}
}

func artifactRootDir(value string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return filepath.Join(os.TempDir(), "cbtr-artifacts")
}

func normalizeArtifactBaseURL(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "/artifacts"
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	normalized := strings.TrimSuffix(trimmed, "/")
	if normalized == "" {
		return "/artifacts"
	}
	return normalized
}
