package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/VenkatGGG/cbtr/internal/artifact"
	"github.com/VenkatGGG/cbtr/internal/earlybird"
	"github.com/VenkatGGG/cbtr/internal/metrics"
	"github.com/VenkatGGG/cbtr/internal/result"
)

const (
	DefaultMonitorInterval     = 2500 * time.Millisecond
	DefaultStopDelay           = time.Second
	DefaultPlatformCallTimeout = 60 * time.Second
	DefaultMaxStatusErrors     = 3
)

type Config struct {
	MonitorInterval     time.Duration
	StopDelay           time.Duration
	PlatformCallTimeout time.Duration
	// MaxStatusErrors is the number of consecutive failed status calls after
	// which a test is treated as not responding.
	MaxStatusErrors int
}

func (c Config) normalize() Config {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.StopDelay < 0 {
		c.StopDelay = 0
	}
	if c.PlatformCallTimeout <= 0 {
		c.PlatformCallTimeout = DefaultPlatformCallTimeout
	}
	if c.MaxStatusErrors <= 0 {
		c.MaxStatusErrors = DefaultMaxStatusErrors
	}
	return c
}

// Deps are the collaborators shared by the dispatcher, monitor and webhook.
type Deps struct {
	EarlyBirds earlybird.Store
	Results    result.Store
	Artifacts  artifact.Store
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

type env struct {
	cfg        Config
	earlyBirds earlybird.Store
	results    result.Store
	artifacts  artifact.Store
	metrics    *metrics.Metrics
	logger     *log.Logger
	stops      sync.WaitGroup
}

func newEnv(cfg Config, deps Deps) *env {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.EarlyBirds == nil {
		deps.EarlyBirds = earlybird.NewInMemoryStore(earlybird.DefaultTTL)
	}
	if deps.Results == nil {
		deps.Results = result.NewInMemoryStore()
	}
	return &env{
		cfg:        cfg.normalize(),
		earlyBirds: deps.EarlyBirds,
		results:    deps.Results,
		artifacts:  deps.Artifacts,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
}

func (e *env) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.PlatformCallTimeout)
}

func newRecord(a attempt, runID, testID string, outcome result.Outcome) result.Record {
	return result.Record{
		RunID:       runID,
		TestID:      testID,
		Platform:    a.platform,
		Kind:        string(a.kind),
		Browser:     a.browser.String(),
		URL:         a.url,
		ScriptFile:  a.scriptFile,
		Outcome:     outcome,
		RetriesLeft: a.retries,
	}
}

// finishLocked records a terminal attempt. Failed outcomes mark the run
// failed.
func (e *env) finishLocked(st *state, a attempt, runID, testID string, outcome result.Outcome) {
	if outcome.Failed() {
		st.failed = true
	}
	st.records = append(st.records, newRecord(a, runID, testID, outcome))
	e.metrics.RecordFinished(a.platform, string(a.kind), string(outcome))
}

// retryOrFailLocked queues the attempt again while it has retries left and
// marks the run failed otherwise. The run keeps going either way.
func (e *env) retryOrFailLocked(st *state, a attempt, runID, testID string, outcome result.Outcome) {
	if a.retries > 0 {
		next := a
		next.retries--
		st.retries = append(st.retries, next)

		record := newRecord(a, runID, testID, outcome)
		record.Retried = true
		record.RetriesLeft = next.retries
		st.records = append(st.records, record)
		e.metrics.RecordRetried(a.platform, string(a.kind))
		e.logger.Printf(
			"test attempt failed, retrying: platform=%s kind=%s browser=%q url=%s outcome=%s retries_left=%d",
			a.platform, a.kind, a.browser.String(), a.url, outcome, next.retries,
		)
		return
	}

	e.logger.Printf(
		"test failed with no retries left: platform=%s kind=%s browser=%q url=%s outcome=%s",
		a.platform, a.kind, a.browser.String(), a.url, outcome,
	)
	e.finishLocked(st, a, runID, testID, outcome)
}

// flush writes queued results and evicts early birds of finished runs. It
// must be called without holding the state lock.
func (e *env) flush(ctx context.Context, records []result.Record, evicted []string) {
	ctx = context.WithoutCancel(ctx)
	for _, record := range records {
		if _, err := e.results.Record(ctx, record); err != nil {
			e.logger.Printf("result record failed: platform=%s test_id=%s err=%v", record.Platform, record.TestID, err)
		}
	}
	for _, runID := range evicted {
		if err := e.earlyBirds.DeleteRun(ctx, runID); err != nil {
			e.logger.Printf("early bird eviction failed: run_id=%s err=%v", runID, err)
		}
	}
}
