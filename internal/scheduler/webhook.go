package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/VenkatGGG/cbtr/internal/earlybird"
	"github.com/VenkatGGG/cbtr/internal/result"
)

type EndInput struct {
	RunID   string
	TestID  string
	Passed  bool
	Payload json.RawMessage
}

type EndResult struct {
	// EarlyBird is set when the report was stored for a test that is not
	// tracked yet.
	EarlyBird bool
}

type webhook struct {
	*env
	st *state
}

func newWebhook(e *env, st *state) *webhook {
	return &webhook{env: e, st: st}
}

// End handles a test-end report from the in-page reporter.
func (w *webhook) End(ctx context.Context, in EndInput) (EndResult, error) {
	in.RunID = strings.TrimSpace(in.RunID)
	in.TestID = strings.TrimSpace(in.TestID)
	if in.RunID == "" || in.TestID == "" {
		return EndResult{}, ErrInvalidRequest
	}

	w.st.mu.Lock()
	if w.st.closed || !w.st.knownRunLocked(in.RunID) {
		w.st.mu.Unlock()
		return EndResult{}, ErrUnknownRun
	}
	test, ok := w.st.tests[testKey(in.RunID, in.TestID)]
	if !ok {
		w.st.mu.Unlock()
		if err := w.earlyBirds.Put(ctx, earlybird.Record{
			RunID:      in.RunID,
			TestID:     in.TestID,
			Passed:     in.Passed,
			ReceivedAt: time.Now().UTC(),
		}); err != nil {
			return EndResult{}, err
		}
		// The run may have been evicted while the record was being written.
		w.st.mu.Lock()
		known := !w.st.closed && w.st.knownRunLocked(in.RunID)
		w.st.mu.Unlock()
		if !known {
			if err := w.earlyBirds.DeleteRun(ctx, in.RunID); err != nil {
				w.logger.Printf("early bird eviction failed: run_id=%s err=%v", in.RunID, err)
			}
			return EndResult{}, ErrUnknownRun
		}
		w.metrics.RecordEarlyBird()
		w.logger.Printf("early bird recorded: run_id=%s test_id=%s passed=%t", in.RunID, in.TestID, in.Passed)
		return EndResult{EarlyBird: true}, nil
	}
	if test.state.ended() {
		w.st.mu.Unlock()
		return EndResult{}, ErrTestEnded
	}

	test.state = stateFinalizing
	screenshots := w.st.byName[test.platform].capabilities[test.kind].Screenshots()
	w.stops.Add(1)
	w.st.mu.Unlock()

	go w.finalize(context.WithoutCancel(ctx), test, in, screenshots)
	return EndResult{}, nil
}

// finalize waits for trailing reporter uploads, then stops the job. The test
// is marked stopped whether or not the stop call succeeds.
func (w *webhook) finalize(ctx context.Context, test *runningTest, in EndInput, screenshots bool) {
	defer w.stops.Done()

	if w.cfg.StopDelay > 0 {
		time.Sleep(w.cfg.StopDelay)
	}

	screenshotURL := ""
	if screenshots {
		screenshotURL = w.screenshot(ctx, test)
	}

	callCtx, cancel := w.callContext(ctx)
	if err := test.job.Stop(callCtx, in.Passed); err != nil {
		w.logger.Printf(
			"stop failed: platform=%s browser=%q url=%s test_id=%s err=%v",
			test.platform, test.browser.String(), test.url, test.testID, err,
		)
	}
	cancel()

	outcome := result.OutcomePassed
	if !in.Passed {
		outcome = result.OutcomeFailed
	}

	w.st.mu.Lock()
	test.state = stateStopped
	if outcome.Failed() {
		w.st.failed = true
	}
	w.st.mu.Unlock()

	record := newRecord(test.attempt, test.runID, test.testID, outcome)
	record.ScreenshotURL = screenshotURL
	record.Payload = in.Payload
	w.metrics.RecordFinished(test.platform, string(test.kind), string(outcome))
	w.flush(ctx, []result.Record{record}, nil)
}

func (w *webhook) screenshot(ctx context.Context, test *runningTest) string {
	callCtx, cancel := w.callContext(ctx)
	defer cancel()

	shot, err := test.job.Screenshot(callCtx)
	if err != nil {
		w.logger.Printf("screenshot failed: platform=%s browser=%q test_id=%s err=%v", test.platform, test.browser.String(), test.testID, err)
		return ""
	}
	if w.artifacts == nil {
		return shot.URL
	}
	url, err := w.artifacts.SaveScreenshot(callCtx, test.testID, shot)
	if err != nil {
		w.logger.Printf("screenshot save failed: test_id=%s err=%v", test.testID, err)
		return shot.URL
	}
	return url
}

// stopDetached releases a job the monitor already retired.
func (w *webhook) stopDetached(ctx context.Context, test *runningTest, passed bool) {
	w.stops.Add(1)
	go func() {
		defer w.stops.Done()
		callCtx, cancel := w.callContext(context.WithoutCancel(ctx))
		defer cancel()
		if err := test.job.Stop(callCtx, passed); err != nil {
			w.logger.Printf("stop failed: platform=%s browser=%q test_id=%s err=%v", test.platform, test.browser.String(), test.testID, err)
		}
	}()
}
