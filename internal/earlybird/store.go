package earlybird

import (
	"context"
	"errors"
	"strings"
	"time"
)

const DefaultTTL = 10 * time.Minute

// Record is a test-end report that arrived before the scheduler was tracking
// the test it names.
type Record struct {
	RunID      string    `json:"run_id"`
	TestID     string    `json:"test_id"`
	Passed     bool      `json:"passed"`
	ReceivedAt time.Time `json:"received_at"`
}

type Store interface {
	Put(ctx context.Context, record Record) error
	// Take returns the record for the test and deletes it.
	Take(ctx context.Context, runID, testID string) (Record, bool, error)
	DeleteRun(ctx context.Context, runID string) error
	Close() error
}

func normalizeKey(runID, testID string) (string, string, error) {
	runID = strings.TrimSpace(runID)
	testID = strings.TrimSpace(testID)
	if runID == "" {
		return "", "", errors.New("run id is required")
	}
	if testID == "" {
		return "", "", errors.New("test id is required")
	}
	return runID, testID, nil
}
