package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Outcome string

const (
	OutcomePassed        Outcome = "passed"
	OutcomeFailed        Outcome = "failed"
	OutcomeDidNotRespond Outcome = "did_not_respond"
	OutcomeNotCreated    Outcome = "not_created"
	OutcomeStatusError   Outcome = "status_error"
	OutcomeFinished      Outcome = "finished"
)

// Failed reports outcomes that count against the run, before retries are
// taken into account.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomePassed, OutcomeFinished:
		return false
	default:
		return true
	}
}

// Record is one attempt of one test on one browser.
type Record struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	TestID        string          `json:"test_id"`
	Platform      string          `json:"platform"`
	Kind          string          `json:"kind"`
	Browser       string          `json:"browser"`
	URL           string          `json:"url"`
	ScriptFile    string          `json:"script_file,omitempty"`
	Outcome       Outcome         `json:"outcome"`
	Retried       bool            `json:"retried"`
	RetriesLeft   int             `json:"retries_left"`
	ScreenshotURL string          `json:"screenshot_url,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

type Store interface {
	Record(ctx context.Context, record Record) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

func validate(record Record) error {
	if strings.TrimSpace(record.Platform) == "" {
		return errors.New("platform is required")
	}
	if strings.TrimSpace(string(record.Outcome)) == "" {
		return errors.New("outcome is required")
	}
	return nil
}

type InMemoryStore struct {
	counter atomic.Int64
	mu      sync.RWMutex
	items   []Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Record(_ context.Context, record Record) (Record, error) {
	if err := validate(record); err != nil {
		return Record{}, err
	}
	record.ID = fmt.Sprintf("result_%06d", s.counter.Add(1))
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	record.Payload = append(json.RawMessage(nil), record.Payload...)

	s.mu.Lock()
	s.items = append(s.items, record)
	s.mu.Unlock()

	return record, nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.items))
	copy(out, s.items)
	return out, nil
}
