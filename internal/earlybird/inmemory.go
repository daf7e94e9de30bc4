package earlybird

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	record    Record
	expiresAt time.Time
}

type InMemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	runs map[string]map[string]memoryItem
}

func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InMemoryStore{
		ttl:  ttl,
		now:  func() time.Time { return time.Now().UTC() },
		runs: make(map[string]map[string]memoryItem),
	}
}

func (s *InMemoryStore) Put(_ context.Context, record Record) error {
	runID, testID, err := normalizeKey(record.RunID, record.TestID)
	if err != nil {
		return err
	}
	record.RunID = runID
	record.TestID = testID

	now := s.now()
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	tests, ok := s.runs[runID]
	if !ok {
		tests = make(map[string]memoryItem)
		s.runs[runID] = tests
	}
	tests[testID] = memoryItem{
		record:    record,
		expiresAt: now.Add(s.ttl),
	}
	return nil
}

func (s *InMemoryStore) Take(_ context.Context, runID, testID string) (Record, bool, error) {
	runID, testID, err := normalizeKey(runID, testID)
	if err != nil {
		return Record{}, false, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	tests, ok := s.runs[runID]
	if !ok {
		return Record{}, false, nil
	}
	item, ok := tests[testID]
	if !ok {
		return Record{}, false, nil
	}
	delete(tests, testID)
	if len(tests) == 0 {
		delete(s.runs, runID)
	}
	if now.After(item.expiresAt) {
		return Record{}, false, nil
	}
	return item.record, true, nil
}

func (s *InMemoryStore) DeleteRun(_ context.Context, runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, tests := range s.runs {
		total += len(tests)
	}
	return total
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]map[string]memoryItem)
	return nil
}

func (s *InMemoryStore) pruneLocked(now time.Time) {
	for runID, tests := range s.runs {
		for testID, item := range tests {
			if now.After(item.expiresAt) {
				delete(tests, testID)
			}
		}
		if len(tests) == 0 {
			delete(s.runs, runID)
		}
	}
}
