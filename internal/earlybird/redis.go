package earlybird

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per run so a whole run can be evicted at once.
// The client is owned by the caller.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration

	mu      sync.Mutex
	written map[string]struct{}
}

func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "cbtr:earlybird"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:  client,
		prefix:  normalized,
		ttl:     ttl,
		written: make(map[string]struct{}),
	}
}

func (s *RedisStore) Put(ctx context.Context, record Record) error {
	runID, testID, err := normalizeKey(record.RunID, record.TestID)
	if err != nil {
		return err
	}
	record.RunID = runID
	record.TestID = testID
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode early bird: %w", err)
	}

	key := s.runKey(runID)
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, testID, raw)
		pipe.PExpire(ctx, key, s.ttl)
		return nil
	}); err != nil {
		return fmt.Errorf("early bird put: %w", err)
	}

	s.mu.Lock()
	s.written[runID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *RedisStore) Take(ctx context.Context, runID, testID string) (Record, bool, error) {
	runID, testID, err := normalizeKey(runID, testID)
	if err != nil {
		return Record{}, false, err
	}

	raw, err := takeFieldScript.Run(ctx, s.client, []string{s.runKey(runID)}, testID).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("early bird take: %w", err)
	}
	if raw == "" {
		return Record{}, false, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, false, fmt.Errorf("decode early bird: %w", err)
	}
	return record, true, nil
}

func (s *RedisStore) DeleteRun(ctx context.Context, runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	if err := s.client.Del(ctx, s.runKey(runID)).Err(); err != nil {
		return fmt.Errorf("early bird delete run: %w", err)
	}
	s.mu.Lock()
	delete(s.written, runID)
	s.mu.Unlock()
	return nil
}

// Close deletes every run this store wrote to. Records left behind by a
// crashed process still expire through their TTL.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.written))
	for runID := range s.written {
		keys = append(keys, s.runKey(runID))
	}
	s.written = make(map[string]struct{})
	s.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("early bird cleanup: %w", err)
	}
	return nil
}

func (s *RedisStore) runKey(runID string) string {
	return s.prefix + ":run:" + runID
}

var takeFieldScript = redis.NewScript(`
local value = redis.call("HGET", KEYS[1], ARGV[1])
if not value then
  return false
end
redis.call("HDEL", KEYS[1], ARGV[1])
return value
`)
