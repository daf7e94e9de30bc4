package result

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `
	id, run_id, test_id, platform, kind, browser, url, script_file, outcome,
	retried, retries_left, screenshot_url, payload, recorded_at
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Record(ctx context.Context, record Record) (Record, error) {
	if err := validate(record); err != nil {
		return Record{}, err
	}
	record.ID = "result_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	var payload any
	if len(record.Payload) > 0 {
		payload = string(record.Payload)
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO test_results (`+recordColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14)
RETURNING `+recordColumns,
		record.ID,
		record.RunID,
		record.TestID,
		record.Platform,
		record.Kind,
		record.Browser,
		record.URL,
		record.ScriptFile,
		string(record.Outcome),
		record.Retried,
		record.RetriesLeft,
		record.ScreenshotURL,
		payload,
		record.RecordedAt.UTC(),
	)
	return scanRecord(row)
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM test_results ORDER BY recorded_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list test results: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate test results: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS test_results (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	test_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	kind TEXT NOT NULL,
	browser TEXT NOT NULL,
	url TEXT NOT NULL,
	script_file TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	retried BOOLEAN NOT NULL DEFAULT FALSE,
	retries_left INTEGER NOT NULL DEFAULT 0,
	screenshot_url TEXT NOT NULL DEFAULT '',
	payload JSONB,
	recorded_at TIMESTAMPTZ NOT NULL
);
`,
		`CREATE INDEX IF NOT EXISTS idx_test_results_run_id ON test_results (run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_test_results_recorded_at ON test_results (recorded_at DESC);`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialize test_results schema: %w", err)
		}
	}
	return nil
}

type recordRowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row recordRowScanner) (Record, error) {
	var out Record
	var outcome string
	var payload []byte
	if err := row.Scan(
		&out.ID,
		&out.RunID,
		&out.TestID,
		&out.Platform,
		&out.Kind,
		&out.Browser,
		&out.URL,
		&out.ScriptFile,
		&outcome,
		&out.Retried,
		&out.RetriesLeft,
		&out.ScreenshotURL,
		&payload,
		&out.RecordedAt,
	); err != nil {
		return Record{}, err
	}
	out.Outcome = Outcome(strings.TrimSpace(outcome))
	if len(payload) > 0 {
		out.Payload = payload
	}
	out.RecordedAt = out.RecordedAt.UTC()
	return out, nil
}
