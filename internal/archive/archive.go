// Package archive persists a per-run record of every test case and trace
// the dispatcher ingested, keyed by target. It backs the end-of-target
// finish snapshot; the live pools never read from it.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/condex/pkg/model"

	_ "modernc.org/sqlite"
)

// Archive is a SQLite-backed ingestion record.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the archive database at dbPath and runs the
// migration. Use ":memory:" in tests.
func Open(dbPath string, logger *slog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", dbPath, err)
	}

	// WAL keeps concurrent readers cheap.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	a := &Archive{
		db:     db,
		logger: logger.With("component", "archive"),
	}
	if err := a.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) migrate(ctx context.Context) error {
	a.logger.Debug("sql", "op", "migrate")

	const schema = `
CREATE TABLE IF NOT EXISTS test_cases (
	id         TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	elements   TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_cases_target ON test_cases(target);

CREATE TABLE IF NOT EXISTS traces (
	uuid       TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	size       INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_target ON traces(target);
`
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	return nil
}

// RecordTestCase stores one ingested test case. Duplicate IDs are ignored;
// the pools enforce uniqueness first.
func (a *Archive) RecordTestCase(ctx context.Context, target string, tc model.TestCase) error {
	a.logger.Debug("sql", "op", "insert", "table", "test_cases", "id", tc.ID.String())

	elements, err := json.Marshal(tc.Elements)
	if err != nil {
		return fmt.Errorf("marshal elements: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO test_cases (id, target, elements, created_at)
		VALUES (?, ?, ?, ?)`,
		tc.ID.String(), target, string(elements), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert test case %s: %w", tc.ID, err)
	}
	return nil
}

// RecordTrace stores one ingested trace's metadata.
func (a *Archive) RecordTrace(ctx context.Context, target string, traceUUID string, size int64) error {
	a.logger.Debug("sql", "op", "insert", "table", "traces", "uuid", traceUUID)

	_, err := a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO traces (uuid, target, size, created_at)
		VALUES (?, ?, ?, ?)`,
		traceUUID, target, size, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert trace %s: %w", traceUUID, err)
	}
	return nil
}

// Summary aggregates the archive for one target.
type Summary struct {
	Target     string
	TestCases  uint64
	Traces     uint64
	TraceBytes uint64
}

// SummaryFor aggregates counts for the given target.
func (a *Archive) SummaryFor(ctx context.Context, target string) (Summary, error) {
	s := Summary{Target: target}

	row := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM test_cases WHERE target = ?`, target)
	if err := row.Scan(&s.TestCases); err != nil {
		return s, fmt.Errorf("count test cases: %w", err)
	}

	row = a.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM traces WHERE target = ?`, target)
	if err := row.Scan(&s.Traces, &s.TraceBytes); err != nil {
		return s, fmt.Errorf("count traces: %w", err)
	}

	return s, nil
}
