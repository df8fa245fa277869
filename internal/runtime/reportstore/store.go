// Package reportstore archives finalized run reports in SQLite or PostgreSQL
// so runs can be compared after the harness exits.
package reportstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errspkg "github.com/drblury/relaybench/internal/runtime/errors"
	"github.com/drblury/relaybench/internal/runtime/jsoncodec"
	"github.com/drblury/relaybench/internal/runtime/perf"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Summary is one row of List.
type Summary struct {
	TestRunID        string    `json:"testRunId"`
	State            string    `json:"state"`
	Expected         int64     `json:"expected"`
	Received         int64     `json:"received"`
	Lost             int64     `json:"lost"`
	ThroughputPerSec float64   `json:"throughputPerSec"`
	P99Ms            int64     `json:"p99Ms"`
	RecordedAt       time.Time `json:"recordedAt"`
}

// Store persists run reports. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to dsn with driver and creates the schema when missing.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("reportstore: dsn is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sql.Open(DriverSQLite, sqliteDSN(dsn))
		if err == nil {
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open(DriverPostgres, dsn)
		if err == nil {
			db.SetMaxOpenConns(5)
			db.SetConnMaxIdleTime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("reportstore: unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("reportstore: open %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("reportstore: initialize schema: %w", err)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_journal_mode=WAL&_busy_timeout=5000"
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_reports (
		test_run_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		expected BIGINT NOT NULL,
		received BIGINT NOT NULL,
		lost BIGINT NOT NULL,
		throughput_per_sec DOUBLE PRECISION NOT NULL,
		p99_ms BIGINT NOT NULL,
		report TEXT NOT NULL,
		recorded_at_ms BIGINT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_run_reports_recorded ON run_reports(recorded_at_ms)`)
	return err
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save stores snap, replacing any earlier report for the same run.
func (s *Store) Save(ctx context.Context, snap perf.Snapshot) error {
	if snap.TestRunID == "" {
		return errspkg.ErrRunIDRequired
	}
	report, err := jsoncodec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("reportstore: marshal report %s: %w", snap.TestRunID, err)
	}

	query := s.rebind(`
		INSERT INTO run_reports (test_run_id, state, expected, received, lost, throughput_per_sec, p99_ms, report, recorded_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (test_run_id) DO UPDATE SET
			state = excluded.state,
			expected = excluded.expected,
			received = excluded.received,
			lost = excluded.lost,
			throughput_per_sec = excluded.throughput_per_sec,
			p99_ms = excluded.p99_ms,
			report = excluded.report,
			recorded_at_ms = excluded.recorded_at_ms
	`)
	_, err = s.db.ExecContext(ctx, query,
		snap.TestRunID,
		snap.State.String(),
		snap.Expected,
		snap.Received,
		snap.Lost,
		snap.ThroughputPerSec,
		snap.P99,
		string(report),
		s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("reportstore: save %s: %w", snap.TestRunID, err)
	}
	return nil
}

// Get returns the archived report for runID. It returns an error wrapping
// errors.ErrRunNotFound when no report exists.
func (s *Store) Get(ctx context.Context, runID string) (perf.Snapshot, error) {
	var report string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT report FROM run_reports WHERE test_run_id = ?`), runID).Scan(&report)
	if errors.Is(err, sql.ErrNoRows) {
		return perf.Snapshot{}, fmt.Errorf("%w: %s", errspkg.ErrRunNotFound, runID)
	}
	if err != nil {
		return perf.Snapshot{}, fmt.Errorf("reportstore: load %s: %w", runID, err)
	}

	var snap perf.Snapshot
	if err := jsoncodec.Unmarshal([]byte(report), &snap); err != nil {
		return perf.Snapshot{}, fmt.Errorf("reportstore: decode %s: %w", runID, err)
	}
	return snap, nil
}

// List returns up to limit summaries, most recent first. A limit of zero or
// less returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	query := `SELECT test_run_id, state, expected, received, lost, throughput_per_sec, p99_ms, recorded_at_ms
		FROM run_reports ORDER BY recorded_at_ms DESC, test_run_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("reportstore: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum        Summary
			recordedMs int64
		)
		if err := rows.Scan(&sum.TestRunID, &sum.State, &sum.Expected, &sum.Received, &sum.Lost, &sum.ThroughputPerSec, &sum.P99Ms, &recordedMs); err != nil {
			return nil, fmt.Errorf("reportstore: scan: %w", err)
		}
		sum.RecordedAt = time.UnixMilli(recordedMs)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
