package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS repair_runs (
	id                TEXT PRIMARY KEY,
	output_dir        TEXT NOT NULL,
	started_at        TEXT NOT NULL,
	finished_at       TEXT,
	initial_status    TEXT NOT NULL,
	anomalies_before  INTEGER NOT NULL DEFAULT 0,
	status            TEXT,
	final_status      TEXT,
	anomalies_after   INTEGER,
	fixed_count       INTEGER,
	error_count       INTEGER
);

CREATE INDEX IF NOT EXISTS idx_repair_runs_started ON repair_runs(started_at);

CREATE TABLE IF NOT EXISTS journal_lines (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES repair_runs(id) ON DELETE CASCADE,
	created_at TEXT NOT NULL,
	message    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_lines_run ON journal_lines(run_id);
`

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Run is one recorded repair run.
type Run struct {
	ID              string
	OutputDir       string
	StartedAt       time.Time
	FinishedAt      *time.Time
	InitialStatus   string
	AnomaliesBefore int
	Status          string // empty while the run is in progress
	FinalStatus     string
	AnomaliesAfter  int
	FixedCount      int
	ErrorCount      int
}

// Line is one journal line of a run.
type Line struct {
	CreatedAt time.Time
	Message   string
}

// Outcome is what FinishRun records.
type Outcome struct {
	Status         string
	FinalStatus    string
	AnomaliesAfter int
	FixedCount     int
	ErrorCount     int
}

// Store keeps repair history in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases and pragmas consistent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// StartRun records the start of a repair and returns its ID.
func (s *Store) StartRun(ctx context.Context, outputDir, initialStatus string, anomaliesBefore int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repair_runs (id, output_dir, started_at, initial_status, anomalies_before)
		VALUES (?, ?, ?, ?, ?)
	`, id, outputDir, s.timestamp(), initialStatus, anomaliesBefore)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// AppendLine adds a journal line to a run.
func (s *Store) AppendLine(ctx context.Context, runID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_lines (run_id, created_at, message) VALUES (?, ?, ?)
	`, runID, s.timestamp(), message)
	if err != nil {
		return fmt.Errorf("failed to append journal line: %w", err)
	}
	return nil
}

// FinishRun records a run's outcome.
func (s *Store) FinishRun(ctx context.Context, runID string, out Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE repair_runs
		SET finished_at = ?, status = ?, final_status = ?, anomalies_after = ?,
		    fixed_count = ?, error_count = ?
		WHERE id = ?
	`, s.timestamp(), out.Status, out.FinalStatus, out.AnomaliesAfter, out.FixedCount, out.ErrorCount, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// LineFunc returns a journal sink that appends to runID. Write failures are
// reported on stderr and otherwise ignored.
func (s *Store) LineFunc(ctx context.Context, runID string) Func {
	return func(message string) {
		if err := s.AppendLine(ctx, runID, message); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
}

// ListRuns returns the most recent runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT id, output_dir, started_at, finished_at, initial_status, anomalies_before,
		       status, final_status, anomalies_after, fixed_count, error_count
		FROM repair_runs
		ORDER BY started_at DESC, rowid DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished, status, finalStatus sql.NullString
		var after, fixed, errCount sql.NullInt64

		if err := rows.Scan(&r.ID, &r.OutputDir, &started, &finished, &r.InitialStatus, &r.AnomaliesBefore,
			&status, &finalStatus, &after, &fixed, &errCount); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("bad started_at %q: %w", started, err)
		}
		if finished.Valid {
			t, err := time.Parse(timeLayout, finished.String)
			if err != nil {
				return nil, fmt.Errorf("bad finished_at %q: %w", finished.String, err)
			}
			r.FinishedAt = &t
		}
		r.Status = status.String
		r.FinalStatus = finalStatus.String
		r.AnomaliesAfter = int(after.Int64)
		r.FixedCount = int(fixed.Int64)
		r.ErrorCount = int(errCount.Int64)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetJournal returns a run's lines in order.
func (s *Store) GetJournal(ctx context.Context, runID string) ([]Line, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, message FROM journal_lines WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var lines []Line
	for rows.Next() {
		var created string
		var l Line
		if err := rows.Scan(&created, &l.Message); err != nil {
			return nil, fmt.Errorf("failed to scan journal line: %w", err)
		}
		if l.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("bad created_at %q: %w", created, err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// PruneRuns deletes runs started more than retentionDays ago, along with
// their lines, and returns how many runs were removed.
func (s *Store) PruneRuns(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("retention days cannot be negative")
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays).Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM journal_lines WHERE run_id IN (SELECT id FROM repair_runs WHERE started_at < ?)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete journal lines: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM repair_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return int(n), nil
}
