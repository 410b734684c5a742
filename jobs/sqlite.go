package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	namespace  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	payload    TEXT NOT NULL,
	state      TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	result     TEXT,
	error      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_state ON jobs(state);
CREATE TABLE IF NOT EXISTS job_steps (
	job_id       TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	output       TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	PRIMARY KEY (job_id, name)
);`

// timeLayout is fixed width so stored timestamps sort as text.
// RFC3339Nano drops trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the job database at path with WAL
// journaling and a busy timeout. ":memory:" gives a private in-memory store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// every new connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if rec.State == "" {
		rec.State = StateReceived
	}
	now := s.now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, name, namespace, user_id, payload, state, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Event.Name, rec.Event.Data.Namespace, rec.Event.Data.UserID,
		string(payload), string(rec.State), rec.Attempts,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", rec.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, payload, state, attempts, result, error, created_at, updated_at FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if err := s.loadSteps(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, rec *Record) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, output FROM job_steps WHERE job_id = ?`, rec.ID)
	if err != nil {
		return fmt.Errorf("load steps of %s: %w", rec.ID, err)
	}
	defer rows.Close()

	rec.Steps = make(map[string]json.RawMessage)
	for rows.Next() {
		var name, output string
		if err := rows.Scan(&name, &output); err != nil {
			return fmt.Errorf("scan step of %s: %w", rec.ID, err)
		}
		rec.Steps[name] = json.RawMessage(output)
	}
	return rows.Err()
}

// SaveStep implements Store.
func (s *SQLiteStore) SaveStep(ctx context.Context, id, step string, output json.RawMessage) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_steps (job_id, name, output, completed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id, name) DO UPDATE SET output = excluded.output, completed_at = excluded.completed_at`,
		id, step, string(output), now)
	if err != nil {
		return fmt.Errorf("save step %s of %s: %w", step, id, err)
	}
	return nil
}

// SetState implements Store.
func (s *SQLiteStore) SetState(ctx context.Context, id string, state State, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		string(state), attempts, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return expectRow(res, id)
}

// Finish implements Store.
func (s *SQLiteStore) Finish(ctx context.Context, id string, state State, result *Result, errMsg string) error {
	var encoded sql.NullString
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		encoded = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(state), encoded, errMsg, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	return expectRow(res, id)
}

// Pending implements Store.
func (s *SQLiteStore) Pending(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, state, attempts, result, error, created_at, updated_at FROM jobs
		 WHERE state NOT IN (?, ?, ?) ORDER BY created_at, id`,
		string(StateComplete), string(StateNoFacts), string(StateFailed))
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range recs {
		if err := s.loadSteps(ctx, rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec                  Record
		payload, state       string
		result               sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&rec.ID, &payload, &state, &rec.Attempts, &result, &rec.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.State = State(state)
	if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if result.Valid {
		rec.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), rec.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}
