// Package jobstore implements the Historical Job Store (spec §4.7): a
// single-file embedded relational store for Jobs, their derived Tasks, and
// an append-only capped Log. The interface shape (context-aware methods,
// (nil, nil) for not-found, explicit state-transition methods) follows the
// store abstraction other systems in this retrieval pack use for their own
// embedded-SQLite persistence layer.
package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus is a Job's aggregate lifecycle state.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobPaused     JobStatus = "paused"
	JobAuthPaused JobStatus = "auth_paused"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
	JobFailed     JobStatus = "failed"
)

// TaskStatus is a single (ticker, date) task's lifecycle state.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskSkipped    TaskStatus = "skipped"
	TaskFailed     TaskStatus = "failed"
)

// Job is the persisted record of one historical backfill request.
type Job struct {
	ID                    string
	Tickers               []string
	DateFrom              string // YYYY-MM-DD, inclusive
	DateUntil             string // YYYY-MM-DD, inclusive
	DelayBetweenRequests  time.Duration
	Status                JobStatus
	CreatedAt             time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	RowsWritten           int64
	PagesFetched          int64
	ErrorCount            int
	LastError             string
}

// Task is one (job, ticker, date) unit of work derived from a Job at
// creation time.
type Task struct {
	JobID       string
	Ticker      string
	Date        string
	Status      TaskStatus
	NextCursor  string // "" means "latest" / not yet started
	RowsWritten int64
}

// LogEntry is one append-only log line, optionally scoped to a job.
type LogEntry struct {
	ID      int64
	TS      time.Time
	Level   string
	JobID   string // "" if not associated with a job
	Message string
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                     TEXT PRIMARY KEY,
	tickers                TEXT NOT NULL,
	date_from              TEXT NOT NULL,
	date_until             TEXT NOT NULL,
	delay_between_requests INTEGER NOT NULL,
	status                 TEXT NOT NULL,
	created_at             TEXT NOT NULL,
	started_at             TEXT,
	completed_at           TEXT,
	rows_written           INTEGER NOT NULL DEFAULT 0,
	pages_fetched          INTEGER NOT NULL DEFAULT 0,
	error_count            INTEGER NOT NULL DEFAULT 0,
	last_error             TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	job_id       TEXT NOT NULL,
	ticker       TEXT NOT NULL,
	date         TEXT NOT NULL,
	status       TEXT NOT NULL,
	next_cursor  TEXT NOT NULL DEFAULT '',
	rows_written INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, ticker, date)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_job ON tasks (status, job_id);

CREATE TABLE IF NOT EXISTS logs (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts      TEXT NOT NULL,
	level   TEXT NOT NULL,
	job_id  TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL
);
`

// logCap bounds the logs table; append_log evicts the oldest rows once the
// count exceeds this, per spec §3's "capped ring per process; overflow
// discards oldest."
const logCap = 5000

// Store is the Historical Job Store, backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store's database file at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time is simplest and matches §5's single-mutator model

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func timeToStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func strToTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTimeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToStr(*t), Valid: true}
}

func strToNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := strToTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func joinTickers(tickers []string) string {
	out := ""
	for i, t := range tickers {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func splitTickers(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// CreateJob persists job (and derives and persists one Task per (ticker,
// date) in [DateFrom, DateUntil]) in a single transaction, with status
// queued.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	job.Status = JobQueued
	job.CreatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, tickers, date_from, date_until, delay_between_requests, status, created_at, rows_written, pages_fetched, error_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, '')`,
		job.ID, joinTickers(job.Tickers), job.DateFrom, job.DateUntil,
		int64(job.DelayBetweenRequests), string(job.Status), timeToStr(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("jobstore: insert job: %w", err)
	}

	dates, err := dateRange(job.DateFrom, job.DateUntil)
	if err != nil {
		return fmt.Errorf("jobstore: expand date range: %w", err)
	}

	for _, ticker := range job.Tickers {
		for _, date := range dates {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (job_id, ticker, date, status, next_cursor, rows_written)
				VALUES (?, ?, ?, ?, '', 0)`,
				job.ID, ticker, date, string(TaskQueued),
			)
			if err != nil {
				return fmt.Errorf("jobstore: insert task %s/%s: %w", ticker, date, err)
			}
		}
	}

	return tx.Commit()
}

// dateRange expands [from, until] (YYYY-MM-DD, inclusive) into a list of
// calendar dates.
func dateRange(from, until string) ([]string, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return nil, fmt.Errorf("invalid date_from %q: %w", from, err)
	}
	end, err := time.Parse("2006-01-02", until)
	if err != nil {
		return nil, fmt.Errorf("invalid date_until %q: %w", until, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("date_until %q is before date_from %q", until, from)
	}

	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format("2006-01-02"))
	}
	return out, nil
}

// LoadJob returns the job identified by id, or (nil, nil) if not found.
func (s *Store) LoadJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tickers, date_from, date_until, delay_between_requests, status,
		       created_at, started_at, completed_at, rows_written, pages_fetched,
		       error_count, last_error
		FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: load job %s: %w", id, err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                  Job
		tickers              string
		delay                int64
		status               string
		createdAt            string
		startedAt, completedAt sql.NullString
	)

	err := row.Scan(&job.ID, &tickers, &job.DateFrom, &job.DateUntil, &delay, &status,
		&createdAt, &startedAt, &completedAt, &job.RowsWritten, &job.PagesFetched,
		&job.ErrorCount, &job.LastError)
	if err != nil {
		return nil, err
	}

	job.Tickers = splitTickers(tickers)
	job.DelayBetweenRequests = time.Duration(delay)
	job.Status = JobStatus(status)

	created, err := strToTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	job.CreatedAt = created

	job.StartedAt, err = strToNullableTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	job.CompletedAt, err = strToNullableTime(completedAt)
	if err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}

	return &job, nil
}

// ListJobs returns jobs matching statusFilter, or all jobs if statusFilter
// is empty, newest first.
func (s *Store) ListJobs(ctx context.Context, statusFilter JobStatus) ([]*Job, error) {
	query := `
		SELECT id, tickers, date_from, date_until, delay_between_requests, status,
		       created_at, started_at, completed_at, rows_written, pages_fetched,
		       error_count, last_error
		FROM jobs`
	args := []interface{}{}
	if statusFilter != "" {
		query += " WHERE status = ?"
		args = append(args, string(statusFilter))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// UpdateJobStatus persists a new status for job id. When status is
// completed, failed, or cancelled, completed_at is stamped; when status is
// running and started_at is unset, started_at is stamped.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status JobStatus) error {
	now := timeToStr(time.Now())

	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
			string(status), now, id)
		return wrapUpdateErr(err, "update job status (terminal)", id)
	case JobRunning:
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			string(status), now, id)
		return wrapUpdateErr(err, "update job status (running)", id)
	default:
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE id = ?`, string(status), id)
		return wrapUpdateErr(err, "update job status", id)
	}
}

// RecordJobError increments a job's error_count and sets last_error.
func (s *Store) RecordJobError(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET error_count = error_count + 1, last_error = ? WHERE id = ?`,
		errMsg, id)
	return wrapUpdateErr(err, "record job error", id)
}

// AddJobProgress increments a job's rows_written and pages_fetched counters.
func (s *Store) AddJobProgress(ctx context.Context, id string, rowsDelta, pagesDelta int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET rows_written = rows_written + ?, pages_fetched = pages_fetched + ? WHERE id = ?`,
		rowsDelta, pagesDelta, id)
	return wrapUpdateErr(err, "add job progress", id)
}

func wrapUpdateErr(err error, op, id string) error {
	if err != nil {
		return fmt.Errorf("jobstore: %s (%s): %w", op, id, err)
	}
	return nil
}

// UpdateTask persists a task's new status, next_cursor, and an increment to
// rows_written, per spec §4.7. A task can only move in_progress -> {done,
// failed, queued}; callers are responsible for honoring that invariant
// (PickNextRunnable only hands out queued tasks; neither UpdateTask nor
// SetTaskInProgress checks a task's current status).
func (s *Store) UpdateTask(ctx context.Context, jobID, ticker, date string, newStatus TaskStatus, nextCursor string, rowsWrittenDelta int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_cursor = ?, rows_written = rows_written + ?
		WHERE job_id = ? AND ticker = ? AND date = ?`,
		string(newStatus), nextCursor, rowsWrittenDelta, jobID, ticker, date)
	if err != nil {
		return fmt.Errorf("jobstore: update task %s/%s/%s: %w", jobID, ticker, date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: update task rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("jobstore: task %s/%s/%s not found", jobID, ticker, date)
	}
	return nil
}

// SetTaskInProgress moves a task to in_progress, whatever its current
// status, returning its current next_cursor so the caller can resume
// pagination.
func (s *Store) SetTaskInProgress(ctx context.Context, jobID, ticker, date string) (cursor string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT next_cursor FROM tasks WHERE job_id = ? AND ticker = ? AND date = ?`,
		jobID, ticker, date).Scan(&cursor)
	if err != nil {
		return "", fmt.Errorf("jobstore: read task cursor: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE job_id = ? AND ticker = ? AND date = ?`,
		string(TaskInProgress), jobID, ticker, date)
	if err != nil {
		return "", fmt.Errorf("jobstore: set task in_progress: %w", err)
	}
	return cursor, nil
}

// ReturnTaskToQueued moves a task back to queued, preserving its current
// next_cursor. Used by pause/resume and by auth-failure handling.
func (s *Store) ReturnTaskToQueued(ctx context.Context, jobID, ticker, date string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE job_id = ? AND ticker = ? AND date = ?`,
		string(TaskQueued), jobID, ticker, date)
	return wrapUpdateErr(err, "return task to queued", fmt.Sprintf("%s/%s/%s", jobID, ticker, date))
}

// ListTasks returns every task belonging to jobID, ordered by ticker then
// date.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, ticker, date, status, next_cursor, rows_written
		FROM tasks WHERE job_id = ? ORDER BY ticker, date`, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list tasks for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var t Task
		var status string
		if err := rows.Scan(&t.JobID, &t.Ticker, &t.Date, &status, &t.NextCursor, &t.RowsWritten); err != nil {
			return nil, fmt.Errorf("jobstore: scan task: %w", err)
		}
		t.Status = TaskStatus(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// PickNextRunnable returns the oldest queued task belonging to jobID (or,
// if jobID is "", the oldest queued task belonging to any job in status
// running), or (nil, nil) if none is runnable.
func (s *Store) PickNextRunnable(ctx context.Context, jobID string) (*Task, error) {
	var (
		row rowScanner
	)

	if jobID != "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT t.job_id, t.ticker, t.date, t.status, t.next_cursor, t.rows_written
			FROM tasks t
			JOIN jobs j ON j.id = t.job_id
			WHERE t.job_id = ? AND t.status = ? AND j.status = ?
			ORDER BY t.rowid LIMIT 1`,
			jobID, string(TaskQueued), string(JobRunning))
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT t.job_id, t.ticker, t.date, t.status, t.next_cursor, t.rows_written
			FROM tasks t
			JOIN jobs j ON j.id = t.job_id
			WHERE t.status = ? AND j.status = ?
			ORDER BY t.rowid LIMIT 1`,
			string(TaskQueued), string(JobRunning))
	}

	var t Task
	var status string
	err := row.Scan(&t.JobID, &t.Ticker, &t.Date, &status, &t.NextCursor, &t.RowsWritten)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: pick next runnable: %w", err)
	}
	t.Status = TaskStatus(status)
	return &t, nil
}

// ReclaimInProgress moves every task currently in_progress back to queued.
// Called once at process startup so a crash never leaves a task orphaned in
// in_progress, per spec §4.7's restart invariant.
func (s *Store) ReclaimInProgress(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE status = ?`,
		string(TaskQueued), string(TaskInProgress))
	if err != nil {
		return 0, fmt.Errorf("jobstore: reclaim in_progress tasks: %w", err)
	}
	return res.RowsAffected()
}

// SkipNonTerminalTasks moves every non-terminal task of jobID to skipped.
// Used by cancel(job_id).
func (s *Store) SkipNonTerminalTasks(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?
		WHERE job_id = ? AND status NOT IN (?, ?, ?)`,
		string(TaskSkipped), jobID, string(TaskDone), string(TaskSkipped), string(TaskFailed))
	return wrapUpdateErr(err, "skip non-terminal tasks", jobID)
}

// AppendLog persists entry and, if the logs table now exceeds logCap rows,
// evicts the oldest rows so the table stays bounded (spec §3: "capped ring
// per process; overflow discards oldest").
func (s *Store) AppendLog(ctx context.Context, entry LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (ts, level, job_id, message) VALUES (?, ?, ?, ?)`,
		timeToStr(entry.TS), entry.Level, entry.JobID, entry.Message)
	if err != nil {
		return fmt.Errorf("jobstore: append log: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM logs WHERE id IN (
			SELECT id FROM logs ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, logCap)
	if err != nil {
		return fmt.Errorf("jobstore: evict old logs: %w", err)
	}
	return nil
}

// RecentLogs returns up to limit most recent log entries, optionally
// filtered to a single job, newest first.
func (s *Store) RecentLogs(ctx context.Context, jobID string, limit int) ([]LogEntry, error) {
	query := `SELECT id, ts, level, job_id, message FROM logs`
	args := []interface{}{}
	if jobID != "" {
		query += " WHERE job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: recent logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.JobID, &e.Message); err != nil {
			return nil, fmt.Errorf("jobstore: scan log: %w", err)
		}
		parsed, err := strToTime(ts)
		if err != nil {
			return nil, fmt.Errorf("jobstore: parse log timestamp: %w", err)
		}
		e.TS = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}
