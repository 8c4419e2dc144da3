// Simple Git CI/CD is a single-node continuous-integration dispatcher.
// Copyright (C) 2026 Kaligraphy247
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides a SQLite-backed persistence layer for jobs and
// their step logs: schema migration, CRUD operations and the indexed read
// queries the API surface needs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Kaligraphy247/simple-git-cicd/pkg/cicd"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database connection and provides typed accessors for
// the jobs and job_logs tables.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(5)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	const target = 1

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here.
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id                 TEXT PRIMARY KEY,
  project_name       TEXT NOT NULL,
  branch             TEXT NOT NULL,
  status             TEXT NOT NULL CHECK (status IN ('queued','running','success','failed')),
  commit_sha         TEXT NULL,
  commit_message     TEXT NULL,
  commit_author_name TEXT NULL,
  started_at         TIMESTAMP NOT NULL,
  completed_at       TIMESTAMP NULL,
  output             TEXT NULL,
  output_truncated   INTEGER NOT NULL DEFAULT 0,
  error              TEXT NULL,
  created_at         TIMESTAMP NOT NULL,
  duration_ms        INTEGER NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_name);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_branch ON jobs(project_name, branch);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`,

		`CREATE TABLE IF NOT EXISTS job_logs (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id       TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  sequence     INTEGER NOT NULL,
  log_type     TEXT NOT NULL,
  command      TEXT NULL,
  started_at   TIMESTAMP NOT NULL,
  completed_at TIMESTAMP NULL,
  duration_ms  INTEGER NULL,
  exit_code    INTEGER NULL,
  output       TEXT NULL,
  status       TEXT NOT NULL CHECK (status IN ('running','success','failed','skipped'))
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_logs_job_sequence ON job_logs(job_id, sequence);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

// CreateJob writes a new job row in Queued status.
func (s *Store) CreateJob(ctx context.Context, job *cicd.Job) error {
	const ins = `
INSERT INTO jobs (id, project_name, branch, status, commit_sha, commit_message, commit_author_name, started_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`

	_, err := s.db.ExecContext(ctx, ins,
		job.ID, job.ProjectName, job.Branch, cicd.JobQueued.String(),
		ptrToAny(job.CommitSHA), ptrToAny(job.CommitMessage), ptrToAny(job.CommitAuthor),
		job.StartedAt.UTC(), time.Now().UTC())
	if err != nil {
		return cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("create job: %w", err))
	}
	return nil
}

// UpdateJobStatus performs a single-column status update. A missing row is
// a silent no-op, matching the spec's contract.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status cicd.JobStatus) error {
	const upd = `UPDATE jobs SET status=? WHERE id=?`
	if _, err := s.db.ExecContext(ctx, upd, status.String(), id); err != nil {
		return cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("update job status: %w", err))
	}
	return nil
}

// CompleteJob finalizes a job's terminal state, computing duration_ms from
// the row's started_at, clamped to be non-negative.
func (s *Store) CompleteJob(ctx context.Context, id string, status cicd.JobStatus, output, errMsg *string, completedAt time.Time) error {
	var startedAt time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT started_at FROM jobs WHERE id=?`, id).Scan(&startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("fetch job started_at: %w", err))
	}

	durationMs := completedAt.Sub(startedAt.UTC()).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}

	var truncated bool
	if output != nil {
		out, wasTruncated := cicd.TruncateOutput(*output)
		output = &out
		truncated = wasTruncated
	}

	const upd = `
UPDATE jobs
SET status=?, output=?, output_truncated=?, error=?, completed_at=?, duration_ms=?
WHERE id=?;`
	_, err := s.db.ExecContext(ctx, upd, status.String(), ptrToAny(output), truncated, ptrToAny(errMsg), completedAt.UTC(), durationMs, id)
	if err != nil {
		return cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("complete job: %w", err))
	}
	return nil
}

var jobColumns = `id, project_name, branch, status, commit_sha, commit_message, commit_author_name,
	started_at, completed_at, output, output_truncated, error, duration_ms`

func scanJob(scan func(dest ...any) error) (*cicd.Job, error) {
	var (
		id, projectName, branch, status string
		commitSHA, commitMessage        sql.NullString
		commitAuthor, output, jobErr    sql.NullString
		startedAt                       time.Time
		completedAt                     sql.NullTime
		outputTruncated                 bool
		durationMs                      sql.NullInt64
	)
	if err := scan(&id, &projectName, &branch, &status, &commitSHA, &commitMessage, &commitAuthor,
		&startedAt, &completedAt, &output, &outputTruncated, &jobErr, &durationMs); err != nil {
		return nil, err
	}

	job := &cicd.Job{
		ID:              id,
		ProjectName:     projectName,
		Branch:          branch,
		Status:          cicd.JobStatus(status),
		CommitSHA:       nullStringPtr(commitSHA),
		CommitMessage:   nullStringPtr(commitMessage),
		CommitAuthor:    nullStringPtr(commitAuthor),
		StartedAt:       startedAt.UTC(),
		CompletedAt:     nullTimePtr(completedAt),
		Output:          nullStringPtr(output),
		OutputTruncated: outputTruncated,
		Error:           nullStringPtr(jobErr),
	}
	if durationMs.Valid {
		d := durationMs.Int64
		job.DurationMillis = &d
	}
	return job, nil
}

// GetJob retrieves a job by ID, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*cicd.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// GetRecentJobs returns the most recently created jobs, newest first.
func (s *Store) GetRecentJobs(ctx context.Context, limit int64) ([]*cicd.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
}

// GetJobsByProject returns jobs for a project, newest first.
func (s *Store) GetJobsByProject(ctx context.Context, project string, limit int64) ([]*cicd.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE project_name=? ORDER BY created_at DESC LIMIT ?`, project, limit)
}

// GetJobsByBranch returns jobs for a project and branch, newest first.
func (s *Store) GetJobsByBranch(ctx context.Context, project, branch string, limit int64) ([]*cicd.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE project_name=? AND branch=? ORDER BY created_at DESC LIMIT ?`, project, branch, limit)
}

// GetJobsByStatus returns jobs in the given status, newest first.
func (s *Store) GetJobsByStatus(ctx context.Context, status cicd.JobStatus, limit int64) ([]*cicd.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? ORDER BY created_at DESC LIMIT ?`, status.String(), limit)
}

// GetCurrentJob returns the first job in Running status, if any.
func (s *Store) GetCurrentJob(ctx context.Context) (*cicd.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status='running' LIMIT 1`)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("get current job: %w", err))
	}
	return job, nil
}

// GetQueuedCount returns the number of jobs in Queued status.
func (s *Store) GetQueuedCount(ctx context.Context) (int64, error) {
	return s.countWhere(ctx, `SELECT COUNT(*) FROM jobs WHERE status='queued'`)
}

// GetCompletedCount returns the number of jobs in Success or Failed status.
func (s *Store) GetCompletedCount(ctx context.Context) (int64, error) {
	return s.countWhere(ctx, `SELECT COUNT(*) FROM jobs WHERE status IN ('success','failed')`)
}

func (s *Store) countWhere(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("count: %w", err))
	}
	return n, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*cicd.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("query jobs: %w", err))
	}
	defer rows.Close()

	var out []*cicd.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("scan job: %w", err))
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("iterate jobs: %w", err))
	}
	return out, nil
}

// --------------- Job logs ---------------

// AddLog inserts a new running step row and returns its generated ID.
func (s *Store) AddLog(ctx context.Context, log *cicd.JobLog) (int64, error) {
	const ins = `
INSERT INTO job_logs (job_id, sequence, log_type, command, started_at, completed_at, duration_ms, exit_code, output, status)
VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?);`
	res, err := s.db.ExecContext(ctx, ins, log.JobID, log.Sequence, log.LogType.String(), ptrToAny(log.Command), log.StartedAt.UTC(), cicd.StepRunning.String())
	if err != nil {
		return 0, cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("add log: %w", err))
	}
	return res.LastInsertId()
}

// UpdateLog finalizes a step row with its completion timing, exit code,
// output and terminal status.
func (s *Store) UpdateLog(ctx context.Context, id int64, completedAt time.Time, durationMs int64, exitCode int, output string, status cicd.StepStatus) error {
	const upd = `
UPDATE job_logs
SET completed_at=?, duration_ms=?, exit_code=?, output=?, status=?
WHERE id=?;`
	_, err := s.db.ExecContext(ctx, upd, completedAt.UTC(), durationMs, exitCode, output, status.String(), id)
	if err != nil {
		return cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("update log: %w", err))
	}
	return nil
}

// GetJobLogs returns all step rows for a job, ordered by sequence ascending.
func (s *Store) GetJobLogs(ctx context.Context, jobID string) ([]*cicd.JobLog, error) {
	const q = `
SELECT id, job_id, sequence, log_type, command, started_at, completed_at, duration_ms, exit_code, output, status
FROM job_logs WHERE job_id=? ORDER BY sequence ASC;`
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("query job logs: %w", err))
	}
	defer rows.Close()

	var out []*cicd.JobLog
	for rows.Next() {
		var (
			id, sequence                    int64
			jobIDCol, logType, status        string
			command, output                  sql.NullString
			startedAt                        time.Time
			completedAt                      sql.NullTime
			durationMs, exitCode             sql.NullInt64
		)
		if err := rows.Scan(&id, &jobIDCol, &sequence, &logType, &command, &startedAt, &completedAt, &durationMs, &exitCode, &output, &status); err != nil {
			return nil, cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("scan job log: %w", err))
		}
		jl := &cicd.JobLog{
			ID:          id,
			JobID:       jobIDCol,
			Sequence:    int(sequence),
			LogType:     cicd.StepKind(logType),
			Command:     nullStringPtr(command),
			StartedAt:   startedAt.UTC(),
			CompletedAt: nullTimePtr(completedAt),
			Output:      nullStringPtr(output),
			Status:      cicd.StepStatus(status),
		}
		if durationMs.Valid {
			d := durationMs.Int64
			jl.DurationMs = &d
		}
		if exitCode.Valid {
			e := int(exitCode.Int64)
			jl.ExitCode = &e
		}
		out = append(out, jl)
	}
	if err := rows.Err(); err != nil {
		return nil, cicd.NewError(cicd.ErrDatabaseError, fmt.Errorf("iterate job logs: %w", err))
	}
	return out, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func ptrToAny(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
