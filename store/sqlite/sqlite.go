// Package sqlite implements scheduler.DatabaseBridge using pure-Go SQLite,
// for the single-scheduler-instance deployment (no advisory locks needed;
// one process, one connection, claims are an in-memory set).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	scheduler "github.com/fossology-go/scheduler"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. Without one, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements scheduler.DatabaseBridge backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	claims map[int64]bool
}

var _ scheduler.DatabaseBridge = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection (SetMaxOpenConns(1)) so every caller serializes
// through one connection, eliminating SQLITE_BUSY from concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, claims: make(map[int64]bool)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the jobs table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_type TEXT NOT NULL,
		required_host TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		parent_id INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		data BLOB,
		id_list TEXT NOT NULL DEFAULT '[]',
		spawn_attempts INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: init: %w", err)
	}
	s.logger.Debug("sqlite: schema ready")
	return nil
}

// PollNewJobs returns QUEUED or RESTART jobs not already claimed by this
// process, highest priority first, then oldest first.
func (s *Store) PollNewJobs(ctx context.Context) ([]scheduler.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_type, required_host, priority, parent_id, status, message, data, id_list, spawn_attempts
		 FROM jobs WHERE status IN (0, 3) ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: poll new jobs: %w", err)
	}
	defer rows.Close()

	var jobs []scheduler.Job
	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		if s.claims[j.ID] {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimJob records an in-memory claim; since this Store only ever runs
// inside one process, there is no contending writer to race against.
func (s *Store) ClaimJob(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[id] {
		return false, nil
	}
	s.claims[id] = true
	return true, nil
}

// ReleaseJob clears an in-memory claim.
func (s *Store) ReleaseJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

// UpdateJob persists a job's mutable fields, releasing its claim once it
// reaches a terminal status.
func (s *Store) UpdateJob(ctx context.Context, job scheduler.Job) error {
	idListJSON, err := json.Marshal(job.IDList)
	if err != nil {
		return fmt.Errorf("sqlite: marshal id_list: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET agent_type=?, required_host=?, priority=?, parent_id=?,
		   status=?, message=?, data=?, id_list=?, spawn_attempts=?
		 WHERE id=?`,
		job.AgentType, job.RequiredHost, job.Priority, job.ParentID,
		int(job.Status), job.Message, job.Data, string(idListJSON), job.SpawnAttempts, job.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update job: %w", err)
	}
	if job.Status == scheduler.JobComplete || job.Status == scheduler.JobFailed {
		return s.ReleaseJob(ctx, job.ID)
	}
	return nil
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (scheduler.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_type, required_host, priority, parent_id, status, message, data, id_list, spawn_attempts
		 FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if err != nil {
		return scheduler.Job{}, fmt.Errorf("sqlite: get job %d: %w", id, err)
	}
	return j, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (scheduler.Job, error) {
	var j scheduler.Job
	var status int
	var idListJSON string
	if err := row.Scan(&j.ID, &j.AgentType, &j.RequiredHost, &j.Priority, &j.ParentID,
		&status, &j.Message, &j.Data, &idListJSON, &j.SpawnAttempts); err != nil {
		return scheduler.Job{}, fmt.Errorf("sqlite: scan job: %w", err)
	}
	j.Status = scheduler.JobStatus(status)
	if idListJSON != "" {
		if err := json.Unmarshal([]byte(idListJSON), &j.IDList); err != nil {
			return scheduler.Job{}, fmt.Errorf("sqlite: unmarshal id_list: %w", err)
		}
	}
	return j, nil
}
