// Package postgres implements scheduler.DatabaseBridge using PostgreSQL,
// so multiple schedulerd processes can share one job table (spec §4.H).
//
// Claims use pg_try_advisory_lock keyed on the job id: a session-level
// advisory lock held by the claiming connection, released by ReleaseJob
// or automatically when that connection drops, which is how a crashed
// scheduler's claims are recovered without an extra reaper query.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	scheduler "github.com/fossology-go/scheduler"
)

// Store implements scheduler.DatabaseBridge backed by PostgreSQL.
//
// ClaimJob holds its advisory lock on a single dedicated connection
// checked out of the pool for the lifetime of the claim; ReleaseJob (or
// UpdateJob moving a job to a terminal status) returns that connection.
type Store struct {
	pool   *pgxpool.Pool
	claims map[int64]*pgxpool.Conn
}

var _ scheduler.DatabaseBridge = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it after Close returns.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, claims: make(map[int64]*pgxpool.Conn)}
}

// Init creates the jobs table and its indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id BIGSERIAL PRIMARY KEY,
			agent_type TEXT NOT NULL,
			required_host TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			parent_id BIGINT NOT NULL DEFAULT 0,
			status INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			data BYTEA,
			id_list JSONB NOT NULL DEFAULT '[]',
			spawn_attempts INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs(status, priority DESC, id ASC)`,
		`CREATE INDEX IF NOT EXISTS jobs_parent_idx ON jobs(parent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// PollNewJobs returns QUEUED or RESTART jobs not currently claimed,
// highest priority first, then oldest first (spec §4.G FIFO tie-break).
// A job is "claimed" while some other session holds its advisory lock;
// pg_try_advisory_lock from this same query connection would always
// succeed against our own prior claims, so we probe and release inline,
// on one dedicated connection so each unlock reaches the session that
// took the shared lock.
func (s *Store) PollNewJobs(ctx context.Context) ([]scheduler.Job, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: poll new jobs: acquire: %w", err)
	}
	defer conn.Release()
	rows, err := conn.Query(ctx,
		`SELECT id, agent_type, required_host, priority, parent_id, status, message, data, id_list, spawn_attempts
		 FROM jobs
		 WHERE status IN (0, 3) AND pg_try_advisory_lock_shared(id)
		 ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: poll new jobs: %w", err)
	}
	defer rows.Close()

	var jobs []scheduler.Job
	var ids []int64
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate jobs: %w", err)
	}
	for _, id := range ids {
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock_shared($1)`, id); err != nil {
			return nil, fmt.Errorf("postgres: release poll probe: %w", err)
		}
	}
	return jobs, nil
}

// ClaimJob checks out a dedicated connection and takes an exclusive
// session-level advisory lock on id, so PollNewJobs's shared-lock probe
// on other sessions fails while the claim is held.
func (s *Store) ClaimJob(ctx context.Context, id int64) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: claim job: acquire: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("postgres: claim job: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	s.claims[id] = conn
	return true, nil
}

// ReleaseJob unlocks and returns the connection claiming id, if any.
func (s *Store) ReleaseJob(ctx context.Context, id int64) error {
	conn, ok := s.claims[id]
	if !ok {
		return nil
	}
	delete(s.claims, id)
	_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, id)
	conn.Release()
	if err != nil {
		return fmt.Errorf("postgres: release job: %w", err)
	}
	return nil
}

// UpdateJob persists a job's mutable fields, releasing its claim first
// when the new status is terminal (COMPLETE or FAILED) so another
// scheduler can immediately see it free.
func (s *Store) UpdateJob(ctx context.Context, job scheduler.Job) error {
	idListJSON, err := json.Marshal(job.IDList)
	if err != nil {
		return fmt.Errorf("postgres: marshal id_list: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE jobs SET agent_type=$1, required_host=$2, priority=$3, parent_id=$4,
		   status=$5, message=$6, data=$7, id_list=$8, spawn_attempts=$9
		 WHERE id=$10`,
		job.AgentType, job.RequiredHost, job.Priority, job.ParentID,
		int(job.Status), job.Message, job.Data, idListJSON, job.SpawnAttempts, job.ID)
	if err != nil {
		return fmt.Errorf("postgres: update job: %w", err)
	}
	if job.Status == scheduler.JobComplete || job.Status == scheduler.JobFailed {
		return s.ReleaseJob(ctx, job.ID)
	}
	return nil
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (scheduler.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, agent_type, required_host, priority, parent_id, status, message, data, id_list, spawn_attempts
		 FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if strings.Contains(err.Error(), pgx.ErrNoRows.Error()) {
			return scheduler.Job{}, fmt.Errorf("postgres: get job %d: %w", id, err)
		}
		return scheduler.Job{}, err
	}
	return j, nil
}

// Close releases every outstanding claim connection. The underlying pool
// is owned by the caller and is not closed here.
func (s *Store) Close() error {
	for id, conn := range s.claims {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, id)
		conn.Release()
		delete(s.claims, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (scheduler.Job, error) {
	var j scheduler.Job
	var status int
	var idListJSON []byte
	if err := row.Scan(&j.ID, &j.AgentType, &j.RequiredHost, &j.Priority, &j.ParentID,
		&status, &j.Message, &j.Data, &idListJSON, &j.SpawnAttempts); err != nil {
		return scheduler.Job{}, fmt.Errorf("postgres: scan job: %w", err)
	}
	j.Status = scheduler.JobStatus(status)
	if len(idListJSON) > 0 {
		if err := json.Unmarshal(idListJSON, &j.IDList); err != nil {
			return scheduler.Job{}, fmt.Errorf("postgres: unmarshal id_list: %w", err)
		}
	}
	return j, nil
}
