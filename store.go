package scheduler

import "context"

// DatabaseBridge abstracts persistence of the job table (spec §4.H). The
// core never talks SQL directly; it polls, claims, and writes status
// through this interface so the placement algorithm stays storage-agnostic.
//
// Implementations must make ClaimJob safe under concurrent schedulerd
// processes sharing one database (e.g. via an advisory lock), since a
// second scheduler instance polling the same table is a supported
// deployment (spec §4.H invariants).
type DatabaseBridge interface {
	// PollNewJobs returns jobs in QUEUED or RESTART status that are not
	// already claimed by any scheduler, newest-priority first.
	PollNewJobs(ctx context.Context) ([]Job, error)

	// ClaimJob marks a job as claimed by this scheduler instance, returning
	// false if another instance claimed it first.
	ClaimJob(ctx context.Context, id int64) (bool, error)

	// ReleaseJob releases a claim without changing job status, used when a
	// claimed job turns out to be unplaceable this tick.
	ReleaseJob(ctx context.Context, id int64) error

	// UpdateJob persists a status/message/data change for a job.
	UpdateJob(ctx context.Context, job Job) error

	// GetJob fetches a single job by id.
	GetJob(ctx context.Context, id int64) (Job, error)

	// Init prepares the schema/connection pool.
	Init(ctx context.Context) error
	// Close releases all resources.
	Close() error
}
