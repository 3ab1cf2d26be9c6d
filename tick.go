package scheduler

import "context"

// placementOutcome records what the tick did with one queued job, used by
// tests and by handleEvent to persist the job and start reading output.
type placementOutcome struct {
	Job    Job
	Placed bool
	Agent  *Agent
	Err    error
}

// jobClaimer lets a tick stake a cross-scheduler claim on a job right
// before placing it, satisfied by *dbPoller (spec §4.H "multiple
// schedulers cannot run the same job").
type jobClaimer interface {
	claim(ctx context.Context, id int64) (bool, error)
	release(ctx context.Context, id int64) error
}

// lockoutState is the persisted (across ticks) equivalent of the C
// scheduler's static job/host/lockout locals (spec §4.G step 3-5): once an
// EXCLUSIVE job reaches the head of the queue it is held here instead of
// being spawned immediately, and no further placements of any kind occur
// until the system fully drains and the held job runs alone.
type lockoutState struct {
	held    bool
	lockout bool
	job     Job
	host    *Host
	meta    *MetaAgent
}

// tickState bundles the registries a tick scans. It holds no lock of its
// own; each registry is independently safe for concurrent use.
type tickState struct {
	hosts     *hostRegistry
	metas     *metaAgentRegistry
	jobs      *jobQueue
	agents    *agentRegistry
	transport Transport
	claimer   jobClaimer

	// closing refuses new placements once shutdown has been requested,
	// leaving already-queued jobs untouched (spec §5 "refuse new
	// placements").
	closing bool

	lockout lockoutState
}

// runTick implements the placement algorithm that follows every event
// (spec §4.G): scan the queue in priority/FIFO order, placing jobs while
// possible, and stop entirely — do not skip ahead — at the first job that
// cannot be placed this tick. Skipping over a blocked job would let a
// lower-priority job behind it jump the queue, starving the job that's
// actually next in line.
//
// A job is left queued when the block is transient (no capacity, meta at
// its run cap, an invalid meta). A job is failed outright when the block
// can never resolve on its own (a pinned host that does not exist, an
// unknown agent type); either way, the scan still stops there for this
// tick (spec §8 seed test 4).
func (ts *tickState) runTick(ctx context.Context) []placementOutcome {
	var outcomes []placementOutcome

	if ts.closing {
		return outcomes
	}

	lo := &ts.lockout

	if lo.lockout && len(ts.agents.all()) == 0 {
		lo.lockout = false
	}

	if !lo.held && !lo.lockout {
	placement:
		for _, job := range ts.jobs.peekAll() {
			meta, ok := ts.metas.get(job.AgentType)
			if !ok {
				outcomes = append(outcomes, ts.fail(job, &ErrConfig{Key: job.AgentType, Message: "unknown agent type"}))
				break placement
			}
			if !meta.Valid {
				break placement // config fix pending; leave queued
			}
			if meta.isMaxReached() {
				break placement
			}

			host, err := ts.selectHost(job, meta)
			if err != nil {
				outcomes = append(outcomes, ts.fail(job, err))
				break placement
			}
			if host == nil {
				break placement // no capacity anywhere right now
			}

			if ts.claimer != nil {
				claimed, err := ts.claimer.claim(ctx, job.ID)
				if err != nil {
					break placement // db unreachable; retry the whole tick later
				}
				if !claimed {
					ts.jobs.remove(job.ID)
					continue placement // another scheduler instance already owns it
				}
			}

			placed, ok := ts.jobs.remove(job.ID)
			if !ok {
				continue placement // raced with another consumer of the same snapshot
			}

			if meta.Flags.Has(FlagExclusive) {
				lo.held = true
				lo.job = placed
				lo.host = host
				lo.meta = meta
				break placement
			}

			outcomes = append(outcomes, ts.place(ctx, host, meta, placed))
		}
	}

	if lo.held && len(ts.agents.all()) == 0 {
		outcomes = append(outcomes, ts.place(ctx, lo.host, lo.meta, lo.job))
		lo.lockout = true
		lo.held = false
		lo.job = Job{}
		lo.host = nil
		lo.meta = nil
	}

	return outcomes
}

// place spawns one already-dequeued job's agent and records the host/meta
// accounting for it. On spawn failure, any claim taken on the job is
// released so another scheduler instance (or a later poll by this one)
// can pick it back up, and the job's SpawnAttempts is counted; the third
// failed attempt marks the job FAILED instead.
func (ts *tickState) place(ctx context.Context, host *Host, meta *MetaAgent, job Job) placementOutcome {
	const maxSpawnAttempts = 3
	agent, spawnErr := spawnAgent(ctx, ts.transport, host, meta, job.ID)
	if spawnErr != nil {
		if ts.claimer != nil {
			_ = ts.claimer.release(ctx, job.ID)
		}
		job.SpawnAttempts++
		if job.SpawnAttempts >= maxSpawnAttempts {
			job.Status = JobFailed
			job.Message = spawnErr.Error()
		}
		return placementOutcome{Job: job, Err: spawnErr}
	}
	ts.agents.add(agent)

	ts.hosts.acquire(host.Name)
	ts.hosts.advance(host.Name)
	ts.metas.acquire(meta.Name)
	job.addChild(agent.key())
	job.Status = JobStarted

	return placementOutcome{Job: job, Placed: true, Agent: agent}
}

// selectHost resolves the placement target for a job: a pinned
// required_host, "localhost" for LOCAL-flagged meta-agents, or the next
// round-robin candidate with spare capacity. A nil host with a nil error
// means "try again on the next tick".
func (ts *tickState) selectHost(job Job, meta *MetaAgent) (*Host, error) {
	if job.RequiredHost != "" {
		h, ok := ts.hosts.get(job.RequiredHost)
		if !ok {
			return nil, &ErrHostNotFound{Host: job.RequiredHost}
		}
		if !h.hasCapacity() {
			return nil, nil
		}
		return h, nil
	}

	if meta.Flags.Has(FlagLocal) {
		h, ok := ts.hosts.get("localhost")
		if !ok {
			return nil, &ErrHostNotFound{Host: "localhost"}
		}
		if !h.hasCapacity() {
			return nil, nil
		}
		return h, nil
	}

	candidates := ts.hosts.candidates("")
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

func (ts *tickState) fail(job Job, err error) placementOutcome {
	ts.jobs.remove(job.ID)
	job.Status = JobFailed
	job.Message = err.Error()
	return placementOutcome{Job: job, Err: err}
}
