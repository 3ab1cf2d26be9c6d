package scheduler

import (
	"context"
	"time"

	"github.com/joeycumines/go-utilpkg/catrate"
)

// dbPoller wraps a DatabaseBridge with a rate limiter so a flaky database
// doesn't turn into a poll-storm, the same shape as a client-side rate
// limiter guarding an outbound call (spec §4.H). The limiter counts every
// poll attempt, whether it succeeds or fails.
type dbPoller struct {
	bridge  DatabaseBridge
	limiter *catrate.Limiter
}

// pollBackoffRates caps poll attempts at 1 per second and at 30 per
// minute, counting successful and failed attempts alike.
var pollBackoffRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 30,
}

func newDBPoller(bridge DatabaseBridge) *dbPoller {
	return &dbPoller{bridge: bridge, limiter: catrate.NewLimiter(pollBackoffRates)}
}

const pollCategory = "db-poll"

// poll fetches newly queued jobs, subject to the limiter. ok is false when
// the limiter has not yet opened a slot; the caller should not treat that
// as an error.
func (p *dbPoller) poll(ctx context.Context) (jobs []Job, ok bool, err error) {
	if _, allowed := p.limiter.Allow(pollCategory); !allowed {
		return nil, false, nil
	}
	jobs, err = p.bridge.PollNewJobs(ctx)
	if err != nil {
		return nil, true, &ErrDB{Op: "poll", Cause: err}
	}
	return jobs, true, nil
}

func (p *dbPoller) claim(ctx context.Context, id int64) (bool, error) {
	ok, err := p.bridge.ClaimJob(ctx, id)
	if err != nil {
		return false, &ErrDB{Op: "claim", Cause: err}
	}
	return ok, nil
}

func (p *dbPoller) release(ctx context.Context, id int64) error {
	if err := p.bridge.ReleaseJob(ctx, id); err != nil {
		return &ErrDB{Op: "release", Cause: err}
	}
	return nil
}

func (p *dbPoller) update(ctx context.Context, job Job) error {
	if err := p.bridge.UpdateJob(ctx, job); err != nil {
		return &ErrDB{Op: "update", Cause: err}
	}
	return nil
}
