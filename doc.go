// Package scheduler implements the event-driven supervision engine of a
// long-running job scheduler: a job queue, a host-placement policy, an agent
// lifecycle state machine, and a single-threaded event loop with signal
// integration.
//
// The scheduler dispatches queued jobs to a pool of external agent
// processes, distributed across a set of execution hosts. It selects a job,
// picks an eligible host, spawns an agent for that host, supervises it
// through its lifetime over a line-oriented stdin/stdout protocol, and
// records results through a database bridge.
//
// # Quick Start
//
// Build a Scheduler by composing the external collaborators it needs:
//
//	sched, err := scheduler.New(
//		scheduler.WithDatabase(pgbridge),
//		scheduler.WithTransport(local.New()),
//		scheduler.WithControlAddr("127.0.0.1:7777"),
//		scheduler.WithUpdateInterval(30*time.Second),
//	)
//	if err != nil {
//		return err
//	}
//	sched.RegisterHost(scheduler.Host{Name: "localhost", Max: 4})
//	sched.RegisterMetaAgent(scheduler.MetaAgent{Name: "nomos", Command: []string{"nomos-agent"}, MaxRun: 2})
//	sched.Run(ctx)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [DatabaseBridge] — job queue persistence and advisory locking
//   - [Transport] — spawns an agent process on a host, local or remote
//   - [ConfigLoader] — platform/agent configuration snapshots
//   - [NotificationSink] — agent EMAIL lines
//   - [LogSink] — audit log of agent LOG/VERBOSE lines
//
// # Included Implementations
//
// Database bridges: store/postgres (production), store/sqlite (single-host/dev).
// Transports: transport/local (fork-exec), transport/ssh (remote hosts),
// transport/docker (containerized agents).
// Config: internal/config (TOML + env).
//
// See cmd/schedulerd for a complete reference daemon.
package scheduler
