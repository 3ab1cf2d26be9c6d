package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/fossology-go/scheduler/internal/logging"
	"github.com/fossology-go/scheduler/internal/observability"
)

// Scheduler wires together the event loop, registries, database bridge,
// transport, and control socket described by this package's other files,
// and drives them for the lifetime of one process (spec §4 overview).
type Scheduler struct {
	db        DatabaseBridge
	poller    *dbPoller
	transport Transport
	notify    NotificationSink
	logs      LogSink
	logger    zerolog.Logger

	hosts  *hostRegistry
	metas  *metaAgentRegistry
	jobs   *jobQueue
	agents *agentRegistry

	loop     *eventLoop
	signals  *signalBridge
	control  *controlServer
	controlAddr string

	updateInterval time.Duration

	instruments *observability.Instruments

	// closing/forceClosing implement spec §5's graceful-vs-forced shutdown:
	// closing refuses new placements; forceClosing additionally signals
	// every non-NOKILL agent immediately instead of waiting for it to
	// finish naturally (spec §8 seed test 6).
	closing      bool
	forceClosing bool

	// lockout is the tick's persisted EXCLUSIVE-hold state (spec §4.G
	// steps 3-5), carried from one handleEvent call to the next.
	lockout lockoutState

	// configLoader lets a SIGHUP or control "reload" re-read platform and
	// agent configuration without restarting the process (spec §4.B,
	// §4.D ConfigReload). Nil means reload is a no-op.
	configLoader ConfigLoader
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithDatabase sets the job-table bridge. Required.
func WithDatabase(db DatabaseBridge) Option {
	return func(s *Scheduler) { s.db = db }
}

// WithTransport sets how agents are spawned. Required.
func WithTransport(tr Transport) Option {
	return func(s *Scheduler) { s.transport = tr }
}

// WithNotificationSink sets where agent EMAIL lines go.
func WithNotificationSink(n NotificationSink) Option {
	return func(s *Scheduler) { s.notify = n }
}

// WithLogSink sets where LOG/VERBOSE lines go.
func WithLogSink(l LogSink) Option {
	return func(s *Scheduler) { s.logs = l }
}

// WithLogger overrides the structured operational logger (default:
// logging.New(os.Stderr, "info"), console-pretty on a terminal and JSON
// otherwise).
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithControlAddr sets the admin-socket listen address (spec §4.I).
func WithControlAddr(addr string) Option {
	return func(s *Scheduler) { s.controlAddr = addr }
}

// WithUpdateInterval sets the periodic tick fallback ([SCHEDULER].
// agent_update_interval, spec §6).
func WithUpdateInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.updateInterval = d }
}

// WithObservability attaches metric/trace instruments, normally produced
// by observability.Init. Without this option, ticks and transitions still
// run, just unreported.
func WithObservability(inst *observability.Instruments) Option {
	return func(s *Scheduler) { s.instruments = inst }
}

// WithConfigLoader enables SIGHUP and the control socket's "reload"
// command to re-read host and meta-agent configuration without
// restarting the process (spec §4.B, §4.D). Without this option both are
// accepted but do nothing.
func WithConfigLoader(l ConfigLoader) Option {
	return func(s *Scheduler) { s.configLoader = l }
}

// New constructs a Scheduler from options. The returned Scheduler has not
// started anything yet; call Run to begin serving.
func New(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		notify:         noopNotificationSink{},
		logs:           noopLogSink{},
		hosts:          newHostRegistry(),
		metas:          newMetaAgentRegistry(),
		jobs:           newJobQueue(),
		agents:         newAgentRegistry(),
		signals:        newSignalBridge(),
		updateInterval: 30 * time.Second,
		controlAddr:    "127.0.0.1:5043",
		logger:         logging.New(os.Stderr, "info"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.db == nil {
		return nil, &ErrConfig{Key: "database", Message: "WithDatabase is required"}
	}
	if s.transport == nil {
		return nil, &ErrConfig{Key: "transport", Message: "WithTransport is required"}
	}
	s.hosts.register(&Host{Name: "localhost", WorkingDirectory: "/tmp", Max: 4})
	s.poller = newDBPoller(s.db)
	s.loop = newEventLoop(s.handleEvent)
	return s, nil
}

// RegisterHost adds a placement target (spec §4.C).
func (s *Scheduler) RegisterHost(h Host) {
	s.hosts.register(&h)
}

// RegisterMetaAgent adds an agent template (spec §4.D). The meta starts
// invalid until a config-time test spawn (not modeled here) marks it
// usable; deployments that trust their configuration can call
// MarkMetaAgentValid immediately after.
func (s *Scheduler) RegisterMetaAgent(m MetaAgent) {
	s.metas.register(&m)
}

// MarkMetaAgentValid flips a registered meta-agent's Valid bit.
func (s *Scheduler) MarkMetaAgentValid(name string, valid bool) {
	s.metas.markValid(name, valid)
}

// Run starts the database poller, signal bridge, control socket, and
// event loop, blocking until ctx is canceled or a fatal setup error
// occurs (spec §4 overview, "tick after every event").
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.db.Init(ctx); err != nil {
		return &ErrDB{Op: "init", Cause: err}
	}
	defer s.db.Close()

	s.signals.start()
	defer s.signals.close()

	ctrl, err := newControlServer(s.controlAddr, s.loop)
	if err != nil {
		return err
	}
	s.control = ctrl
	defer s.control.close()
	go s.control.serve(ctx)

	go s.pollLoop(ctx)
	go s.watchdogLoop(ctx)
	go s.livenessLoop(ctx)
	go s.signalLoop(ctx)

	done := make(chan struct{})
	go func() { s.loop.run(); close(done) }()

	<-ctx.Done()
	s.loop.terminateLoop()
	<-done
	return nil
}

// pollLoop periodically asks the database bridge for new jobs and
// enqueues one eventJobsPolled per job found.
func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, ok, err := s.poller.poll(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("poll failed")
				continue
			}
			if !ok {
				continue
			}
			for _, j := range jobs {
				s.loop.enqueue(event{kind: eventJobsPolled, payload: j})
			}
		}
	}
}

// watchdogLoop sweeps live agents for expired heartbeats (spec §4.F
// "agent unresponsive"). It is the fallback death-detection path: it
// catches a hung-but-still-running agent that livenessLoop cannot, and
// it is the only path at all for transports that don't support a fast
// liveness probe.
func (s *Scheduler) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, a := range s.agents.all() {
				if !a.State.terminal() && a.heartbeatExpired(now) {
					s.loop.enqueue(event{kind: eventAgentReaped, payload: a})
				}
			}
		}
	}
}

// livenessChecker is an optional Transport capability: a fast, direct
// check of whether a spawned pid is still running. Only transport/local
// implements it today (a "kill -0" probe); ssh and docker transports have
// no equivalent cheap check and rely on watchdogLoop's heartbeat timeout
// alone.
type livenessChecker interface {
	Alive(pid int) bool
}

// livenessLoop, when the configured transport supports it, notices a
// crashed agent within seconds instead of waiting out the full
// heartbeat timeout — the Go analogue of the C scheduler's SIGCHLD
// handler (spec §4.B, §4.F "agent crashed"). handleEvent's
// eventAgentReaped case is idempotent against this racing with
// watchdogLoop over the same agent.
func (s *Scheduler) livenessLoop(ctx context.Context) {
	lc, ok := s.transport.(livenessChecker)
	if !ok {
		return
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLiveness(lc)
		}
	}
}

// sweepLiveness runs one liveness pass over every non-terminal agent.
func (s *Scheduler) sweepLiveness(lc livenessChecker) {
	for _, a := range s.agents.all() {
		if a.State.terminal() || a.Pid == 0 {
			continue
		}
		if !lc.Alive(a.Pid) {
			s.loop.enqueue(event{kind: eventAgentReaped, payload: a})
		}
	}
}

// signalLoop polls the signal bridge's bitmask and turns any pending bits
// into one eventSignal, mirroring how the C scheduler's main loop checks
// its async-signal-safe flags between events (spec §4.B).
func (s *Scheduler) signalLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mask := s.signals.drain(); mask != 0 {
				s.loop.enqueue(event{kind: eventSignal, payload: mask})
			}
		}
	}
}

// handleEvent is the event loop's single dispatch point; a scheduler tick
// runs after every event, per spec §4.A/§4.G.
func (s *Scheduler) handleEvent(ev event) {
	ctx := context.Background()

	switch ev.kind {
	case eventJobsPolled:
		job := ev.payload.(Job)
		s.jobs.push(job)
	case eventControlCommand:
		s.handleControl(ctx, ev.payload.(controlRequest))
	case eventAgentReaped:
		a := ev.payload.(*Agent)
		if !a.State.terminal() {
			a.recordCrash(fmt.Errorf("agent is no longer running"), a.stderrTail)
			s.releaseAgent(a)
		}
	case eventAgentLine:
		al := ev.payload.(agentLineEvent)
		if err := al.agent.handleLine(al.msg); err != nil {
			s.logger.Warn().Err(err).Msg("agent protocol error")
			if s.instruments != nil {
				s.instruments.ProtocolErrors.Add(ctx, 1)
			}
		}
		if al.msg.Kind == msgEmail {
			_ = s.notify.Notify(ctx, Job{ID: al.agent.OwnerJob}, "agent notice", al.msg.Text)
		}
		if al.msg.Kind == msgLog || al.msg.Kind == msgVerbose {
			_ = s.logs.Log(ctx, Job{ID: al.agent.OwnerJob}, "info", al.msg.Text)
		}
		if al.agent.State.terminal() {
			s.releaseAgent(al.agent)
		}
	case eventSignal:
		mask := ev.payload.(uint64)
		s.handleSignalMask(mask)
	}

	var tickSpan observability.Span
	tickStart := time.Now()
	if s.instruments != nil {
		ctx, tickSpan = s.instruments.Tracer.Start(ctx, "scheduler.tick")
	}

	ts := &tickState{hosts: s.hosts, metas: s.metas, jobs: s.jobs, agents: s.agents, transport: s.transport, claimer: s.poller, closing: s.closing, lockout: s.lockout}
	outcomes := ts.runTick(ctx)
	s.lockout = ts.lockout
	s.maybeFinishClosing()
	for _, outcome := range outcomes {
		if err := s.poller.update(ctx, outcome.Job); err != nil {
			s.logger.Error().Err(err).Int64("job", outcome.Job.ID).Msg("job status update failed")
		}
		if outcome.Placed {
			go s.readAgentOutput(outcome.Agent)
		}
		if s.instruments == nil {
			continue
		}
		if outcome.Placed {
			s.instruments.JobsPlaced.Add(ctx, 1)
		} else if outcome.Err != nil {
			s.instruments.JobsFailed.Add(ctx, 1)
		}
	}

	if s.instruments != nil {
		s.instruments.TickDuration.Record(ctx, float64(time.Since(tickStart).Milliseconds()))
		s.instruments.QueueDepth.Add(ctx, int64(s.jobs.len()))
		tickSpan.End()
	}
}

// agentLineEvent carries one parsed protocol line to handleEvent.
type agentLineEvent struct {
	agent *Agent
	msg   protocolMsg
}

// readAgentOutput scans an agent's stdout line by line, handing each
// parsed message to the event loop so state transitions still happen only
// inside handleEvent (spec §4.A single-threaded core, §5 protocol).
func (s *Scheduler) readAgentOutput(a *Agent) {
	scanner := lineScanner(a.StdoutR)
	for scanner.Scan() {
		msg := parseLine(scanner.Text())
		s.loop.enqueue(event{kind: eventAgentLine, payload: agentLineEvent{agent: a, msg: msg}})
	}
	a.StdoutR.Close()
}

func (s *Scheduler) handleSignalMask(mask uint64) {
	ctx := context.Background()
	if mask&bitSIGTERM != 0 || mask&bitSIGINT != 0 {
		s.beginClose(ctx, false)
	}
	if mask&bitSIGQUIT != 0 {
		s.beginClose(ctx, true)
	}
	if mask&bitSIGHUP != 0 {
		s.reloadConfig(ctx)
	}
	if mask&bitSIGALRM != 0 {
		// periodic tick equivalent; handleEvent always ticks after
		// dispatch, so no extra action is needed here.
	}
	// bitSIGCHLD is captured by the signal bridge but deliberately left
	// unread here: os/exec's own cmd.Wait() goroutine (transport/local)
	// already reaps the child, and a second reap attempt from this signal
	// would race it. livenessLoop and watchdogLoop cover prompt and
	// fallback death detection instead (spec §4.F).
}

// reloadConfig re-reads host and meta-agent configuration (spec §4.B
// SIGHUP, §4.D "registered from a configuration snapshot ... on
// ConfigReload"). Existing live agents keep pointing at their captured
// MetaAgent, since registries only replace entries by name and running
// agents hold their own pointer, not a registry lookup.
func (s *Scheduler) reloadConfig(ctx context.Context) {
	if s.configLoader == nil {
		return
	}
	cfg, err := s.configLoader.Load()
	if err != nil {
		s.logger.Error().Err(err).Msg("config reload failed")
		return
	}
	for _, h := range cfg.Hosts {
		s.RegisterHost(Host{
			Name: h.Name, Address: h.Address, WorkingDirectory: h.WorkingDirectory,
			AgentTypeTag: h.AgentTypeTag, Max: h.Max,
		})
	}
	for _, a := range cfg.Agents {
		s.RegisterMetaAgent(MetaAgent{Name: a.Name, Command: a.Command, MaxRun: a.Max, Flags: a.Flags()})
		s.MarkMetaAgentValid(a.Name, true)
	}
	s.logger.Info().Int("hosts", len(cfg.Hosts)).Int("agents", len(cfg.Agents)).Msg("configuration reloaded")
}

func (s *Scheduler) handleControl(ctx context.Context, req controlRequest) {
	switch req.cmd.Kind {
	case ctlStatus:
		req.reply <- fmt.Sprintf("queued=%d hosts=%d metas=%d agents=%d closing=%v", s.jobs.len(), len(s.hosts.all()), len(s.metas.all()), len(s.agents.all()), s.closing)
	case ctlStop:
		s.beginClose(ctx, false)
		req.reply <- "OK"
	case ctlClose:
		s.beginClose(ctx, true)
		req.reply <- "OK"
	case ctlPause:
		s.forEachAgentOfJob(ctx, req.cmd.JobID, (*Agent).requestPause)
		req.reply <- "OK"
	case ctlRestart:
		s.forEachAgentOfJob(ctx, req.cmd.JobID, (*Agent).requestResume)
		req.reply <- "OK"
	case ctlKill:
		s.forEachAgentOfJob(ctx, req.cmd.JobID, (*Agent).requestClose)
		req.reply <- "OK"
	case ctlReload:
		s.reloadConfig(ctx)
		req.reply <- "OK"
	default:
		req.reply <- "ERR unhandled command"
	}
}

func (s *Scheduler) forEachAgentOfJob(ctx context.Context, jobID int64, fn func(*Agent, context.Context, Transport) error) {
	for _, a := range s.agents.all() {
		if a.OwnerJob == jobID {
			if err := fn(a, ctx, s.transport); err != nil {
				s.logger.Warn().Err(err).Int("pid", a.Pid).Msg("signal delivery failed")
			}
		}
	}
}

// beginClose starts shutdown (spec §5, "graceful vs forced close"): both
// modes stop placing new jobs; force additionally signals every live agent
// not flagged NOKILL right away instead of waiting for it to finish on its
// own. Graceful close keeps the loop running until every agent, NOKILL
// included, has reached a terminal state; forced close waits only for the
// non-NOKILL agents. maybeFinishClosing checks this after every tick.
func (s *Scheduler) beginClose(ctx context.Context, force bool) {
	s.closing = true
	if force {
		s.forceClosing = true
		for _, a := range s.agents.all() {
			if a.Meta != nil && a.Meta.Flags.Has(FlagNoKill) {
				continue
			}
			if err := a.requestClose(ctx, s.transport); err != nil {
				s.logger.Warn().Err(err).Int("pid", a.Pid).Msg("forced close signal failed")
			}
		}
	}
	s.maybeFinishClosing()
}

// maybeFinishClosing terminates the event loop once shutdown has drained
// enough agents to proceed. Forced close never signals NOKILL agents and
// does not wait for them either; graceful close waits for every agent,
// NOKILL included, to finish on its own (spec §5: "a NOKILL agent is not
// signaled in either case, but graceful still waits for it").
func (s *Scheduler) maybeFinishClosing() {
	if !s.closing {
		return
	}
	for _, a := range s.agents.all() {
		if s.forceClosing && a.Meta != nil && a.Meta.Flags.Has(FlagNoKill) {
			continue
		}
		if !a.State.terminal() {
			return
		}
	}
	s.loop.terminateLoop()
}

// releaseAgent returns an agent's host/meta capacity once it reaches a
// terminal state (spec §4.F).
func (s *Scheduler) releaseAgent(a *Agent) {
	s.agents.remove(a.key())
	if a.Host != nil {
		s.hosts.release(a.Host.Name)
	}
	if a.Meta != nil {
		s.metas.release(a.Meta.Name)
	}
}
