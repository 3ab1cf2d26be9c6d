package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(WithTransport(&fakeTransport{}))
	if err == nil {
		t.Fatal("expected error when database is missing")
	}
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(WithDatabase(&fakeBridge{}))
	if err == nil {
		t.Fatal("expected error when transport is missing")
	}
}

func TestNewRegistersLocalhost(t *testing.T) {
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.hosts.get("localhost"); !ok {
		t.Error("expected a default localhost host")
	}
}

func TestSchedulerRegisterHostAndMetaAgent(t *testing.T) {
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.RegisterHost(Host{Name: "build1", Max: 2})
	s.RegisterMetaAgent(MetaAgent{Name: "nomos", MaxRun: 1})
	s.MarkMetaAgentValid("nomos", true)

	if _, ok := s.hosts.get("build1"); !ok {
		t.Error("expected build1 registered")
	}
	m, ok := s.metas.get("nomos")
	if !ok || !m.Valid {
		t.Errorf("got %v, %v, want registered and valid", m, ok)
	}
}

func TestSchedulerHandleControlStatus(t *testing.T) {
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply := make(chan string, 1)
	s.handleControl(context.Background(), controlRequest{cmd: controlCommand{Kind: ctlStatus}, reply: reply})
	select {
	case r := <-reply:
		if r == "" {
			t.Error("expected non-empty status reply")
		}
	default:
		t.Fatal("expected a reply")
	}
}

type fakeConfigLoader struct {
	cfg PlatformConfig
	err error
}

func (f *fakeConfigLoader) Load() (PlatformConfig, error) { return f.cfg, f.err }

func TestSchedulerReloadConfigRegistersHostsAndAgents(t *testing.T) {
	loader := &fakeConfigLoader{cfg: PlatformConfig{
		Hosts:  []HostConfig{{Name: "build2", Max: 3}},
		Agents: []AgentConfig{{Name: "nomos", Max: 2, Special: []string{"EXCLUSIVE"}}},
	}}
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}), WithConfigLoader(loader))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.reloadConfig(context.Background())

	h, ok := s.hosts.get("build2")
	if !ok || h.Max != 3 {
		t.Fatalf("got %+v, %v, want build2 registered with Max=3", h, ok)
	}
	m, ok := s.metas.get("nomos")
	if !ok || !m.Valid || !m.Flags.Has(FlagExclusive) {
		t.Fatalf("got %+v, %v, want nomos registered, valid, and EXCLUSIVE", m, ok)
	}
}

func TestSchedulerHandleSignalMaskSIGHUPTriggersReload(t *testing.T) {
	loader := &fakeConfigLoader{cfg: PlatformConfig{Hosts: []HostConfig{{Name: "build3", Max: 1}}}}
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}), WithConfigLoader(loader))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.handleSignalMask(bitSIGHUP)

	if _, ok := s.hosts.get("build3"); !ok {
		t.Error("expected SIGHUP to trigger a config reload registering build3")
	}
}

func TestSchedulerHandleControlReloadTriggersReload(t *testing.T) {
	loader := &fakeConfigLoader{cfg: PlatformConfig{Hosts: []HostConfig{{Name: "build4", Max: 1}}}}
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}), WithConfigLoader(loader))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reply := make(chan string, 1)
	s.handleControl(context.Background(), controlRequest{cmd: controlCommand{Kind: ctlReload}, reply: reply})

	select {
	case r := <-reply:
		if r != "OK" {
			t.Errorf("got reply %q, want OK", r)
		}
	default:
		t.Fatal("expected a reply")
	}
	if _, ok := s.hosts.get("build4"); !ok {
		t.Error("expected control reload to trigger a config reload registering build4")
	}
}

func TestSchedulerReloadConfigPreservesRunningCounts(t *testing.T) {
	loader := &fakeConfigLoader{cfg: PlatformConfig{Hosts: []HostConfig{{Name: "build1", Max: 2}}}}
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}), WithConfigLoader(loader))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.hosts.register(&Host{Name: "build1", Max: 1, Running: 1})

	s.reloadConfig(context.Background())

	h, ok := s.hosts.get("build1")
	if !ok || h.Running != 1 || h.Max != 2 {
		t.Fatalf("got %+v, %v, want Running carried forward to 1 with new Max=2", h, ok)
	}
}

func TestSchedulerHandleSignalMaskTerminatesOnSIGTERM(t *testing.T) {
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.handleSignalMask(bitSIGTERM)
	done := make(chan struct{})
	go func() { s.loop.run(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected loop to terminate after SIGTERM bit")
	}
}

func TestSchedulerReleaseAgent(t *testing.T) {
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	host := &Host{Name: "build1", Max: 1, Running: 1}
	meta := &MetaAgent{Name: "nomos", MaxRun: 1, RunCount: 1}
	s.hosts.register(host)
	s.metas.register(meta)
	a := &Agent{Pid: 1, Host: host, Meta: meta}
	s.agents.add(a)

	s.releaseAgent(a)
	if host.Running != 0 || meta.RunCount != 0 {
		t.Errorf("got Running=%d RunCount=%d, want both 0", host.Running, meta.RunCount)
	}
	if _, ok := s.agents.get(a.key()); ok {
		t.Error("expected agent removed from registry")
	}
}

// recordingTransport captures every Signal call made during a test, so
// graceful/forced close can be asserted to (not) reach specific agents.
type recordingTransport struct {
	fakeTransport
	calls []recordedSignal
}

type recordedSignal struct {
	Pid int
	Sig Signal
}

func (r *recordingTransport) Signal(ctx context.Context, host *Host, pid int, sig Signal) error {
	r.calls = append(r.calls, recordedSignal{Pid: pid, Sig: sig})
	return nil
}

func TestSchedulerGracefulCloseWaitsForLiveAgent(t *testing.T) {
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := &Agent{Pid: 1, Host: &Host{Name: "localhost"}, Meta: &MetaAgent{Name: "nomos"}, State: AgentBusy}
	s.agents.add(a)

	s.beginClose(context.Background(), false)

	done := make(chan struct{})
	go func() { s.loop.run(); close(done) }()
	select {
	case <-done:
		t.Fatal("graceful close should not terminate while a live agent remains")
	case <-time.After(200 * time.Millisecond):
	}

	a.State = AgentFinished
	s.maybeFinishClosing()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected loop to terminate once the live agent finished")
	}
}

func TestSchedulerForceCloseSignalsNonNoKillAgentsOnly(t *testing.T) {
	tr := &recordingTransport{}
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(tr))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	host := &Host{Name: "localhost"}
	normal := &Agent{Pid: 1, Host: host, Meta: &MetaAgent{Name: "nomos"}, State: AgentBusy}
	noKill := &Agent{Pid: 2, Host: host, Meta: &MetaAgent{Name: "persistent", Flags: FlagNoKill}, State: AgentBusy}
	s.agents.add(normal)
	s.agents.add(noKill)

	s.beginClose(context.Background(), true)

	if len(tr.calls) != 1 || tr.calls[0] != (recordedSignal{Pid: 1, Sig: SignalTerminate}) {
		t.Fatalf("got calls=%v, want exactly one SignalTerminate to pid 1", tr.calls)
	}
	if normal.State != AgentClosing {
		t.Errorf("normal.State = %v, want AgentClosing", normal.State)
	}
	if noKill.State != AgentBusy {
		t.Errorf("noKill.State = %v, want unchanged AgentBusy", noKill.State)
	}

	done := make(chan struct{})
	go func() { s.loop.run(); close(done) }()
	select {
	case <-done:
		t.Fatal("forced close should not terminate until the signaled agent reaps")
	case <-time.After(200 * time.Millisecond):
	}

	normal.State = AgentFinished
	s.maybeFinishClosing()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected forced close to terminate once the non-NOKILL agent finished, ignoring the live NOKILL one")
	}
}

// fakeLivenessTransport additionally implements livenessChecker, the way
// transport/local does, so sweepLiveness has something to type-assert onto.
type fakeLivenessTransport struct {
	fakeTransport
	dead map[int]bool
}

func (f *fakeLivenessTransport) Alive(pid int) bool { return !f.dead[pid] }

func TestSchedulerSweepLivenessReapsDeadPid(t *testing.T) {
	tr := &fakeLivenessTransport{dead: map[int]bool{2: true}}
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(tr))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	host := &Host{Name: "localhost"}
	live := &Agent{Pid: 1, Host: host, Meta: &MetaAgent{Name: "nomos"}, State: AgentBusy}
	dead := &Agent{Pid: 2, Host: host, Meta: &MetaAgent{Name: "nomos"}, State: AgentBusy}
	s.agents.add(live)
	s.agents.add(dead)

	s.sweepLiveness(tr)

	s.loop.mu.Lock()
	fifo := s.loop.fifo
	s.loop.mu.Unlock()

	if len(fifo) != 1 {
		t.Fatalf("got %d queued events, want exactly one reap for the dead pid", len(fifo))
	}
	ev := fifo[0]
	reaped, ok := ev.payload.(*Agent)
	if ev.kind != eventAgentReaped || !ok || reaped != dead {
		t.Fatalf("got %+v, want eventAgentReaped for the dead pid", ev)
	}
}

func TestSchedulerLivenessLoopSkipsTransportWithoutAlive(t *testing.T) {
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.livenessLoop(ctx); close(done) }()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected livenessLoop to return immediately for a transport without Alive")
	}
}

// TestSchedulerEventAgentReapedIsIdempotent guards against livenessLoop and
// watchdogLoop both enqueueing eventAgentReaped for the same agent before
// either is processed: the second delivery must be a no-op, not a second
// release of the agent's host/meta capacity.
func TestSchedulerEventAgentReapedIsIdempotent(t *testing.T) {
	s, err := New(WithDatabase(&fakeBridge{}), WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	host := &Host{Name: "build1", Max: 1, Running: 1}
	meta := &MetaAgent{Name: "nomos", MaxRun: 1, RunCount: 1}
	s.hosts.register(host)
	s.metas.register(meta)
	a := &Agent{Pid: 1, Host: host, Meta: meta, State: AgentBusy}
	s.agents.add(a)

	s.handleEvent(event{kind: eventAgentReaped, payload: a})
	s.handleEvent(event{kind: eventAgentReaped, payload: a})

	if host.Running != 0 || meta.RunCount != 0 {
		t.Errorf("got Running=%d RunCount=%d, want both 0 (released once, not twice)", host.Running, meta.RunCount)
	}
}
