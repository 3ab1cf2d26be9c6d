package scheduler

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

type fakeTransport struct {
	pid int
	err error
}

func (f *fakeTransport) Spawn(ctx context.Context, host *Host, meta *MetaAgent) (int, io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	if f.err != nil {
		return 0, nil, nil, nil, f.err
	}
	return f.pid, nopWriteCloser{io.Discard}, io.NopCloser(strings.NewReader("")), io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeTransport) Signal(ctx context.Context, host *Host, pid int, sig Signal) error {
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestAgentHandleLineOKTransitionsToReady(t *testing.T) {
	a := &Agent{State: AgentSpawned}
	if err := a.handleLine(parseLine("OK\n")); err != nil {
		t.Fatalf("handleLine: %v", err)
	}
	if a.State != AgentReady {
		t.Errorf("State = %v, want AgentReady", a.State)
	}
}

func TestAgentHandleLineItemTransitionsToBusy(t *testing.T) {
	a := &Agent{State: AgentReady}
	if err := a.handleLine(parseLine("ITEM 3\n")); err != nil {
		t.Fatalf("handleLine: %v", err)
	}
	if a.State != AgentBusy {
		t.Errorf("State = %v, want AgentBusy", a.State)
	}
	if a.ItemsProcessed != 3 {
		t.Errorf("ItemsProcessed = %d, want 3", a.ItemsProcessed)
	}
}

func TestAgentHandleLineByeZeroFinishes(t *testing.T) {
	a := &Agent{State: AgentBusy, Alive: true}
	if err := a.handleLine(parseLine("BYE 0\n")); err != nil {
		t.Fatalf("handleLine: %v", err)
	}
	if a.State != AgentFinished || a.Alive {
		t.Errorf("got State=%v Alive=%v, want AgentFinished/false", a.State, a.Alive)
	}
}

func TestAgentHandleLineByeNonzeroFails(t *testing.T) {
	a := &Agent{State: AgentBusy, Alive: true}
	if err := a.handleLine(parseLine("BYE 1\n")); err != nil {
		t.Fatalf("handleLine: %v", err)
	}
	if a.State != AgentFailed || a.Alive {
		t.Errorf("got State=%v Alive=%v, want AgentFailed/false", a.State, a.Alive)
	}
}

func TestAgentHandleLineUnparseableReturnsErrProtocol(t *testing.T) {
	a := &Agent{State: AgentBusy, Pid: 99}
	err := a.handleLine(parseLine("garbage\n"))
	var pe *ErrProtocol
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ErrProtocol, got %v", err)
	}
	if pe.Pid != 99 {
		t.Errorf("Pid = %d, want 99", pe.Pid)
	}
}

func TestAgentHeartbeatExpired(t *testing.T) {
	a := &Agent{Meta: &MetaAgent{HeartbeatTimeout: time.Minute}, LastHeartbeat: time.Now().Add(-2 * time.Minute)}
	if !a.heartbeatExpired(time.Now()) {
		t.Error("expected heartbeat expired")
	}
	a.LastHeartbeat = time.Now()
	if a.heartbeatExpired(time.Now()) {
		t.Error("expected heartbeat not expired")
	}
}

func TestAgentHeartbeatDefaultTimeout(t *testing.T) {
	a := &Agent{Meta: &MetaAgent{}, LastHeartbeat: time.Now()}
	if a.heartbeatExpired(time.Now().Add(defaultHeartbeatTimeout + time.Second)) == false {
		t.Error("expected default timeout to apply when Meta.HeartbeatTimeout is zero")
	}
}

func TestAgentRequestPauseResume(t *testing.T) {
	a := &Agent{State: AgentBusy, Host: &Host{Name: "localhost"}}
	tr := &fakeTransport{}
	if err := a.requestPause(context.Background(), tr); err != nil {
		t.Fatalf("requestPause: %v", err)
	}
	if a.State != AgentPaused {
		t.Fatalf("State = %v, want AgentPaused", a.State)
	}
	if err := a.requestResume(context.Background(), tr); err != nil {
		t.Fatalf("requestResume: %v", err)
	}
	if a.State != AgentReady {
		t.Fatalf("State = %v, want AgentReady", a.State)
	}
}

func TestAgentRequestCloseIgnoredWhenTerminal(t *testing.T) {
	a := &Agent{State: AgentFinished, Host: &Host{Name: "localhost"}}
	if err := a.requestClose(context.Background(), &fakeTransport{}); err != nil {
		t.Fatalf("requestClose: %v", err)
	}
	if a.State != AgentFinished {
		t.Errorf("terminal state should not change, got %v", a.State)
	}
}

func TestAgentRequestCloseSignalsTerminate(t *testing.T) {
	var gotSig Signal
	tr := &signalRecordingTransport{onSignal: func(sig Signal) { gotSig = sig }}
	a := &Agent{State: AgentBusy, Host: &Host{Name: "localhost"}, Pid: 42}
	if err := a.requestClose(context.Background(), tr); err != nil {
		t.Fatalf("requestClose: %v", err)
	}
	if a.State != AgentClosing {
		t.Fatalf("State = %v, want AgentClosing", a.State)
	}
	if gotSig != SignalTerminate {
		t.Errorf("signal = %v, want SignalTerminate", gotSig)
	}
}

type signalRecordingTransport struct {
	fakeTransport
	onSignal func(Signal)
}

func (s *signalRecordingTransport) Signal(ctx context.Context, host *Host, pid int, sig Signal) error {
	s.onSignal(sig)
	return nil
}

func TestAgentRecordCrash(t *testing.T) {
	a := &Agent{Pid: 123, State: AgentBusy, Alive: true}
	err := a.recordCrash(errors.New("signal: killed"), []byte("panic: boom"))
	if a.Alive || a.State != AgentFailed {
		t.Errorf("got Alive=%v State=%v, want false/AgentFailed", a.Alive, a.State)
	}
	if err == nil {
		t.Error("expected non-nil error")
	}
}

func TestAgentRecordCrashTruncatesStderr(t *testing.T) {
	big := make([]byte, maxStderrTail*2)
	for i := range big {
		big[i] = 'x'
	}
	a := &Agent{Pid: 1}
	a.recordCrash(errors.New("boom"), big)
	if len(a.stderrTail) != maxStderrTail {
		t.Errorf("len(stderrTail) = %d, want %d", len(a.stderrTail), maxStderrTail)
	}
}

func TestSpawnAgentSuccess(t *testing.T) {
	host := &Host{Name: "build1"}
	meta := &MetaAgent{Name: "nomos"}
	a, err := spawnAgent(context.Background(), &fakeTransport{pid: 555}, host, meta, 7)
	if err != nil {
		t.Fatalf("spawnAgent: %v", err)
	}
	if a.Pid != 555 || a.State != AgentSpawned || !a.Alive {
		t.Errorf("got Pid=%d State=%v Alive=%v", a.Pid, a.State, a.Alive)
	}
	if a.OwnerJob != 7 {
		t.Errorf("OwnerJob = %d, want 7", a.OwnerJob)
	}
}

func TestSpawnAgentFailure(t *testing.T) {
	host := &Host{Name: "build1"}
	meta := &MetaAgent{Name: "nomos"}
	cause := errors.New("exec: not found")
	a, err := spawnAgent(context.Background(), &fakeTransport{err: cause}, host, meta, 0)
	var se *ErrSpawn
	if !errors.As(err, &se) {
		t.Fatalf("expected *ErrSpawn, got %v", err)
	}
	if a.State != AgentFailed || a.Alive {
		t.Errorf("got State=%v Alive=%v, want AgentFailed/false", a.State, a.Alive)
	}
}
