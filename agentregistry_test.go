package scheduler

import "testing"

func TestAgentRegistryAddGetRemove(t *testing.T) {
	r := newAgentRegistry()
	a := &Agent{SpawnToken: "tok-1"}
	r.add(a)
	got, ok := r.get("tok-1")
	if !ok || got != a {
		t.Fatalf("get() = %v, %v", got, ok)
	}
	r.remove("tok-1")
	if _, ok := r.get("tok-1"); ok {
		t.Error("expected removed agent to be absent")
	}
}

func TestAgentRegistryRekey(t *testing.T) {
	r := newAgentRegistry()
	a := &Agent{SpawnToken: "tok-1"}
	r.add(a)
	a.Pid = 42
	r.rekey("tok-1", a)

	if _, ok := r.get("tok-1"); ok {
		t.Error("expected old token key to be gone")
	}
	got, ok := r.get("pid:42")
	if !ok || got != a {
		t.Fatalf("get(pid:42) = %v, %v", got, ok)
	}
}
