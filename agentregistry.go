package scheduler

import "sync"

// agentRegistry tracks every live (non-terminal) Agent by its current key
// (spec §3 Agent, keyed by pid once spawned). The tick counts it for the
// drain checks behind shutdown and exclusive lockout, and the watchdog
// sweeps it for expired heartbeats (spec §4.F, §4.G).
type agentRegistry struct {
	mu     sync.Mutex
	agents map[string]*Agent
}

func newAgentRegistry() *agentRegistry {
	return &agentRegistry{agents: make(map[string]*Agent)}
}

func (r *agentRegistry) add(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.key()] = a
}

// rekey moves an agent from its pre-spawn token to its pid, called once
// the transport reports a pid.
func (r *agentRegistry) rekey(oldKey string, a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, oldKey)
	r.agents[a.key()] = a
}

func (r *agentRegistry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, key)
}

func (r *agentRegistry) get(key string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[key]
	return a, ok
}

func (r *agentRegistry) all() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}
