package scheduler

import (
	"io"
	"strconv"
	"time"
)

// AgentFlag is a bit over the set {EXCLUSIVE, NOEMAIL, NOKILL, LOCAL}
// (spec §3, Meta-agent.flags).
type AgentFlag uint8

const (
	FlagExclusive AgentFlag = 1 << iota // must be the only agent running system-wide
	FlagNoEmail                         // suppress completion notification
	FlagNoKill                          // exempt from forced termination on graceful shutdown
	FlagLocal                           // must run on the host named "localhost"
)

// Has reports whether all bits in want are set.
func (f AgentFlag) Has(want AgentFlag) bool { return f&want == want }

// MetaAgent is the template/class describing how to spawn agents of a given
// kind (spec §3).
type MetaAgent struct {
	Name    string
	Command []string // argv template used to spawn
	MaxRun  int      // cap on simultaneous live agents of this type
	RunCount int     // current live count; invariant 0 <= RunCount <= MaxRun
	Flags   AgentFlag
	Valid   bool // whether a test-spawn of this agent succeeded at config time

	// HeartbeatTimeout is the per-meta watchdog threshold (spec §4.F).
	HeartbeatTimeout time.Duration
}

// isMaxReached reports whether this meta-agent is at its concurrency cap
// (spec §4.G step 4).
func (m *MetaAgent) isMaxReached() bool {
	return m.RunCount >= m.MaxRun
}

// Host is a fixed execution target, local or remote (spec §3).
type Host struct {
	Name              string
	Address           string
	WorkingDirectory  string
	AgentTypeTag      string
	Max               int // cap on simultaneous agents on this host
	Running           int // invariant 0 <= Running <= Max
}

func (h *Host) hasCapacity() bool { return h.Running < h.Max }

// JobStatus is one of {QUEUED, STARTED, PAUSED, RESTART, FAILED, COMPLETE}
// (spec §3).
type JobStatus int

const (
	JobQueued JobStatus = iota
	JobStarted
	JobPaused
	JobRestart
	JobFailed
	JobComplete
)

func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "QUEUED"
	case JobStarted:
		return "STARTED"
	case JobPaused:
		return "PAUSED"
	case JobRestart:
		return "RESTART"
	case JobFailed:
		return "FAILED"
	case JobComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Job is a unit of work identified in the database, processed by one or
// more agents (spec §3). Invariant: a job is in the pending queue iff
// Status == JobQueued && len(Children) == 0.
type Job struct {
	ID            int64
	AgentType     string // refers to a MetaAgent by name
	RequiredHost  string // optional; when set, placement is pinned
	Priority      int    // higher runs first
	ParentID      int64  // optional; for grouping, 0 if none
	Status        JobStatus
	Message       string // last failure or status string
	Data          []byte // opaque payload blob passed to the agent
	IDList        []string // ordered sequence of per-file-chunk ids yet to be handed to the agent
	Children      map[string]struct{} // live agent keys (pid or spawn token) working on this job
	SpawnAttempts int
}

func (j *Job) hasChildren() bool { return len(j.Children) > 0 }

func (j *Job) addChild(key string) {
	if j.Children == nil {
		j.Children = make(map[string]struct{})
	}
	j.Children[key] = struct{}{}
}

func (j *Job) removeChild(key string) {
	delete(j.Children, key)
}

// AgentState is a node in the per-child state machine (spec §4.F).
type AgentState int

const (
	AgentSpawned AgentState = iota
	AgentReady
	AgentBusy
	AgentPaused
	AgentClosing
	AgentFinished
	AgentFailed
)

func (s AgentState) String() string {
	switch s {
	case AgentSpawned:
		return "SPAWNED"
	case AgentReady:
		return "READY"
	case AgentBusy:
		return "BUSY"
	case AgentPaused:
		return "PAUSED"
	case AgentClosing:
		return "CLOSING"
	case AgentFinished:
		return "FINISHED"
	case AgentFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether s is a state an agent never leaves (spec §3,
// Agent.alive invariant).
func (s AgentState) terminal() bool {
	return s == AgentFinished || s == AgentFailed
}

// Agent is a child process performing the work of a job, keyed by its OS
// pid after spawn, or by spawnToken before (spec §3).
type Agent struct {
	SpawnToken string
	Pid        int
	Meta       *MetaAgent
	Host       *Host
	OwnerJob   int64

	State AgentState

	StdinW  io.WriteCloser
	StdoutR io.ReadCloser
	StderrR io.ReadCloser

	LastHeartbeat  time.Time
	ItemsProcessed int
	TotalItems     int

	Alive bool // updated from the watchdog/reaper; never flips back once terminal

	stderrTail []byte // last bytes of captured stderr, for crash messages
}

// key returns the agent's current registry key: its pid once known,
// otherwise its pre-spawn token.
func (a *Agent) key() string {
	if a.Pid != 0 {
		return pidKey(a.Pid)
	}
	return a.SpawnToken
}

func pidKey(pid int) string { return "pid:" + strconv.Itoa(pid) }
