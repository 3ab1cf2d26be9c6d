package scheduler

import "fmt"

// ErrConfig represents a configuration error: a missing required key or a
// malformed value. Fatal at load time; a reload that produces one leaves the
// previous configuration in place.
type ErrConfig struct {
	Key     string
	Message string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

// ErrSpawn represents a failure to start an agent process: exec failure or
// an unreachable host. The owning job is requeued subject to the spawn
// retry policy (see Job.SpawnAttempts).
type ErrSpawn struct {
	Host  string
	Meta  string
	Cause error
}

func (e *ErrSpawn) Error() string {
	return fmt.Sprintf("spawn %s on %s: %v", e.Meta, e.Host, e.Cause)
}

func (e *ErrSpawn) Unwrap() error { return e.Cause }

// ErrProtocol represents an unparseable agent output line. Logged; the
// agent's supervision continues.
type ErrProtocol struct {
	Pid  int
	Line string
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("protocol pid=%d: unparseable line %q", e.Pid, e.Line)
}

// ErrDB represents a database bridge failure: polling or a status write.
// Polling is retried on the next rate-limited poll; a failed status write
// is logged and is not queued or retried.
type ErrDB struct {
	Op    string
	Cause error
}

func (e *ErrDB) Error() string {
	return fmt.Sprintf("db %s: %v", e.Op, e.Cause)
}

func (e *ErrDB) Unwrap() error { return e.Cause }

// ErrControl represents a malformed or unknown control-socket command.
// The connection receives an ERR response; no scheduler state changes.
type ErrControl struct {
	Line    string
	Message string
}

func (e *ErrControl) Error() string {
	return fmt.Sprintf("control %q: %s", e.Line, e.Message)
}

// ErrHostNotFound is returned/surfaced when a job pins a required_host that
// is not present in the host registry (spec §4.G step 4, seed test 4).
type ErrHostNotFound struct {
	Host string
}

func (e *ErrHostNotFound) Error() string {
	return fmt.Sprintf("host not in the agent list: %s", e.Host)
}
