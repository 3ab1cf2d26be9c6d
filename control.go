package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/go-utilpkg/catrate"
)

// controlCommandKind enumerates the admin-socket grammar (spec §4.I):
// pause <id>, restart <id>, kill <id> "<msg>", reload, stop, close, status.
type controlCommandKind int

const (
	ctlUnknown controlCommandKind = iota
	ctlPause
	ctlRestart
	ctlKill
	ctlReload
	ctlStop
	ctlClose
	ctlStatus
)

type controlCommand struct {
	Kind    controlCommandKind
	JobID   int64
	Message string
}

// parseControlCommand parses one line of admin-socket input (spec §4.I).
func parseControlCommand(line string) (controlCommand, error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return controlCommand{}, &ErrControl{Line: line, Message: "empty command"}
	}

	switch fields[0] {
	case "pause", "restart", "kill":
		if len(fields) < 2 {
			return controlCommand{}, &ErrControl{Line: line, Message: "missing job id"}
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return controlCommand{}, &ErrControl{Line: line, Message: "malformed job id"}
		}
		cmd := controlCommand{JobID: id}
		switch fields[0] {
		case "pause":
			cmd.Kind = ctlPause
		case "restart":
			cmd.Kind = ctlRestart
		case "kill":
			cmd.Kind = ctlKill
			if idx := strings.IndexByte(line, '"'); idx >= 0 {
				rest := line[idx+1:]
				if end := strings.IndexByte(rest, '"'); end >= 0 {
					cmd.Message = rest[:end]
				}
			}
		}
		return cmd, nil
	case "reload":
		return controlCommand{Kind: ctlReload}, nil
	case "stop":
		return controlCommand{Kind: ctlStop}, nil
	case "close":
		return controlCommand{Kind: ctlClose}, nil
	case "status":
		return controlCommand{Kind: ctlStatus}, nil
	default:
		return controlCommand{}, &ErrControl{Line: line, Message: "unknown command"}
	}
}

// controlServer accepts admin-socket connections and turns each line into
// an eventControlCommand on the scheduler's event loop (spec §4.I). A
// per-connection rate limiter caps how fast a single client can issue
// commands, the same limiter shape used for database poll backoff.
type controlServer struct {
	listener net.Listener
	loop     *eventLoop
	limiter  *catrate.Limiter
}

var controlRateLimits = map[time.Duration]int{
	time.Second: 5,
}

func newControlServer(addr string, loop *eventLoop) (*controlServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", addr, err)
	}
	return &controlServer{listener: ln, loop: loop, limiter: catrate.NewLimiter(controlRateLimits)}, nil
}

func (s *controlServer) addr() net.Addr { return s.listener.Addr() }

func (s *controlServer) close() error { return s.listener.Close() }

// serve accepts connections until the listener closes or ctx is canceled.
func (s *controlServer) serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *controlServer) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if _, ok := s.limiter.Allow(conn.RemoteAddr().String()); !ok {
			fmt.Fprintln(conn, "ERR rate limit exceeded")
			continue
		}
		cmd, err := parseControlCommand(scanner.Text())
		if err != nil {
			fmt.Fprintf(conn, "ERR %s\n", err)
			continue
		}
		reply := make(chan string, 1)
		s.loop.enqueue(event{kind: eventControlCommand, payload: controlRequest{cmd: cmd, reply: reply}})
		select {
		case r := <-reply:
			fmt.Fprintln(conn, r)
		case <-time.After(5 * time.Second):
			fmt.Fprintln(conn, "ERR timed out waiting for scheduler")
		}
	}
}

// controlRequest pairs a parsed command with the channel its handler
// replies on, carried as an event's payload.
type controlRequest struct {
	cmd   controlCommand
	reply chan<- string
}
