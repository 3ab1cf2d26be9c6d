package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// eventKind enumerates what woke the loop for one iteration (spec §4.A).
type eventKind int

const (
	eventJobsPolled eventKind = iota
	eventAgentLine
	eventAgentReaped
	eventControlCommand
	eventSignal
	eventTick
)

// event is one unit of work placed on the loop's queue. payload's concrete
// type depends on kind: a Job for eventJobsPolled, an agentLineEvent for
// eventAgentLine, *Agent for eventAgentReaped, a controlRequest for
// eventControlCommand, a uint64 signal mask for eventSignal.
type event struct {
	kind    eventKind
	payload any
	at      time.Time // zero = run as soon as popped; non-zero = timed event
}

// timedEvent orders the delayed-event heap by fire time.
type timedEvent struct {
	ev   event
	seq  int64
}

type timedHeap []timedEvent

func (h timedHeap) Len() int { return len(h) }
func (h timedHeap) Less(i, j int) bool {
	if h[i].ev.at.Equal(h[j].ev.at) {
		return h[i].seq < h[j].seq
	}
	return h[i].ev.at.Before(h[j].ev.at)
}
func (h timedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timedHeap) Push(x any)   { *h = append(*h, x.(timedEvent)) }
func (h *timedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// idleWait bounds how long run() blocks with nothing queued, so it can
// still poll the signal bridge and re-check timed events (spec §4.A,
// "1s idle wait").
const idleWait = time.Second

// eventLoop is the scheduler's single-threaded core: every state change
// (job placement, agent transition, control command) happens only as the
// result of popping and handling one event here, and a scheduler tick runs
// after every event (spec §4.A, §4.G).
type eventLoop struct {
	mu        sync.Mutex
	cond      *sync.Cond
	fifo      []event
	timed     timedHeap
	seq       int64
	terminate bool

	onEvent func(event) // invoked with the lock released
}

func newEventLoop(onEvent func(event)) *eventLoop {
	l := &eventLoop{onEvent: onEvent}
	l.cond = sync.NewCond(&l.mu)
	heap.Init(&l.timed)
	return l
}

// enqueue appends an immediate event and wakes the loop. Safe for
// concurrent callers (reaper goroutines, control-socket handlers, the
// signal bridge poller).
func (l *eventLoop) enqueue(ev event) {
	l.mu.Lock()
	l.fifo = append(l.fifo, ev)
	l.mu.Unlock()
	l.cond.Signal()
}

// enqueueAt schedules ev to become eligible no earlier than at.
func (l *eventLoop) enqueueAt(ev event, at time.Time) {
	ev.at = at
	l.mu.Lock()
	l.seq++
	heap.Push(&l.timed, timedEvent{ev: ev, seq: l.seq})
	l.mu.Unlock()
	l.cond.Signal()
}

// terminateLoop requests run() to return once the current event (if any)
// finishes.
func (l *eventLoop) terminateLoop() {
	l.mu.Lock()
	l.terminate = true
	l.mu.Unlock()
	l.cond.Signal()
}

// run drains events in FIFO order, promoting due timed events ahead of
// newer FIFO entries, until terminateLoop is called. onEvent runs without
// the loop's internal lock held, so it is free to enqueue further events.
func (l *eventLoop) run() {
	for {
		ev, ok := l.next()
		if !ok {
			return
		}
		l.onEvent(ev)
	}
}

// next pops the next eligible event, blocking up to idleWait if the queue
// is empty, and reports false once termination has been requested with
// nothing left to process.
func (l *eventLoop) next() (event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if due, ok := l.popDueTimedLocked(); ok {
			return due, true
		}
		if len(l.fifo) > 0 {
			ev := l.fifo[0]
			l.fifo = l.fifo[1:]
			return ev, true
		}
		if l.terminate {
			return event{}, false
		}
		l.waitLocked()
	}
}

func (l *eventLoop) popDueTimedLocked() (event, bool) {
	if l.timed.Len() == 0 {
		return event{}, false
	}
	if l.timed[0].ev.at.After(time.Now()) {
		return event{}, false
	}
	return heap.Pop(&l.timed).(timedEvent).ev, true
}

// waitLocked blocks on the condvar for at most idleWait, waking early if
// enqueue/enqueueAt/terminateLoop signal it. Unexported so tests interact
// only through enqueue/next.
func (l *eventLoop) waitLocked() {
	done := make(chan struct{})
	timer := time.AfterFunc(idleWait, func() {
		l.mu.Lock()
		close(done)
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		default:
		}
		// sync.Cond has no timeout primitive; the AfterFunc above closes
		// done and broadcasts to unblock this Wait once idleWait elapses.
		l.cond.Wait()
		select {
		case <-done:
			return
		default:
		}
		if len(l.fifo) > 0 || l.terminate {
			return
		}
		if l.timed.Len() > 0 && !l.timed[0].ev.at.After(time.Now()) {
			return
		}
	}
}

func (l *eventLoop) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fifo) + l.timed.Len()
}
