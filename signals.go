package scheduler

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// signalBridge mirrors the C scheduler's async-signal-safe handler: Go
// forbids doing real work inside a signal handler, so the handler's only
// job is to set bits in an atomic mask; the event loop drains the mask
// between events (spec §4.B). golang.org/x/sys/unix defines the same
// signal numbers used here; we stay on os/signal + syscall because the
// notify channel, not a raw handler, is what actually needs portability.
type signalBridge struct {
	mask atomic.Uint64
	ch   chan os.Signal
	stop chan struct{}
}

const (
	bitSIGTERM uint64 = 1 << iota
	bitSIGINT
	bitSIGHUP
	bitSIGALRM
	bitSIGCHLD
	bitSIGQUIT
)

func newSignalBridge() *signalBridge {
	return &signalBridge{
		ch:   make(chan os.Signal, 16),
		stop: make(chan struct{}),
	}
}

// start begins forwarding the scheduler's handled signals into the bridge's
// bitmask. Multiple deliveries of the same signal before a drain coalesce
// into one bit, matching the C scheduler's coalescing behavior (spec §4.B,
// §8 seed test 5).
func (b *signalBridge) start() {
	signal.Notify(b.ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGALRM, syscall.SIGCHLD, syscall.SIGQUIT)
	go func() {
		for {
			select {
			case sig := <-b.ch:
				b.mask.Or(bitFor(sig))
			case <-b.stop:
				return
			}
		}
	}()
}

func (b *signalBridge) close() {
	signal.Stop(b.ch)
	close(b.stop)
}

// drain atomically reads and clears the pending signal bits, returning
// which ones fired since the last drain.
func (b *signalBridge) drain() uint64 {
	return b.mask.Swap(0)
}

func bitFor(sig os.Signal) uint64 {
	switch sig {
	case syscall.SIGTERM:
		return bitSIGTERM
	case syscall.SIGINT:
		return bitSIGINT
	case syscall.SIGHUP:
		return bitSIGHUP
	case syscall.SIGALRM:
		return bitSIGALRM
	case syscall.SIGCHLD:
		return bitSIGCHLD
	case syscall.SIGQUIT:
		return bitSIGQUIT
	default:
		return 0
	}
}
