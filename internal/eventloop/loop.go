// Package eventloop models the I/O thread that drives an Operation's state
// machine. Two implementations satisfy the same interface: Async runs a
// dedicated goroutine that drains a work queue (the "event-driven" driver);
// Inline runs every task in the caller's own goroutine (the "sync" driver).
// Operations never know which one they're bound to.
package eventloop

import "time"

// Direction is the socket readiness a handler verb asked to wait on.
type Direction int

const (
	Readable Direction = iota
	Writable
)

// TimeoutHandle identifies an armed timeout so it can be cancelled.
type TimeoutHandle uint64

// EventLoop schedules work onto the I/O thread and arms/cancels timeouts.
// Socket-descriptor registration in the original design is replaced here by
// the concrete handler posting its own completion back via RunInThread —
// see package doc and SPEC_FULL.md §1.
type EventLoop interface {
	// RunInThread posts fn to run on the I/O thread. Returns false if the
	// loop has been stopped and the task was not accepted.
	RunInThread(fn func()) bool

	// IsInThread reports whether the calling goroutine is the I/O thread.
	IsInThread() bool

	// CallbackDelayMicrosAvg is the moving average, in microseconds, of how
	// long queued tasks wait before running. Used to attribute a fired
	// timeout to "loop stalled" vs. a genuine slow server (spec.md §4.2).
	CallbackDelayMicrosAvg() int64

	// ScheduleTimeout arms a timeout that invokes fn on the I/O thread
	// after d elapses, unless cancelled first. Returns a handle for
	// CancelTimeout.
	ScheduleTimeout(d time.Duration, fn func()) TimeoutHandle

	// CancelTimeout disarms a previously scheduled timeout. Safe to call
	// after it has already fired or been cancelled.
	CancelTimeout(h TimeoutHandle)

	// Stop drains pending work and stops the loop. Tasks posted after Stop
	// returns false from RunInThread.
	Stop()
}
