package asyncmy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/asyncmy/internal/eventloop"
)

// Specialization is the set of hooks OperationBase dispatches into
// (spec.md §4.1's "extension hooks"). ConnectOperation and FetchOperation
// each embed OperationBase and implement Specialization; Go has no
// virtual-inheritance, so the base holds a reference to the concrete
// Specialization instead of calling back through itself.
type Specialization interface {
	// SpecializedRun initializes resources and calls Actionable once. Runs
	// on the I/O thread.
	SpecializedRun()
	// Actionable invokes a handler verb and decides the next step. Runs on
	// the I/O thread, always as a direct or indirect result of SpecializedRun
	// or a timer/continuation firing.
	Actionable()
	// SpecializedCompleteOperation fires user callbacks and releases
	// operation-specific resources. Runs on the I/O thread, exactly once.
	SpecializedCompleteOperation(result OperationResult)
}

// OperationBase is the lifecycle state machine shared by every Operation
// (spec.md §4.1). It is always embedded by value in a concrete operation
// type, which must call Init with itself as the Specialization before Run.
type OperationBase struct {
	mu     sync.Mutex
	state  OperationState
	result OperationResult
	err    error

	loop eventloop.EventLoop
	conn *Connection
	spec Specialization

	timers []eventloop.TimeoutHandle

	doneCh chan struct{}

	cancelRequested atomic.Bool
}

// Init wires the embedding operation's Specialization and the Connection
// it runs against. Must be called before Run.
func (ob *OperationBase) Init(conn *Connection, spec Specialization) {
	ob.conn = conn
	ob.loop = conn.loop
	ob.spec = spec
	ob.doneCh = make(chan struct{})
}

// Loop exposes the owning EventLoop to the embedding operation.
func (ob *OperationBase) Loop() eventloop.EventLoop { return ob.loop }

// Conn exposes the owning Connection to the embedding operation.
func (ob *OperationBase) Conn() *Connection { return ob.conn }

// Run moves Unstarted -> Pending and posts SpecializedRun onto the I/O
// thread. A second call fails with InvalidStateError (spec.md §4.1).
func (ob *OperationBase) Run() error {
	ob.mu.Lock()
	if ob.state != Unstarted {
		state := ob.state
		ob.mu.Unlock()
		return &InvalidStateError{Op: "run", State: state}
	}
	ob.state = Pending
	ob.mu.Unlock()

	accepted := ob.loop.RunInThread(ob.spec.SpecializedRun)
	if !accepted {
		ob.CompleteOperation(Failed, &InitializationError{
			Code:    CodeInitializationFailed,
			Message: "event loop rejected run() task; loop is stopped",
		})
	}
	return nil
}

// Cancel requests cancellation. Safe from any thread (spec.md §4.1): it
// only flips a flag and, if currently Pending, moves to Cancelling. Actual
// completion happens later on the I/O thread once the embedding operation
// observes CancelRequested() at its next actionable() boundary and calls
// CompleteOperation(Cancelled, ...).
func (ob *OperationBase) Cancel() {
	ob.cancelRequested.Store(true)
	ob.mu.Lock()
	if ob.state == Pending {
		ob.state = Cancelling
	}
	ob.mu.Unlock()
}

// CancelRequested reports whether Cancel has been called. Specializations
// poll this at actionable() boundaries.
func (ob *OperationBase) CancelRequested() bool {
	return ob.cancelRequested.Load()
}

// Wait blocks the caller until the operation reaches Completed.
func (ob *OperationBase) Wait() {
	<-ob.doneCh
}

// MustSucceed blocks until Completed and panics with
// *RequiredOperationFailedError if the result isn't Succeeded — the Go
// analog of the spec's "throws" (spec.md §4.1), in the language's
// Must-prefix convention.
func (ob *OperationBase) MustSucceed() {
	ob.Wait()
	if r := ob.Result(); r != Succeeded {
		panic(&RequiredOperationFailedError{Result: r, Err: ob.Err()})
	}
}

// State returns the current OperationState.
func (ob *OperationBase) State() OperationState {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.state
}

// Result returns the OperationResult; only meaningful once State() ==
// Completed.
func (ob *OperationBase) Result() OperationResult {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.result
}

// Err returns the error snapshot associated with the completion, if any.
func (ob *OperationBase) Err() error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.err
}

// requireUnstarted is the shared guard for setters that spec.md restricts
// to the Unstarted window (ConnectionOptions fields, callbacks, ...).
func (ob *OperationBase) requireUnstarted(op string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if ob.state != Unstarted {
		return &InvalidStateError{Op: op, State: ob.state}
	}
	return nil
}

// ArmTimer schedules fn after d and tracks the handle so it's cancelled
// automatically on completion (invariant 2). Returns the handle so the
// caller can cancel it early (e.g. the TCP-handshake timer once the
// handshake finishes, spec.md §4.2).
func (ob *OperationBase) ArmTimer(d time.Duration, fn func()) eventloop.TimeoutHandle {
	h := ob.loop.ScheduleTimeout(d, fn)
	ob.mu.Lock()
	ob.timers = append(ob.timers, h)
	ob.mu.Unlock()
	return h
}

// CancelTimer cancels one previously armed timer early.
func (ob *OperationBase) CancelTimer(h eventloop.TimeoutHandle) {
	ob.loop.CancelTimeout(h)
	ob.mu.Lock()
	for i, cur := range ob.timers {
		if cur == h {
			ob.timers = append(ob.timers[:i], ob.timers[i+1:]...)
			break
		}
	}
	ob.mu.Unlock()
}

func (ob *OperationBase) cancelAllTimersLocked() {
	for _, h := range ob.timers {
		ob.loop.CancelTimeout(h)
	}
	ob.timers = nil
}

// CompleteOperation unregisters timers, transitions to Completed exactly
// once (P1), fires the specialization's completion hook, and wakes any
// Wait()ers. Must run on the I/O thread.
func (ob *OperationBase) CompleteOperation(result OperationResult, err error) {
	ob.mu.Lock()
	if ob.state == Completed {
		ob.mu.Unlock()
		return
	}
	ob.cancelAllTimersLocked()
	ob.state = Completed
	ob.result = result
	ob.err = err
	ob.mu.Unlock()

	ob.spec.SpecializedCompleteOperation(result)
	close(ob.doneCh)

	if ob.conn != nil {
		ob.conn.releaseActive(ob)
	}
}
