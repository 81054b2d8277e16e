// Package handlertest provides a scriptable fake handler.MysqlHandler for
// exercising OperationBase/ConnectOperation/FetchOperation without a real
// server, in the style of the teacher repo's plain-testing (no mocking
// framework) conventions.
package handlertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dbbouncer/asyncmy/internal/handler"
)

// Step scripts one handler verb's outcome. Most tests use Status: Done/Err
// for a same-call result. Scripting Status: Pending exercises the real
// Pending/Waiter continuation protocol: the fake connection's SetWaiter
// spawns a goroutine that calls the registered Waiter.Continue(), the same
// way a real handler resolves Pending work in the background and re-enters
// Actionable() on the owning EventLoop.
type Step struct {
	Status handler.Status
	Row    handler.Row
	HasRow bool
	Err    error
}

// Fake is a MysqlHandler whose verbs consume from a per-verb queue of
// scripted Steps. Calling a verb with an empty queue panics, which turns an
// under-scripted test into an immediate, loud failure.
type Fake struct {
	mu sync.Mutex

	ConnectSteps    []Step
	RunQuerySteps   []Step
	NextResultSteps []Step
	FetchRowSteps   []Step
	ResetSteps      []Step
	ChangeUserSteps []Step

	FieldCount int
	Result     handler.ResultMeta

	Killed  []uint32
	Closed  int

	// OnStepConsumed is invoked (if set) whenever a scripted step is consumed
	// so tests can drive a real Waiter the same way the production
	// goroutine-backed handler would.
	OnStepConsumed func()
}

// New returns an empty Fake; populate the *Steps slices before use.
func New() *Fake {
	return &Fake{Result: handler.ResultMeta{ApproxRowCount: -1}}
}

type fakeConn struct {
	mu      sync.Mutex
	id      uint32
	version string
	lastErr error
	waiter  handler.Waiter
}

func (c *fakeConn) FD() uintptr           { return 1 }
func (c *fakeConn) ConnectionID() uint32  { return c.id }
func (c *fakeConn) ServerVersion() string { return c.version }
func (c *fakeConn) LastError() error      { return c.lastErr }

// SetWaiter implements handler.WaiterSetter. It spawns a goroutine that
// calls w.Continue(), modeling how a real handler resolves Pending work on a
// background goroutine and re-enters the operation on its EventLoop.
func (c *fakeConn) SetWaiter(w handler.Waiter) {
	c.mu.Lock()
	c.waiter = w
	c.mu.Unlock()
	go w.Continue()
}

func pop(steps *[]Step) Step {
	if len(*steps) == 0 {
		panic("handlertest: verb called with no scripted step remaining")
	}
	s := (*steps)[0]
	*steps = (*steps)[1:]
	return s
}

func (f *Fake) consumed() {
	if f.OnStepConsumed != nil {
		f.OnStepConsumed()
	}
}

func (f *Fake) TryConnect(ctx context.Context, conn handler.InternalConnection, key handler.ConnectKey, opts handler.ConnectOptions, flags handler.ConnectFlags) (handler.InternalConnection, handler.Status) {
	f.mu.Lock()
	s := pop(&f.ConnectSteps)
	f.mu.Unlock()
	defer f.consumed()
	c, ok := conn.(*fakeConn)
	if !ok {
		c = &fakeConn{id: 42, version: "8.0.99-fake"}
	}
	c.lastErr = s.Err
	return c, s.Status
}

func (f *Fake) RunQuery(conn handler.InternalConnection, sql []byte) handler.Status {
	f.mu.Lock()
	s := pop(&f.RunQuerySteps)
	f.mu.Unlock()
	defer f.consumed()
	if s.Err != nil {
		conn.(*fakeConn).lastErr = s.Err
	}
	return s.Status
}

func (f *Fake) NextResult(conn handler.InternalConnection) handler.Status {
	f.mu.Lock()
	s := pop(&f.NextResultSteps)
	f.mu.Unlock()
	defer f.consumed()
	if s.Err != nil {
		conn.(*fakeConn).lastErr = s.Err
	}
	return s.Status
}

func (f *Fake) FetchRow(conn handler.InternalConnection) (handler.Row, bool, handler.Status) {
	f.mu.Lock()
	s := pop(&f.FetchRowSteps)
	f.mu.Unlock()
	defer f.consumed()
	if s.Err != nil {
		conn.(*fakeConn).lastErr = s.Err
	}
	return s.Row, s.HasRow, s.Status
}

func (f *Fake) GetFieldCount(conn handler.InternalConnection) int {
	return f.FieldCount
}

func (f *Fake) GetResult(conn handler.InternalConnection) handler.ResultMeta {
	return f.Result
}

func (f *Fake) ResetConn(conn handler.InternalConnection) handler.Status {
	f.mu.Lock()
	s := pop(&f.ResetSteps)
	f.mu.Unlock()
	defer f.consumed()
	return s.Status
}

func (f *Fake) ChangeUser(conn handler.InternalConnection, key handler.ConnectKey) handler.Status {
	f.mu.Lock()
	s := pop(&f.ChangeUserSteps)
	f.mu.Unlock()
	defer f.consumed()
	return s.Status
}

func (f *Fake) KillQuery(conn handler.InternalConnection, connectionID uint32) error {
	f.mu.Lock()
	f.Killed = append(f.Killed, connectionID)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close(conn handler.InternalConnection) error {
	f.mu.Lock()
	f.Closed++
	f.mu.Unlock()
	return nil
}

var _ handler.MysqlHandler = (*Fake)(nil)
var _ handler.WaiterSetter = (*fakeConn)(nil)

// ErrHandler is a convenience constructor for a handler.Error-ish sentinel
// used across tests.
func ErrHandler(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
