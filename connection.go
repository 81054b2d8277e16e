package asyncmy

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/dbbouncer/asyncmy/internal/eventloop"
	"github.com/dbbouncer/asyncmy/internal/handler"
)

// Connection hosts at most one active Operation at a time (invariant 1) and
// owns the MysqlHandler/EventLoop linkage an Operation needs. The only
// difference between an "asynchronous" and a "synchronous" Connection is
// which eventloop.EventLoop it was built with (spec.md §4.4) — every other
// field and method is shared.
type Connection struct {
	loop eventloop.EventLoop
	h    handler.MysqlHandler

	Stats StatsSink
	Log   Logger

	mu        sync.Mutex
	key       *ConnectionKey
	internal  handler.InternalConnection
	activeOp  *OperationBase
	tlsState  *tls.ConnectionState
	serverVer string

	defaultQueryTimeout time.Duration
	resetBeforeClose    bool
	delayedResetConn    bool
}

// New builds a Connection bound to loop and h. key may be the zero value
// until a ConnectOperation populates it.
func New(loop eventloop.EventLoop, h handler.MysqlHandler, key ConnectionKey) *Connection {
	return &Connection{
		loop:  loop,
		h:     h,
		key:   InternKey(key),
		Stats: NopStatsSink{},
		Log:   NewSlogLogger(nil),
	}
}

// Loop returns the owning EventLoop.
func (c *Connection) Loop() eventloop.EventLoop { return c.loop }

// Handler returns the bound MysqlHandler.
func (c *Connection) Handler() handler.MysqlHandler { return c.h }

// Key returns the connection's identity.
func (c *Connection) Key() *ConnectionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// setKey lets ConnectOperation finalize the key once connect options are
// known (host/port may only be fully resolved at run()-time in some
// callers); it does not change identity for a key already in use.
func (c *Connection) setKey(k *ConnectionKey) {
	c.mu.Lock()
	c.key = k
	c.mu.Unlock()
}

// InternalConn returns the live protocol handle, or nil before any
// successful connect.
func (c *Connection) InternalConn() handler.InternalConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internal
}

func (c *Connection) setInternalConn(ic handler.InternalConnection) {
	c.mu.Lock()
	c.internal = ic
	c.mu.Unlock()
}

// ServerVersion is populated once a ConnectOperation completes Succeeded.
func (c *Connection) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVer
}

func (c *Connection) setServerVersion(v string) {
	c.mu.Lock()
	c.serverVer = v
	c.mu.Unlock()
}

// TLSState returns the stored TLS session, if any (completion side-effect
// of a successful ConnectOperation, spec.md §4.2).
func (c *Connection) TLSState() *tls.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsState
}

func (c *Connection) setTLSState(s *tls.ConnectionState) {
	c.mu.Lock()
	c.tlsState = s
	c.mu.Unlock()
}

// DefaultQueryTimeout is the queryTimeout captured from the ConnectOperation
// that established this Connection's session (spec.md §3: "queryTimeout
// (default for subsequent queries)"). A FetchOperation that never calls
// SetQueryTimeout itself falls back to this value.
func (c *Connection) DefaultQueryTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultQueryTimeout
}

func (c *Connection) setDefaultQueryTimeout(d time.Duration) {
	c.mu.Lock()
	c.defaultQueryTimeout = d
	c.mu.Unlock()
}

func (c *Connection) setResetConnBehavior(resetBeforeClose, delayed bool) {
	c.mu.Lock()
	c.resetBeforeClose = resetBeforeClose
	c.delayedResetConn = delayed
	c.mu.Unlock()
}

// acquireActive enforces invariant 1: at most one active Operation per
// Connection. Returns an error if another operation is already active.
func (c *Connection) acquireActive(ob *OperationBase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeOp != nil && c.activeOp != ob {
		return fmt.Errorf("asyncmy: connection %s already has an active operation", c.key)
	}
	c.activeOp = ob
	return nil
}

// releaseActive drops the "active connection" reference on completion
// (spec.md §4.1 step 5). Safe to call even if ob was never the active one.
func (c *Connection) releaseActive(ob *OperationBase) {
	c.mu.Lock()
	if c.activeOp == ob {
		c.activeOp = nil
	}
	c.mu.Unlock()
}

// HasActiveOperation reports whether some Operation currently owns this
// Connection.
func (c *Connection) HasActiveOperation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeOp != nil
}

// Close performs any configured pre-close teardown (ResetConn, per
// enableResetConnBeforeClose/enableDelayedResetConn, spec.md §3/§4.2) and
// then releases the underlying handler connection, if any. It does not
// check for an active operation; callers are responsible for ensuring no
// Operation is still running (mirrors the teacher's explicit-Close
// convention, e.g. internal/pool.PooledConn.Close).
func (c *Connection) Close() error {
	ic := c.InternalConn()
	if ic == nil {
		return nil
	}
	c.mu.Lock()
	resetWanted := c.resetBeforeClose || c.delayedResetConn
	c.mu.Unlock()
	if resetWanted {
		// Without connection pooling there is no later reuse point to defer
		// to (spec.md Non-goals exclude pooling), so delayedResetConn
		// resolves to the same teardown-time reset as resetBeforeClose.
		if status := c.h.ResetConn(ic); status == handler.Err {
			c.Log.Warn("reset-before-close failed", "key", c.key.String(), "err", ic.LastError())
		}
	}
	return c.h.Close(ic)
}
