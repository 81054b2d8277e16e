// Package handler defines MysqlHandler, the non-blocking protocol verb set
// that OperationBase's state machines drive (spec.md §6), plus the concrete
// implementation backed by github.com/go-mysql-org/go-mysql.
package handler

import (
	"context"
	"crypto/tls"
)

// Status is the outcome of one MysqlHandler verb call.
type Status int

const (
	// Pending means the verb was issued but has not completed; the caller
	// must re-enter actionable() once the handler signals completion.
	Pending Status = iota
	// Done means the verb completed successfully.
	Done
	// Err means the verb failed; call (InternalConnection).LastError.
	Err
	// MoreResults is returned only by NextResult: another result set
	// follows in the current multi-statement query.
	MoreResults
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Done:
		return "DONE"
	case Err:
		return "ERROR"
	case MoreResults:
		return "MORE_RESULTS"
	default:
		return "UNKNOWN"
	}
}

// ConnectFlags are MySQL client capability flags requested at connect time.
type ConnectFlags uint32

const (
	FlagMultiStatements ConnectFlags = 1 << iota
	FlagCompress
	FlagFoundRows
)

// ConnectKey identifies the server/credentials/database to connect to. It
// mirrors asyncmy.ConnectionKey but the handler package must not import the
// root package (which imports handler), so it takes a minimal projection.
type ConnectKey struct {
	Host           string
	Port           int
	UnixSocketPath string
	User           string
	Password       string
	Database       string
}

// ConnectOptions carries handler-level connect tuning that isn't part of
// the identity key: attributes, compression, TLS, SNI, DSCP.
type ConnectOptions struct {
	Attributes    map[string]string
	CompressionOK bool
	TLSConfig     *tls.Config
	SNIServerName string
	DSCP          int // -1 means unset
}

// FieldValue is one column of one row. Decoding into typed Go values is a
// caller concern (SPEC_FULL.md Non-goals); this is the raw driver value.
type FieldValue struct {
	Name     string
	IsNull   bool
	AsString []byte
}

// Row is one fetched row: a raw value per field, in field order.
type Row struct {
	Values []FieldValue
}

// ResultMeta carries per-statement accounting the fetch machine surfaces to
// its caller (spec.md §4.3's numQueriesExecuted/currentAffectedRows/etc).
type ResultMeta struct {
	FieldNames      []string
	AffectedRows    uint64
	LastInsertID    uint64
	HasMoreResults  bool
	RecvGTID        string
	RespAttrs       map[string]string
	ApproxRowCount  int // -1 when unknown ahead of fetch
}

// InternalConnection is the opaque per-connection state MysqlHandler verbs
// operate on. The concrete handler implementation defines what it actually
// is; callers only ever pass it back to the same handler.
type InternalConnection interface {
	// FD returns a descriptor suitable for registering readiness interest.
	// Implementations backed by a real net.Conn return its file descriptor
	// equivalent; the value is opaque to everything except the EventLoop
	// glue, which never dereferences it, only keys timers/bookkeeping by it.
	FD() uintptr
	// ConnectionID is the server-assigned id, used for KillQuery.
	ConnectionID() uint32
	// ServerVersion is populated once TryConnect reaches Done.
	ServerVersion() string
	// LastError is the snapshot of the most recent handler error.
	LastError() error
}

// MysqlHandler is the non-blocking verb set OperationBase drives. Every verb
// returns quickly: Pending means a background goroutine is working and will
// post the continuation back onto the owning EventLoop; Done/Err mean the
// call has already fully resolved (always true for the inline/sync driver).
type MysqlHandler interface {
	// TryConnect issues or continues a connect attempt. conn is nil on the
	// first call for an attempt; a caller observing Pending must pass the
	// same InternalConnection back on the next call instead of treating it
	// as a retry, mirroring a non-blocking connect API's continuation
	// convention (spec.md §4.2).
	TryConnect(ctx context.Context, conn InternalConnection, key ConnectKey, opts ConnectOptions, flags ConnectFlags) (InternalConnection, Status)
	RunQuery(conn InternalConnection, sql []byte) Status
	NextResult(conn InternalConnection) Status
	FetchRow(conn InternalConnection) (Row, bool, Status) // row, hasRow, status
	GetFieldCount(conn InternalConnection) int
	GetResult(conn InternalConnection) ResultMeta
	ResetConn(conn InternalConnection) Status
	ChangeUser(conn InternalConnection, key ConnectKey) Status
	KillQuery(conn InternalConnection, connectionID uint32) error
	Close(conn InternalConnection) error
}

// Waiter lets a concrete handler tell its owning Operation how to resume
// once a Pending verb's background work finishes. Operations install one
// through the handler's SetWaiter right after a verb returns Pending.
type Waiter interface {
	// Continue is called from the handler's background goroutine; it must
	// post back onto the I/O thread itself (handlers never call actionable
	// directly from a foreign goroutine).
	Continue()
}

// WaiterSetter is implemented by concrete InternalConnection types that
// support the Pending/Waiter continuation protocol. Both the production
// driver's connection type and test fakes implement it.
type WaiterSetter interface {
	SetWaiter(w Waiter)
}

// SetWaiter installs w as ic's continuation callback, if ic supports the
// protocol; a no-op otherwise. Operations call this immediately after a verb
// returns Pending.
func SetWaiter(ic InternalConnection, w Waiter) {
	if ws, ok := ic.(WaiterSetter); ok {
		ws.SetWaiter(w)
	}
}
