package asyncmy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dbbouncer/asyncmy/internal/eventloop"
	"github.com/dbbouncer/asyncmy/internal/handler"
	"github.com/dbbouncer/asyncmy/internal/handler/handlertest"
)

func newConnWithFake() (*Connection, *handlertest.Fake) {
	f := handlertest.New()
	conn := New(eventloop.NewInline(), f, ConnectionKey{Host: "db1", Port: 3306, User: "root"})
	return conn, f
}

func TestConnectOperationSucceedsFirstAttempt(t *testing.T) {
	conn, f := newConnWithFake()
	f.ConnectSteps = []handlertest.Step{{Status: handler.Done}}

	co := NewConnectOperation(conn, *conn.Key())
	var called *ConnectOperation
	co.SetCallback(func(op *ConnectOperation) { called = op })

	if err := co.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	co.Wait()

	if co.State() != Completed {
		t.Fatalf("State() = %s, want Completed", co.State())
	}
	if co.Result() != Succeeded {
		t.Fatalf("Result() = %s, want Succeeded (err=%v)", co.Result(), co.Err())
	}
	if called != co {
		t.Fatal("callback was not invoked with the operation")
	}
	if conn.ServerVersion() != "8.0.99-fake" {
		t.Fatalf("ServerVersion() = %q", conn.ServerVersion())
	}
	if conn.HasActiveOperation() {
		t.Fatal("connection should have no active operation once the connect completes")
	}
}

func TestConnectOperationRetriesThenSucceeds(t *testing.T) {
	conn, f := newConnWithFake()
	f.ConnectSteps = []handlertest.Step{
		{Status: handler.Err, Err: errors.New("connection refused")},
		{Status: handler.Err, Err: errors.New("connection refused")},
		{Status: handler.Done},
	}

	co := NewConnectOperation(conn, *conn.Key())
	opts := DefaultConnectionOptions()
	opts.ConnectAttempts = 3
	co.SetConnectionOptions(opts)

	if err := co.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	co.Wait()

	if co.Result() != Succeeded {
		t.Fatalf("Result() = %s, want Succeeded (err=%v)", co.Result(), co.Err())
	}
	if len(f.ConnectSteps) != 0 {
		t.Fatalf("%d scripted connect steps left unconsumed", len(f.ConnectSteps))
	}
}

func TestConnectOperationExhaustsAttemptsAndFails(t *testing.T) {
	conn, f := newConnWithFake()
	f.ConnectSteps = []handlertest.Step{
		{Status: handler.Err, Err: errors.New("connection refused")},
		{Status: handler.Err, Err: errors.New("connection refused")},
	}

	co := NewConnectOperation(conn, *conn.Key())
	opts := DefaultConnectionOptions()
	opts.ConnectAttempts = 2
	co.SetConnectionOptions(opts)

	if err := co.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	co.Wait()

	if co.Result() != Failed {
		t.Fatalf("Result() = %s, want Failed", co.Result())
	}
	var herr *HandlerError
	if !errors.As(co.Err(), &herr) {
		t.Fatalf("Err() = %T, want *HandlerError", co.Err())
	}
}

func TestConnectOperationCancelBeforeRunNeverCallsHandler(t *testing.T) {
	conn, f := newConnWithFake()
	// No scripted ConnectSteps: TryConnect must never be called.

	co := NewConnectOperation(conn, *conn.Key())
	co.Cancel()

	if err := co.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	co.Wait()

	if co.Result() != Cancelled {
		t.Fatalf("Result() = %s, want Cancelled", co.Result())
	}
	var cerr *CancelledError
	if !errors.As(co.Err(), &cerr) {
		t.Fatalf("Err() = %T, want *CancelledError", co.Err())
	}
	if len(f.ConnectSteps) != 0 {
		t.Fatal("TryConnect must not be called once cancellation is observed")
	}
}

func TestConnectOperationSecondRunFails(t *testing.T) {
	conn, _ := newConnWithFake()
	co := NewConnectOperation(conn, *conn.Key())
	if err := co.SetConnectAttempts(1); err != nil {
		t.Fatalf("SetConnectAttempts: %v", err)
	}
	if err := co.SetTimeout(time.Second); err != nil {
		t.Fatalf("SetTimeout: %v", err)
	}
	co.Cancel()
	if err := co.Run(); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	co.Wait()

	if err := co.Run(); err == nil {
		t.Fatal("second Run() should fail once the operation has completed")
	}
}

func TestBuildTimeoutErrorFormat(t *testing.T) {
	conn, _ := newConnWithFake()
	co := NewConnectOperation(conn, ConnectionKey{Host: "db1", Port: 3306})
	opts := DefaultConnectionOptions()
	opts.Timeout = 250 * time.Millisecond
	opts.TotalTimeout = 0
	co.SetConnectionOptions(opts)
	co.startedAt = time.Now().Add(-300 * time.Millisecond)

	err := co.buildTimeoutError(false)

	if err.Code != CodeConnTimeout {
		t.Fatalf("Code = %s, want %s", err.Code, CodeConnTimeout)
	}
	if err.TCPHandshake {
		t.Fatal("TCPHandshake should be false for an attempt-level timeout")
	}
	const want = "(TcpTimeout:0)"
	if got := err.Message; got == "" || !strings.Contains(got, want) {
		t.Fatalf("Message = %q, want it to contain %q", got, want)
	}
	if !strings.Contains(err.Message, "timed out") {
		t.Fatalf("Message = %q, want it to mention timing out", err.Message)
	}
}

func TestConnectOperationPendingResumesOnAsyncLoop(t *testing.T) {
	f := handlertest.New()
	loop := eventloop.NewAsync(0)
	defer loop.Stop()
	conn := New(loop, f, ConnectionKey{Host: "db1", Port: 3306, User: "root"})
	f.ConnectSteps = []handlertest.Step{{Status: handler.Pending}, {Status: handler.Done}}

	co := NewConnectOperation(conn, *conn.Key())
	if err := co.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	co.Wait()

	if co.Result() != Succeeded {
		t.Fatalf("Result() = %s, want Succeeded (err=%v)", co.Result(), co.Err())
	}
	if len(f.ConnectSteps) != 0 {
		t.Fatalf("%d scripted connect steps left unconsumed", len(f.ConnectSteps))
	}
}

func TestConnectOperationChangeUserDrivesHandlerChangeUser(t *testing.T) {
	conn, f := newConnWithFake()
	f.ConnectSteps = []handlertest.Step{{Status: handler.Done}}
	mustSucceed(t, NewConnectOperation(conn, *conn.Key()))

	f.ChangeUserSteps = []handlertest.Step{{Status: handler.Done}}
	co := NewConnectOperation(conn, ConnectionKey{Host: "db1", Port: 3306, User: "other"})
	if err := co.EnableChangeUser(); err != nil {
		t.Fatalf("EnableChangeUser: %v", err)
	}
	if err := co.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	co.Wait()

	if co.Result() != Succeeded {
		t.Fatalf("Result() = %s, want Succeeded (err=%v)", co.Result(), co.Err())
	}
	if len(f.ConnectSteps) != 0 {
		t.Fatal("changeUser must not call TryConnect")
	}
	if len(f.ChangeUserSteps) != 0 {
		t.Fatal("Handler().ChangeUser was not invoked")
	}
}

func TestConnectOperationChangeUserWithoutPriorConnectFails(t *testing.T) {
	conn, _ := newConnWithFake()
	co := NewConnectOperation(conn, *conn.Key())
	if err := co.EnableChangeUser(); err != nil {
		t.Fatalf("EnableChangeUser: %v", err)
	}
	if err := co.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	co.Wait()

	if co.Result() != Failed {
		t.Fatalf("Result() = %s, want Failed", co.Result())
	}
}

func TestConnectOperationTransfersDefaultsOntoConnection(t *testing.T) {
	conn, f := newConnWithFake()
	f.ConnectSteps = []handlertest.Step{{Status: handler.Done}}

	co := NewConnectOperation(conn, *conn.Key())
	opts := DefaultConnectionOptions()
	opts.QueryTimeout = 5 * time.Second
	opts.ResetConnBeforeClose = true
	co.SetConnectionOptions(opts)

	if err := co.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	co.Wait()

	if co.Result() != Succeeded {
		t.Fatalf("Result() = %s, want Succeeded (err=%v)", co.Result(), co.Err())
	}
	if conn.DefaultQueryTimeout() != 5*time.Second {
		t.Fatalf("DefaultQueryTimeout() = %s, want 5s", conn.DefaultQueryTimeout())
	}
	if conn.Key().String() == "" {
		t.Fatal("setKey should have run, leaving a non-empty key")
	}

	f.ResetSteps = []handlertest.Step{{Status: handler.Done}}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(f.ResetSteps) != 0 {
		t.Fatal("Close should have called ResetConn since ResetConnBeforeClose was requested")
	}
	if f.Closed != 1 {
		t.Fatalf("Closed = %d, want 1", f.Closed)
	}
}

func TestConnectOperationDefaultFlagsIncludeMultiStatements(t *testing.T) {
	conn, _ := newConnWithFake()
	co := NewConnectOperation(conn, *conn.Key())
	if co.flags&handler.FlagMultiStatements == 0 {
		t.Fatal("default flags must include FlagMultiStatements")
	}
}

func mustSucceed(t *testing.T, co *ConnectOperation) {
	t.Helper()
	if err := co.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	co.Wait()
	if co.Result() != Succeeded {
		t.Fatalf("Result() = %s, want Succeeded (err=%v)", co.Result(), co.Err())
	}
}

func TestBuildTimeoutErrorTCPStage(t *testing.T) {
	conn, _ := newConnWithFake()
	co := NewConnectOperation(conn, ConnectionKey{Host: "db1", Port: 3306})
	opts := DefaultConnectionOptions()
	opts.ConnectTCPTimeout = 100 * time.Millisecond
	co.SetConnectionOptions(opts)
	co.startedAt = time.Now().Add(-150 * time.Millisecond)

	err := co.buildTimeoutError(true)

	if !err.TCPHandshake {
		t.Fatal("TCPHandshake should be true")
	}
	if !strings.Contains(err.Message, "at stage tcp_connect") {
		t.Fatalf("Message = %q, want it to name the tcp_connect stage", err.Message)
	}
	if !strings.Contains(err.Message, "(TcpTimeout:1)") {
		t.Fatalf("Message = %q, want (TcpTimeout:1)", err.Message)
	}
}
