package asyncmy

import (
	"testing"

	"github.com/dbbouncer/asyncmy/internal/eventloop"
	"github.com/dbbouncer/asyncmy/internal/handler/handlertest"
)

// noopSpec is a minimal Specialization for exercising OperationBase on its
// own, independent of ConnectOperation/FetchOperation.
type noopSpec struct {
	OperationBase
	ran       int
	completed OperationResult
}

func (s *noopSpec) SpecializedRun()                                { s.ran++; s.CompleteOperation(Succeeded, nil) }
func (s *noopSpec) Actionable()                                    {}
func (s *noopSpec) SpecializedCompleteOperation(r OperationResult) { s.completed = r }

func newTestConn() *Connection {
	return New(eventloop.NewInline(), handlertest.New(), ConnectionKey{Host: "127.0.0.1", Port: 3306})
}

func TestOperationBaseRunOnceAndCompletes(t *testing.T) {
	s := &noopSpec{}
	s.Init(newTestConn(), s)

	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s.Wait()

	if s.State() != Completed {
		t.Fatalf("State() = %s, want Completed", s.State())
	}
	if s.Result() != Succeeded {
		t.Fatalf("Result() = %s, want Succeeded", s.Result())
	}
	if s.ran != 1 {
		t.Fatalf("SpecializedRun called %d times, want 1", s.ran)
	}
	if s.completed != Succeeded {
		t.Fatalf("SpecializedCompleteOperation saw %s, want Succeeded", s.completed)
	}
}

func TestOperationBaseRunTwiceFails(t *testing.T) {
	s := &noopSpec{}
	s.Init(newTestConn(), s)
	if err := s.Run(); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	s.Wait()

	err := s.Run()
	if err == nil {
		t.Fatal("second Run() should have failed")
	}
	var invalid *InvalidStateError
	if _, ok := err.(*InvalidStateError); !ok {
		t.Fatalf("err = %T, want *InvalidStateError (%v)", err, invalid)
	}
}

func TestOperationBaseMustSucceedPanicsOnFailure(t *testing.T) {
	s := &noopSpec{}
	conn := newTestConn()
	s.Init(conn, s)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("MustSucceed should have panicked")
		}
	}()

	// Drive completion with a Failed result directly, bypassing Run/Actionable.
	s.CompleteOperation(Failed, &HandlerError{Message: "boom"})
	s.MustSucceed()
}

func TestCompleteOperationIsIdempotent(t *testing.T) {
	s := &noopSpec{}
	s.Init(newTestConn(), s)

	s.CompleteOperation(Succeeded, nil)
	s.CompleteOperation(Failed, &HandlerError{Message: "should be ignored"})

	if s.Result() != Succeeded {
		t.Fatalf("Result() = %s, want Succeeded (second completion must be ignored)", s.Result())
	}
}

func TestConnectionAcquireActiveEnforcesInvariant1(t *testing.T) {
	conn := newTestConn()
	var ob1, ob2 OperationBase
	ob1.Init(conn, &noopSpec{})
	ob2.Init(conn, &noopSpec{})

	if err := conn.acquireActive(&ob1); err != nil {
		t.Fatalf("first acquireActive: %v", err)
	}
	if err := conn.acquireActive(&ob2); err == nil {
		t.Fatal("second acquireActive should fail while ob1 is active")
	}
	conn.releaseActive(&ob1)
	if err := conn.acquireActive(&ob2); err != nil {
		t.Fatalf("acquireActive after release: %v", err)
	}
}
