package asyncmy

import (
	"fmt"
	"sync"
	"time"

	"github.com/dbbouncer/asyncmy/internal/eventloop"
	"github.com/dbbouncer/asyncmy/internal/handler"
)

// FetchNotifier receives the notifications spec.md §4.3 lists as
// "subclass-defined": Go has no subclassing, so a FetchOperation takes one
// of these instead. Every method runs on the I/O thread, synchronously,
// before the fetch machine may proceed — PauseForConsumer is only legal
// from inside one of these calls.
type FetchNotifier interface {
	NotifyInitQuery(fo *FetchOperation)
	NotifyRowsReady(fo *FetchOperation)
	NotifyQuerySuccess(fo *FetchOperation, hasMoreResults bool)
	NotifyFailure(fo *FetchOperation, result OperationResult)
	NotifyOperationCompleted(fo *FetchOperation, result OperationResult)
}

// NopFetchNotifier implements FetchNotifier with no-op methods; embed it
// and override only the notifications a caller actually cares about.
type NopFetchNotifier struct{}

func (NopFetchNotifier) NotifyInitQuery(*FetchOperation)                    {}
func (NopFetchNotifier) NotifyRowsReady(*FetchOperation)                    {}
func (NopFetchNotifier) NotifyQuerySuccess(*FetchOperation, bool)           {}
func (NopFetchNotifier) NotifyFailure(*FetchOperation, OperationResult)     {}
func (NopFetchNotifier) NotifyOperationCompleted(*FetchOperation, OperationResult) {}

var _ FetchNotifier = NopFetchNotifier{}

// FetchOperation drives one multi-statement query and exposes a stream of
// result sets through RowStream (spec.md §4.3). It embeds OperationBase and
// implements Specialization.
type FetchOperation struct {
	OperationBase

	mu       sync.Mutex
	sql      string
	notifier FetchNotifier

	queryTimeout    time.Duration
	queryTimeoutSet bool
	killOnCancel    bool
	queryTimer      eventloop.TimeoutHandle
	queryTimerSet   bool

	action       FetchAction
	pausedAction FetchAction
	paused       bool
	resumeGate   chan struct{}
	inNotify     bool

	cancelStarted bool
	finalResult   OperationResult
	errSnapshot   error

	stream             *RowStream
	numQueriesExecuted int
	currentMeta        handler.ResultMeta
	startedAt          time.Time
}

// NewFetchOperation creates a FetchOperation that will run sql (a single
// statement or a ';'-joined multi-statement string — the caller must have
// negotiated FlagMultiStatements on the Connection for the latter).
func NewFetchOperation(conn *Connection, sql string) *FetchOperation {
	fo := &FetchOperation{
		sql:      sql,
		notifier: NopFetchNotifier{},
		stream:   newRowStream(),
	}
	fo.OperationBase.Init(conn, fo)
	return fo
}

// SetNotifier installs the notification sink. Must be called before Run.
func (fo *FetchOperation) SetNotifier(n FetchNotifier) error {
	if err := fo.requireUnstarted("setNotifier"); err != nil {
		return err
	}
	if n == nil {
		n = NopFetchNotifier{}
	}
	fo.mu.Lock()
	fo.notifier = n
	fo.mu.Unlock()
	return nil
}

// SetQueryTimeout bounds the whole fetch (all statements combined). Zero
// disables the timer. A FetchOperation that never calls this falls back to
// its Connection's DefaultQueryTimeout, captured from the ConnectOperation
// that established the session (spec.md §3, §4.2).
func (fo *FetchOperation) SetQueryTimeout(d time.Duration) error {
	if err := fo.requireUnstarted("setQueryTimeout"); err != nil {
		return err
	}
	fo.mu.Lock()
	fo.queryTimeout = d
	fo.queryTimeoutSet = true
	fo.mu.Unlock()
	return nil
}

// EnableKillOnCancel makes Cancel best-effort issue KillQuery against the
// server in addition to locally abandoning the fetch (spec.md §4.3).
func (fo *FetchOperation) EnableKillOnCancel() error {
	if err := fo.requireUnstarted("enableKillOnCancel"); err != nil {
		return err
	}
	fo.mu.Lock()
	fo.killOnCancel = true
	fo.mu.Unlock()
	return nil
}

// Stream returns the RowStream consumers read rows from. Safe to call at
// any time; the data behind it is only safe to read under the access rule
// documented on RowStream.
func (fo *FetchOperation) Stream() *RowStream { return fo.stream }

// NumQueriesExecuted is the count of statements whose result set has been
// fully processed so far.
func (fo *FetchOperation) NumQueriesExecuted() int {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return fo.numQueriesExecuted
}

// CurrentQueryNum is NumQueriesExecuted()+1: the 1-based index, within this
// (possibly multi-statement) fetch, of the statement currently being
// processed (spec.md §4.3's numCurrentQuery). Once CompleteQuery has counted
// a statement (already inside its NotifyQuerySuccess, and after the last
// statement) it names the index that follows that statement.
func (fo *FetchOperation) CurrentQueryNum() int {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return fo.numQueriesExecuted + 1
}

// CurrentAffectedRows is the current statement's affected-row count
// (spec.md §4.3's currentAffectedRows), from the driver's ResultMeta.
func (fo *FetchOperation) CurrentAffectedRows() uint64 {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return fo.currentMeta.AffectedRows
}

// CurrentLastInsertID is the current statement's last-insert-id (spec.md
// §4.3's currentLastInsertId).
func (fo *FetchOperation) CurrentLastInsertID() uint64 {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return fo.currentMeta.LastInsertID
}

// CurrentRecvGTID is the GTID the server reported for the current statement,
// if any (spec.md §4.3's currentRecvGtid).
func (fo *FetchOperation) CurrentRecvGTID() string {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return fo.currentMeta.RecvGTID
}

// CurrentRespAttrs is the server response attributes for the current
// statement, if any (spec.md §4.3's currentRespAttrs).
func (fo *FetchOperation) CurrentRespAttrs() map[string]string {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return fo.currentMeta.RespAttrs
}

func (fo *FetchOperation) setCurrentMeta(meta handler.ResultMeta) {
	fo.mu.Lock()
	fo.currentMeta = meta
	fo.mu.Unlock()
}

// SpecializedRun implements Specialization.
func (fo *FetchOperation) SpecializedRun() {
	fo.startedAt = time.Now()
	if err := fo.Conn().acquireActive(&fo.OperationBase); err != nil {
		fo.finishWith(Failed, err)
		return
	}
	if !fo.queryTimeoutSet {
		fo.queryTimeout = fo.Conn().DefaultQueryTimeout()
	}
	if fo.queryTimeout > 0 {
		fo.queryTimer = fo.OperationBase.ArmTimer(fo.queryTimeout, fo.onQueryTimeout)
		fo.queryTimerSet = true
	}
	fo.action = StartQuery
	fo.Actionable()
}

// Actionable implements Specialization: it advances the fetch state machine
// until it must wait on a handler verb, a consumer pause, or completion
// (spec.md §4.3's table).
func (fo *FetchOperation) Actionable() {
	for {
		if fo.paused {
			return
		}
		if fo.CancelRequested() && !fo.cancelStarted && fo.action != CompleteOperation {
			fo.beginCancel(Cancelled)
		}

		var waiting bool
		switch fo.action {
		case StartQuery:
			waiting = fo.stepStartQuery()
		case InitFetch:
			waiting = fo.stepInitFetch()
		case Fetch:
			waiting = fo.stepFetch()
		case WaitForConsumer:
			return
		case CompleteQuery:
			waiting = fo.stepCompleteQuery()
		case CompleteOperation:
			fo.finishWith(fo.finalResult, fo.errSnapshot)
			return
		}
		if waiting {
			return
		}
	}
}

type fetchWaiter struct{ fo *FetchOperation }

func (w fetchWaiter) Continue() {
	w.fo.Loop().RunInThread(w.fo.Actionable)
}

func (fo *FetchOperation) stepStartQuery() (waiting bool) {
	if fo.numQueriesExecuted > 0 {
		// The multi-statement query was already sent once; a prior
		// CompleteQuery already confirmed another result set is queued.
		fo.action = InitFetch
		return false
	}

	ic := fo.Conn().InternalConn()
	status := fo.Conn().Handler().RunQuery(ic, []byte(fo.sql))
	switch status {
	case handler.Pending:
		handler.SetWaiter(ic, fetchWaiter{fo})
		return true
	case handler.Err:
		fo.beginFailure(ic.LastError())
		return false
	default: // Done
		fo.action = InitFetch
		return false
	}
}

func (fo *FetchOperation) stepInitFetch() (waiting bool) {
	ic := fo.Conn().InternalConn()
	h := fo.Conn().Handler()

	fieldCount := h.GetFieldCount(ic)
	meta := h.GetResult(ic)
	fo.stream.setFieldNames(meta.FieldNames)
	fo.setCurrentMeta(meta)

	fo.callNotify(func() { fo.notifier.NotifyInitQuery(fo) })

	if fieldCount == 0 {
		// A statement with no result set (INSERT/UPDATE/DDL).
		fo.stream.markFinished()
		fo.action = CompleteQuery
		return false
	}
	fo.action = Fetch
	return false
}

func (fo *FetchOperation) stepFetch() (waiting bool) {
	ic := fo.Conn().InternalConn()
	row, hasRow, status := fo.Conn().Handler().FetchRow(ic)
	switch status {
	case handler.Pending:
		handler.SetWaiter(ic, fetchWaiter{fo})
		return true
	case handler.Err:
		fo.beginFailure(ic.LastError())
		return false
	default: // Done
		if !hasRow {
			fo.stream.markFinished()
			fo.action = CompleteQuery
			return false
		}
		fo.stream.pushRow(row)
		fo.Conn().Stats.FetchRow(*fo.Conn().Key(), rowByteSize(row))
		fo.callNotify(func() { fo.notifier.NotifyRowsReady(fo) })
		// action stays Fetch unless the notify callback paused us or
		// redirected us via cancel; the outer loop re-enters this case.
		return false
	}
}

func (fo *FetchOperation) stepCompleteQuery() (waiting bool) {
	if fo.cancelStarted {
		fo.action = CompleteOperation
		return false
	}

	ic := fo.Conn().InternalConn()
	h := fo.Conn().Handler()
	status := h.NextResult(ic)
	switch status {
	case handler.Pending:
		handler.SetWaiter(ic, fetchWaiter{fo})
		return true
	case handler.Err:
		fo.beginFailure(ic.LastError())
		return false
	case handler.MoreResults:
		fo.setCurrentMeta(h.GetResult(ic))
		fo.numQueriesExecuted++
		fo.stream.resetForNextResultSet()
		fo.callNotify(func() { fo.notifier.NotifyQuerySuccess(fo, true) })
		fo.action = StartQuery
		return false
	default: // Done
		fo.setCurrentMeta(h.GetResult(ic))
		fo.numQueriesExecuted++
		fo.callNotify(func() { fo.notifier.NotifyQuerySuccess(fo, false) })
		fo.finalResult = Succeeded
		fo.action = CompleteOperation
		return false
	}
}

// callNotify runs fn with inNotify set, so PauseForConsumer can verify its
// precondition (spec.md §4.3: "only legal from inside a notify callback").
func (fo *FetchOperation) callNotify(fn func()) {
	fo.inNotify = true
	fn()
	fo.inNotify = false
}

func (fo *FetchOperation) beginFailure(err error) {
	fo.finalResult = Failed
	fo.errSnapshot = err
	fo.callNotify(func() { fo.notifier.NotifyFailure(fo, Failed) })
	fo.action = CompleteOperation
}

func (fo *FetchOperation) beginCancel(result OperationResult) {
	fo.cancelStarted = true
	fo.finalResult = result
	if result == TimedOut {
		fo.errSnapshot = fetchTimeoutError(fo)
	} else {
		fo.errSnapshot = &CancelledError{}
	}
	if fo.killOnCancel {
		go fo.killRunningQuery()
	}
	fo.callNotify(func() { fo.notifier.NotifyFailure(fo, result) })
	fo.action = CompleteQuery
}

func fetchTimeoutError(fo *FetchOperation) error {
	return &TimeoutError{
		Code:    CodeConnTimeout,
		Message: fmt.Sprintf("asyncmy: fetch on %s timed out after %s", fo.Conn().Key(), fo.queryTimeout),
	}
}

func (fo *FetchOperation) onQueryTimeout() {
	if fo.State() == Completed || fo.cancelStarted {
		return
	}
	fo.queryTimerSet = false
	fo.beginCancel(TimedOut)
	fo.Actionable()
}

// killRunningQuery issues a best-effort KillQuery against the server; any
// error is swallowed beyond a log line, matching the fire-and-forget
// semantics spec.md §4.3 describes for cancellation.
func (fo *FetchOperation) killRunningQuery() {
	ic := fo.Conn().InternalConn()
	if ic == nil {
		return
	}
	if err := fo.Conn().Handler().KillQuery(ic, ic.ConnectionID()); err != nil {
		fo.Conn().Log.Warn("kill on cancel failed", "key", fo.Conn().Key().String(), "err", err)
	}
}

// PauseForConsumer stops the fetch machine from issuing any further handler
// verb until Resume is called. Legal only from inside a FetchNotifier
// callback (spec.md §4.3, P5).
func (fo *FetchOperation) PauseForConsumer() error {
	if !fo.inNotify {
		return fmt.Errorf("asyncmy: PauseForConsumer is only legal inside a FetchNotifier callback")
	}
	fo.pausedAction = fo.action
	fo.action = WaitForConsumer
	fo.paused = true
	fo.mu.Lock()
	fo.resumeGate = make(chan struct{})
	fo.mu.Unlock()
	return nil
}

// Resume restores the paused action and re-enters the fetch machine on the
// I/O thread. Safe to call from any goroutine.
func (fo *FetchOperation) Resume() {
	fo.Loop().RunInThread(func() {
		if !fo.paused {
			return
		}
		fo.paused = false
		fo.action = fo.pausedAction
		gate := fo.resumeGate
		if gate != nil {
			close(gate)
		}
		fo.Actionable()
	})
}

// WaitPaused blocks the calling goroutine (a consumer goroutine, not the I/O
// thread that ran the notifier which called PauseForConsumer) until the
// matching Resume takes effect. Purely a convenience for consumer code; the
// I/O thread never calls this.
func (fo *FetchOperation) WaitPaused() {
	fo.mu.Lock()
	gate := fo.resumeGate
	fo.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

// Cancel requests cancellation (spec.md §4.3, P8: cancellation always wins).
// Thread-safe; the actual CompleteQuery/CompleteOperation transition happens
// on the I/O thread at the next actionable() boundary.
func (fo *FetchOperation) Cancel() {
	fo.OperationBase.Cancel()
}

// SpecializedCompleteOperation implements Specialization.
func (fo *FetchOperation) SpecializedCompleteOperation(result OperationResult) {
	if fo.queryTimerSet {
		fo.OperationBase.CancelTimer(fo.queryTimer)
		fo.queryTimerSet = false
	}
	fo.Conn().Stats.FetchCompleted(*fo.Conn().Key(), fo.numQueriesExecuted, result, time.Since(fo.startedAt))
	fo.callNotify(func() { fo.notifier.NotifyOperationCompleted(fo, result) })
}

func (fo *FetchOperation) finishWith(result OperationResult, err error) {
	fo.finalResult = result
	fo.errSnapshot = err
	fo.OperationBase.CompleteOperation(result, err)
}

var _ Specialization = (*FetchOperation)(nil)
