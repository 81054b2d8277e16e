package asyncmy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/dbbouncer/asyncmy/internal/certbridge"
	"github.com/dbbouncer/asyncmy/internal/eventloop"
	"github.com/dbbouncer/asyncmy/internal/handler"
)

// stallThresholdMicros is the callback-delay threshold above which a
// timeout is attributed to a stalled event loop rather than a slow server
// (spec.md §4.2, SPEC_FULL.md §5).
const stallThresholdMicros = 50_000

// certHandles bridges ConnectOperation pointers to the user's
// CertValidationCallback the way spec.md §9 describes: a weak handle,
// upgraded per invocation, that fails validation safely on a miss instead
// of ever resurrecting a dead operation.
var certHandles = certbridge.NewTable[ConnectOperation]()

// activeConnectAttempts counts ConnectOperations currently between their
// first attempt and completion, across the whole process. It feeds the
// "N active conns" diagnostic in a timeout's error message; it is not a
// pooling mechanism (spec.md Non-goals still exclude pooling).
var activeConnectAttempts atomic.Int64

// ConnectCallback is invoked once, on the I/O thread, when a ConnectOperation
// completes (spec.md §4.2).
type ConnectCallback func(*ConnectOperation)

// ConnectOperation establishes a Connection's underlying handler session. It
// embeds OperationBase and implements Specialization (spec.md §4.1, §4.2).
type ConnectOperation struct {
	OperationBase

	mu    sync.Mutex
	opts  ConnectionOptions
	key   ConnectionKey
	flags handler.ConnectFlags

	callback ConnectCallback

	startedAt    time.Time
	attemptsMade int

	pendingConn handler.InternalConnection

	attemptTimer     eventloop.TimeoutHandle
	attemptTimerSet  bool
	tcpTimer         eventloop.TimeoutHandle
	tcpTimerSet      bool
	tcpHandshakeDone bool

	errSnapshot error

	certHandle    certbridge.Handle
	certHandleSet bool

	countedActive bool
}

// NewConnectOperation creates a ConnectOperation for key, using conn's
// EventLoop/MysqlHandler. Callers must not call Run more than once and must
// not mutate the returned value's setters once Run has been called, except
// SetTimeout/SetTotalTimeout (spec.md §4.2).
func NewConnectOperation(conn *Connection, key ConnectionKey) *ConnectOperation {
	co := &ConnectOperation{
		opts: DefaultConnectionOptions(),
		key:  key,
		// CLIENT_MULTI_STATEMENTS is always negotiated (spec.md §4.2
		// Actionable: "flags=CLIENT_MULTI_STATEMENTS | caller-supplied");
		// it isn't an opt-in capability a caller can forget to request.
		flags: handler.FlagMultiStatements,
	}
	co.OperationBase.Init(conn, co)
	return co
}

// SetConnectionOptions replaces the whole options record. Must be called
// before Run.
func (co *ConnectOperation) SetConnectionOptions(opts ConnectionOptions) error {
	if err := co.requireUnstarted("setConnectionOptions"); err != nil {
		return err
	}
	co.mu.Lock()
	co.opts = opts
	co.mu.Unlock()
	return nil
}

// SetCallback installs the completion callback. Must be called before Run.
func (co *ConnectOperation) SetCallback(cb ConnectCallback) error {
	if err := co.requireUnstarted("setCallback"); err != nil {
		return err
	}
	co.mu.Lock()
	co.callback = cb
	co.mu.Unlock()
	return nil
}

// SetSSLOptionsProvider installs the per-attempt TLS config source.
func (co *ConnectOperation) SetSSLOptionsProvider(p SSLOptionsProvider) error {
	if err := co.requireUnstarted("setSSLOptionsProvider"); err != nil {
		return err
	}
	co.mu.Lock()
	co.opts.SSLOptionsProvider = p
	co.mu.Unlock()
	return nil
}

// SetConnectAttempts sets the retry budget; values below 1 are treated as 1.
func (co *ConnectOperation) SetConnectAttempts(n int) error {
	if err := co.requireUnstarted("setConnectAttempts"); err != nil {
		return err
	}
	if n < 1 {
		n = 1
	}
	co.mu.Lock()
	co.opts.ConnectAttempts = n
	co.mu.Unlock()
	return nil
}

// SetTimeout sets the per-attempt timeout. Unlike most setters this is also
// permitted after Run; when called while an attempt is outstanding it
// re-arms the current attempt's timer for the new duration counted from the
// time of the call, not from the attempt's start, capped to what remains of
// the total budget (spec.md §4.2).
func (co *ConnectOperation) SetTimeout(d time.Duration) error {
	co.mu.Lock()
	co.opts.Timeout = d
	co.mu.Unlock()
	co.rearmIfRunning()
	return nil
}

// SetTotalTimeout sets the all-attempts-combined timeout. Also permitted
// after Run, with the same live-recompute behavior as SetTimeout.
func (co *ConnectOperation) SetTotalTimeout(d time.Duration) error {
	co.mu.Lock()
	co.opts.TotalTimeout = d
	co.mu.Unlock()
	co.rearmIfRunning()
	return nil
}

// rearmIfRunning recomputes and re-arms the current attempt's timer after a
// live SetTimeout/SetTotalTimeout call, capping the per-attempt duration to
// whatever total budget remains (the Open Question this module resolves by
// capping at arm-time, SPEC_FULL.md §4.2).
func (co *ConnectOperation) rearmIfRunning() {
	if co.State() != Pending {
		return
	}
	co.mu.Lock()
	if co.attemptTimerSet {
		co.OperationBase.CancelTimer(co.attemptTimer)
		co.attemptTimerSet = false
	}
	d := co.effectiveAttemptTimeoutLocked()
	co.mu.Unlock()
	co.armAttemptTimer(d)
}

// SetTcpTimeout arms a separate timer at the start of each attempt. The timer
// is cancelled only when TryConnect reports Done or Err, so it bounds the
// whole connect dialogue of the attempt, not only its TCP(+TLS) handshake.
func (co *ConnectOperation) SetTcpTimeout(d time.Duration) error {
	if err := co.requireUnstarted("setTcpTimeout"); err != nil {
		return err
	}
	co.mu.Lock()
	co.opts.ConnectTCPTimeout = d
	co.mu.Unlock()
	return nil
}

// SetSniServerName sets the TLS ServerName sent during the handshake.
func (co *ConnectOperation) SetSniServerName(s string) error {
	if err := co.requireUnstarted("setSniServerName"); err != nil {
		return err
	}
	co.mu.Lock()
	co.opts.SNIServerName = s
	co.mu.Unlock()
	return nil
}

// SetDscp sets the DiffServ code point applied to the socket.
func (co *ConnectOperation) SetDscp(d int) error {
	if err := co.requireUnstarted("setDscp"); err != nil {
		return err
	}
	co.mu.Lock()
	co.opts.DSCP = d
	co.mu.Unlock()
	return nil
}

// EnableMultiStatements is kept for API symmetry with the other Enable*
// setters; CLIENT_MULTI_STATEMENTS is negotiated by default (spec.md §4.2),
// so calling this is a no-op other than re-confirming the flag is set.
func (co *ConnectOperation) EnableMultiStatements() error {
	if err := co.requireUnstarted("enableMultiStatements"); err != nil {
		return err
	}
	co.mu.Lock()
	co.flags |= handler.FlagMultiStatements
	co.mu.Unlock()
	return nil
}

// SetCertValidationCallback installs a custom server-certificate validator.
func (co *ConnectOperation) SetCertValidationCallback(cb CertValidationCallback) error {
	if err := co.requireUnstarted("setCertValidationCallback"); err != nil {
		return err
	}
	co.mu.Lock()
	co.opts.CertValidationCallback = cb
	co.mu.Unlock()
	return nil
}

// EnableResetConnBeforeClose requests a COM_RESET_CONNECTION on Connection
// teardown rather than just closing the socket.
func (co *ConnectOperation) EnableResetConnBeforeClose() error {
	if err := co.requireUnstarted("enableResetConnBeforeClose"); err != nil {
		return err
	}
	co.mu.Lock()
	co.opts.ResetConnBeforeClose = true
	co.mu.Unlock()
	return nil
}

// EnableDelayedResetConn requests a COM_RESET_CONNECTION on Connection
// teardown. Connection.Close issues it at teardown, exactly as for
// EnableResetConnBeforeClose; the reset is not deferred to a later reuse.
func (co *ConnectOperation) EnableDelayedResetConn() error {
	if err := co.requireUnstarted("enableDelayedResetConn"); err != nil {
		return err
	}
	co.mu.Lock()
	co.opts.DelayedResetConn = true
	co.mu.Unlock()
	return nil
}

// EnableChangeUser makes this ConnectOperation issue changeUser against an
// already-open Connection instead of establishing a fresh session.
func (co *ConnectOperation) EnableChangeUser() error {
	if err := co.requireUnstarted("enableChangeUser"); err != nil {
		return err
	}
	co.mu.Lock()
	co.opts.ChangeUserMode = ChangeUserEnabled
	co.mu.Unlock()
	return nil
}

// Key returns the target ConnectionKey.
func (co *ConnectOperation) Key() ConnectionKey {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.key
}

func (co *ConnectOperation) optsSnapshot() ConnectionOptions {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.opts
}

// SpecializedRun implements Specialization.
func (co *ConnectOperation) SpecializedRun() {
	co.startedAt = time.Now()
	activeConnectAttempts.Add(1)
	co.countedActive = true
	co.beginAttempt()
}

// beginAttempt applies per-attempt options, arms the TCP-handshake and
// per-attempt timers, and issues the first TryConnect for the attempt
// (spec.md §4.2 steps 1-4).
func (co *ConnectOperation) beginAttempt() {
	if err := co.Conn().acquireActive(&co.OperationBase); err != nil {
		co.CompleteOperation(Failed, err)
		return
	}

	opts := co.optsSnapshot()
	co.Conn().Stats.ConnectAttempt(co.key, co.attemptsMade+1)

	if opts.ChangeUserMode == ChangeUserEnabled {
		// changeUser reuses the existing session's socket; there is no new
		// TCP/TLS handshake to bound or certificate to validate.
		co.tcpHandshakeDone = true
	} else {
		if opts.CertValidationCallback != nil && !co.certHandleSet {
			co.certHandle = certHandles.Register(co)
			co.certHandleSet = true
		}
		if tcp := opts.ConnectTCPTimeout; tcp > 0 {
			co.tcpHandshakeDone = false
			co.armTCPTimer(tcp)
		}
	}
	co.armAttemptTimer(co.effectiveAttemptTimeout(opts))

	co.Actionable()
}

// effectiveAttemptTimeout caps opts.Timeout to whatever remains of
// opts.TotalTimeout, resolving the Open Question in spec.md §9: the cap is
// applied fresh every time a timer is armed, not just once at Run.
func (co *ConnectOperation) effectiveAttemptTimeout(opts ConnectionOptions) time.Duration {
	d := opts.Timeout
	if opts.TotalTimeout > 0 {
		remaining := opts.TotalTimeout - time.Since(co.startedAt)
		if remaining < 0 {
			remaining = 0
		}
		if remaining < d {
			d = remaining
		}
	}
	return d
}

func (co *ConnectOperation) effectiveAttemptTimeoutLocked() time.Duration {
	return co.effectiveAttemptTimeout(co.opts)
}

func (co *ConnectOperation) armAttemptTimer(d time.Duration) {
	co.mu.Lock()
	co.attemptTimer = co.OperationBase.ArmTimer(d, co.onAttemptTimeout)
	co.attemptTimerSet = true
	co.mu.Unlock()
}

func (co *ConnectOperation) armTCPTimer(d time.Duration) {
	co.mu.Lock()
	co.tcpTimer = co.OperationBase.ArmTimer(d, co.onTCPTimeout)
	co.tcpTimerSet = true
	co.mu.Unlock()
}

func (co *ConnectOperation) cancelAttemptTimer() {
	co.mu.Lock()
	if co.attemptTimerSet {
		co.OperationBase.CancelTimer(co.attemptTimer)
		co.attemptTimerSet = false
	}
	co.mu.Unlock()
}

func (co *ConnectOperation) cancelTCPTimer() {
	co.mu.Lock()
	if co.tcpTimerSet {
		co.OperationBase.CancelTimer(co.tcpTimer)
		co.tcpTimerSet = false
	}
	co.mu.Unlock()
}

// Actionable implements Specialization: it drives TryConnect to completion,
// one non-blocking call per invocation (spec.md §4.2).
func (co *ConnectOperation) Actionable() {
	if co.CancelRequested() {
		co.errSnapshot = &CancelledError{}
		co.attemptFailed(Cancelled)
		return
	}

	opts := co.optsSnapshot()
	if opts.ChangeUserMode == ChangeUserEnabled {
		co.actionableChangeUser()
		return
	}

	hopts := co.handlerOptions(opts)
	hflags := co.flags

	ic, status := co.Conn().Handler().TryConnect(context.Background(), co.pendingConn, co.toHandlerKey(), hopts, hflags)
	co.pendingConn = ic

	switch status {
	case handler.Pending:
		handler.SetWaiter(ic, connWaiter{co})
	case handler.Err:
		co.tcpHandshakeDone = true // handshake is no longer the open question; it's a hard failure
		co.errSnapshot = &HandlerError{Message: ic.LastError().Error()}
		co.attemptFailed(Failed)
	case handler.Done:
		co.tcpHandshakeDone = true
		co.cancelTCPTimer()
		co.attemptSucceeded()
	}
}

// actionableChangeUser drives changeUser against the Connection's existing
// session instead of establishing a fresh one (spec.md §3 enableChangeUser,
// §4.2). It requires the Connection to already carry a live InternalConnection
// from a prior successful ConnectOperation.
func (co *ConnectOperation) actionableChangeUser() {
	ic := co.Conn().InternalConn()
	if ic == nil {
		co.errSnapshot = fmt.Errorf("asyncmy: enableChangeUser requires an already-connected Connection")
		co.attemptFailed(Failed)
		return
	}
	co.pendingConn = ic

	status := co.Conn().Handler().ChangeUser(ic, co.toHandlerKey())
	switch status {
	case handler.Pending:
		handler.SetWaiter(ic, connWaiter{co})
	case handler.Err:
		co.errSnapshot = &HandlerError{Message: ic.LastError().Error()}
		co.attemptFailed(Failed)
	default: // handler.Done
		co.attemptSucceeded()
	}
}

// connWaiter re-enters Actionable on the I/O thread once the handler's
// background goroutine resolves a Pending TryConnect.
type connWaiter struct{ co *ConnectOperation }

func (w connWaiter) Continue() {
	w.co.Loop().RunInThread(w.co.Actionable)
}

func (co *ConnectOperation) toHandlerKey() handler.ConnectKey {
	return handler.ConnectKey{
		Host:           co.key.Host,
		Port:           co.key.Port,
		UnixSocketPath: co.key.UnixSocketPath,
		User:           co.key.User,
		Password:       co.optsSnapshot().Password,
		Database:       co.key.Database,
	}
}

func (co *ConnectOperation) handlerOptions(opts ConnectionOptions) handler.ConnectOptions {
	var tlsCfg *tls.Config
	if opts.SSLOptionsProvider != nil {
		tlsCfg = opts.SSLOptionsProvider(co.key)
	}
	if tlsCfg != nil {
		cfg := tlsCfg.Clone()
		cfg.VerifyPeerCertificate = co.verifyPeerCertificate
		tlsCfg = cfg
	}
	if opts.Compression != "" {
		co.flags |= handler.FlagCompress
	}
	return handler.ConnectOptions{
		Attributes:    opts.Attributes,
		CompressionOK: opts.Compression != "",
		TLSConfig:     tlsCfg,
		SNIServerName: opts.SNIServerName,
		DSCP:          opts.DSCP,
	}
}

// verifyPeerCertificate is installed as crypto/tls.Config.VerifyPeerCertificate
// on every attempt whose SSLOptionsProvider returns a TLS config; it adds
// nothing unless an OCSP staple or a CertValidationCallback is configured
// (spec.md §4.2, SPEC_FULL.md §4.2). crypto/tls still performs its own chain
// verification; this only adds the extra checks the spec layers on top.
func (co *ConnectOperation) verifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	opts := co.optsSnapshot()

	if len(opts.OCSPStaple) > 0 && len(rawCerts) > 0 {
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("asyncmy: parsing leaf certificate for OCSP: %w", err)
		}
		var issuer *x509.Certificate
		if len(opts.OCSPIssuerCert) > 0 {
			issuer, err = x509.ParseCertificate(opts.OCSPIssuerCert)
			if err != nil {
				return fmt.Errorf("asyncmy: parsing OCSP issuer certificate: %w", err)
			}
		} else if len(rawCerts) > 1 {
			issuer, _ = x509.ParseCertificate(rawCerts[1])
		}
		if issuer == nil {
			return fmt.Errorf("asyncmy: OCSP staple present but no issuer certificate available")
		}
		resp, err := ocsp.ParseResponseForCert(opts.OCSPStaple, leaf, issuer)
		if err != nil {
			return fmt.Errorf("asyncmy: parsing OCSP staple: %w", err)
		}
		if resp.Status != ocsp.Good {
			return fmt.Errorf("asyncmy: OCSP staple reports non-good status %d", resp.Status)
		}
	}

	if opts.CertValidationCallback == nil {
		return nil
	}
	if len(rawCerts) == 0 {
		return fmt.Errorf("asyncmy: cert validation callback configured but no certificate presented")
	}

	resolved, ok := certHandles.Resolve(co.certHandle)
	if !ok {
		return fmt.Errorf("asyncmy: connect operation no longer reachable; failing certificate validation")
	}

	ctx := CertValidationContext{UserContext: opts.UserContext}
	if opts.UseOperationPointerAsContext {
		ctx.OperationPtr = resolved
	}
	var outErr string
	if !opts.CertValidationCallback(rawCerts[0], ctx, &outErr) {
		if outErr == "" {
			outErr = "rejected by certificate validation callback"
		}
		return fmt.Errorf("asyncmy: %s", outErr)
	}
	return nil
}

func (co *ConnectOperation) onAttemptTimeout() {
	if co.State() == Completed {
		return
	}
	co.attemptTimerSet = false
	co.errSnapshot = co.buildTimeoutError(false)
	co.attemptFailed(TimedOut)
}

func (co *ConnectOperation) onTCPTimeout() {
	if co.State() == Completed || co.tcpHandshakeDone {
		return
	}
	co.tcpTimerSet = false
	co.errSnapshot = co.buildTimeoutError(true)
	co.attemptFailed(TimedOut)
}

// buildTimeoutError renders the stable timeout message spec.md §4.2
// specifies: "[CODE](Mysql Client) Connect to host:port timed out [at stage
// STAGE] (took Nms, timeout was Nms) [(CLIENT_OVERLOADED: ...)] (TcpTimeout:0|1)".
func (co *ConnectOperation) buildTimeoutError(tcpHandshake bool) *TimeoutError {
	opts := co.optsSnapshot()
	elapsed := time.Since(co.startedAt)

	timeoutMs := opts.Timeout.Milliseconds()
	stagePart := ""
	tcpFlag := 0
	if tcpHandshake {
		stagePart = " at stage tcp_connect"
		timeoutMs = opts.ConnectTCPTimeout.Milliseconds()
		tcpFlag = 1
	}

	code := CodeConnTimeout
	overloadPart := ""
	if avg := co.Loop().CallbackDelayMicrosAvg(); avg >= stallThresholdMicros {
		code = CodeConnTimeoutLoopStalled
		overloadPart = fmt.Sprintf(" (CLIENT_OVERLOADED: cb delay %dms, %d active conns)",
			avg/1000, activeConnectAttempts.Load())
	}

	msg := fmt.Sprintf("[%s](Mysql Client) Connect to %s:%d timed out%s (took %dms, timeout was %dms)%s (TcpTimeout:%d)",
		code, co.key.Host, co.key.Port, stagePart, elapsed.Milliseconds(), timeoutMs, overloadPart, tcpFlag)

	return &TimeoutError{Code: code, Message: msg, TCPHandshake: tcpHandshake}
}

// attemptFailed accounts a failed attempt and either retries (rearming both
// timers and re-issuing TryConnect) or completes the operation, depending on
// the attempt budget and remaining total timeout (spec.md §4.2).
func (co *ConnectOperation) attemptFailed(result OperationResult) {
	co.attemptsMade++
	co.cancelAttemptTimer()
	co.cancelTCPTimer()

	if co.pendingConn != nil {
		co.Conn().Handler().Close(co.pendingConn)
		co.pendingConn = nil
	}

	opts := co.optsSnapshot()
	elapsed := time.Since(co.startedAt)
	overTotal := opts.TotalTimeout > 0 && elapsed >= opts.TotalTimeout
	exhausted := co.attemptsMade >= opts.ConnectAttempts

	co.Conn().Stats.ConnectFailed(co.key, co.attemptsMade, result, elapsed)

	if result == Cancelled || exhausted || overTotal {
		co.CompleteOperation(result, co.errSnapshot)
		return
	}

	co.Conn().Log.Warn("connect attempt failed, retrying",
		"key", co.key.String(), "attempt", co.attemptsMade, "err", co.errSnapshot)

	co.beginAttempt()
}

// tlsStateProvider is implemented by an InternalConnection that can report
// the TLS session negotiated during connect (handler.GoMySQL's conn type).
type tlsStateProvider interface {
	TLSConnectionState() (tls.ConnectionState, bool)
}

// attemptSucceeded records completion side-effects (TLS state, server
// version, key, reset/query-timeout defaults transferred onto the surviving
// Connection, spec.md §4.2) and finishes the operation.
func (co *ConnectOperation) attemptSucceeded() {
	co.attemptsMade++
	conn := co.Conn()
	opts := co.optsSnapshot()

	conn.setInternalConn(co.pendingConn)
	conn.setServerVersion(co.pendingConn.ServerVersion())
	conn.setKey(InternKey(co.key))
	conn.setDefaultQueryTimeout(opts.QueryTimeout)
	conn.setResetConnBehavior(opts.ResetConnBeforeClose, opts.DelayedResetConn)

	if tsp, ok := co.pendingConn.(tlsStateProvider); ok {
		if st, ok2 := tsp.TLSConnectionState(); ok2 {
			conn.setTLSState(&st)
		}
	}

	conn.Stats.ConnectSucceeded(co.key, co.attemptsMade, time.Since(co.startedAt))
	co.CompleteOperation(Succeeded, nil)
}

// SpecializedCompleteOperation implements Specialization: it fires the
// user callback and releases per-operation resources (spec.md §4.1 step 5).
func (co *ConnectOperation) SpecializedCompleteOperation(result OperationResult) {
	if co.certHandleSet {
		certHandles.Unregister(co.certHandle)
	}
	if co.countedActive {
		activeConnectAttempts.Add(-1)
		co.countedActive = false
	}
	if co.callback != nil {
		co.callback(co)
	}
}

var _ Specialization = (*ConnectOperation)(nil)
