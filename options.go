package asyncmy

import (
	"crypto/tls"
	"time"
)

// ChangeUserMode selects whether ConnectOperation should issue a
// changeUser verb instead of a fresh connect (spec.md §3).
type ChangeUserMode int

const (
	ChangeUserDisabled ChangeUserMode = iota
	ChangeUserEnabled
)

// CertValidationContext is handed to a CertValidationCallback. OperationPtr
// is populated when UseOperationPointerAsContext is set on
// ConnectionOptions; otherwise UserContext (whatever the caller supplied)
// is used, matching spec.md §3's "context + flag" description.
type CertValidationContext struct {
	OperationPtr *ConnectOperation
	UserContext  any
}

// CertValidationCallback validates a server certificate. Returning true
// means "accept"; the caller may also set *outError for diagnostics.
type CertValidationCallback func(cert []byte, ctx CertValidationContext, outError *string) bool

// SSLOptionsProvider supplies a *tls.Config for a connect attempt. Returning
// nil disables TLS for that attempt.
type SSLOptionsProvider func(key ConnectionKey) *tls.Config

// ConnectionOptions is the configuration record from spec.md §3. It may
// only be mutated while the owning operation is Unstarted (invariant 5);
// ConnectOperation's setters enforce that, except SetTimeout and
// SetTotalTimeout, which are also accepted after Run. This struct itself is a
// plain value.
type ConnectionOptions struct {
	// Timeout bounds a single connect attempt.
	Timeout time.Duration
	// TotalTimeout bounds all attempts combined.
	TotalTimeout time.Duration
	// QueryTimeout is the default applied to queries issued over the
	// resulting Connection (not to the connect itself).
	QueryTimeout time.Duration
	// ConnectTCPTimeout arms a separate per-attempt timer that is cancelled
	// only when TryConnect reports Done or Err, so it bounds the whole
	// connect dialogue, not only the TCP(+TLS) handshake; 0 disables it.
	ConnectTCPTimeout time.Duration
	// ConnectAttempts is the retry budget; must be >= 1.
	ConnectAttempts int

	// Password is carried here rather than on ConnectionKey so that logging
	// or comparing a ConnectionKey never risks leaking a credential
	// (ConnectionKey instead stores PasswordHash, key.go).
	Password string

	Attributes map[string]string

	// Compression names a codec ("zstd", "zlib", ...) or is empty to
	// disable compression.
	Compression string

	SSLOptionsProvider SSLOptionsProvider
	SNIServerName      string

	// DSCP is a 0-63 DiffServ code point applied to the socket, or -1 to
	// leave the platform default.
	DSCP int

	CertValidationCallback       CertValidationCallback
	UseOperationPointerAsContext bool
	UserContext                  any

	// OCSPStaple, when non-nil, is validated with golang.org/x/crypto/ocsp
	// before any user CertValidationCallback runs (SPEC_FULL.md §4.2).
	OCSPStaple       []byte
	OCSPIssuerCert   []byte

	ResetConnBeforeClose bool
	DelayedResetConn     bool
	ChangeUserMode       ChangeUserMode
}

// DefaultConnectionOptions mirrors the defaults a fresh ConnectOperation
// starts with before any setter runs.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		Timeout:           1 * time.Second,
		TotalTimeout:      5 * time.Second,
		QueryTimeout:      5 * time.Second,
		ConnectTCPTimeout: 0,
		ConnectAttempts:   1,
		DSCP:              -1,
	}
}
