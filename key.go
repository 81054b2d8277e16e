package asyncmy

import (
	"fmt"
	"sync"
)

// ConnectionKey is the immutable identity of a MySQL connection target
// (spec.md §3). Two keys are equal iff every field is equal. Callers share
// it by reference; after construction nothing mutates it.
type ConnectionKey struct {
	Host           string
	Port           int
	UnixSocketPath string
	User           string
	Database       string
	// PasswordHash replaces a raw password in the identity so logging a key
	// never leaks a credential; Connect still needs the real password,
	// carried separately on ConnectionOptions.
	PasswordHash string
	Extra        string
}

func (k ConnectionKey) String() string {
	if k.UnixSocketPath != "" {
		return fmt.Sprintf("%s@unix(%s)/%s", k.User, k.UnixSocketPath, k.Database)
	}
	return fmt.Sprintf("%s@%s:%d/%s", k.User, k.Host, k.Port, k.Database)
}

// keyInternTable deduplicates ConnectionKey values so callers constructing
// "the same" key independently end up sharing one *ConnectionKey, the way
// the teacher's router.Router shares one read-only snapshot across many
// readers via atomic.Value (internal/router/router.go). Reads are
// lock-free; writes (a miss) serialize on mu, matching that pattern.
type keyInternTable struct {
	mu    sync.Mutex
	table sync.Map // ConnectionKey -> *ConnectionKey
}

var globalKeyIntern keyInternTable

// InternKey returns a shared *ConnectionKey equal to k, creating one on
// first sight. Safe for concurrent use.
func InternKey(k ConnectionKey) *ConnectionKey {
	if v, ok := globalKeyIntern.table.Load(k); ok {
		return v.(*ConnectionKey)
	}
	globalKeyIntern.mu.Lock()
	defer globalKeyIntern.mu.Unlock()
	if v, ok := globalKeyIntern.table.Load(k); ok {
		return v.(*ConnectionKey)
	}
	kp := new(ConnectionKey)
	*kp = k
	globalKeyIntern.table.Store(k, kp)
	return kp
}
