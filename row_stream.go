package asyncmy

import (
	"sync"

	"github.com/dbbouncer/asyncmy/internal/handler"
)

// RowStream owns one FetchOperation's current result set: field metadata
// plus at most one prefetched row (spec.md §4.2's "EphemeralRow"). It is
// moved, not copied, with the owning FetchOperation's lifetime.
//
// Access is only safe from the I/O thread, or from a consumer goroutine
// while the owning FetchOperation is in WaitForConsumer, or after it has
// Completed (spec.md §4.3's isStreamAccessAllowed) — the mutex here guards
// against misuse, not against expected contention; in the steady state it
// is never held by two goroutines at once.
type RowStream struct {
	mu sync.Mutex

	fieldNames    []string
	current       handler.Row
	hasCurrent    bool
	numRowsSeen   int
	resultBytes   int
	queryFinished bool
}

func newRowStream() *RowStream {
	return &RowStream{}
}

func (rs *RowStream) setFieldNames(names []string) {
	rs.mu.Lock()
	rs.fieldNames = names
	rs.mu.Unlock()
}

// FieldNames returns the current result set's column names.
func (rs *RowStream) FieldNames() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.fieldNames
}

func (rs *RowStream) pushRow(row handler.Row) {
	rs.mu.Lock()
	rs.current = row
	rs.hasCurrent = true
	rs.numRowsSeen++
	rs.resultBytes += rowByteSize(row)
	rs.mu.Unlock()
}

func rowByteSize(row handler.Row) int {
	n := 0
	for _, v := range row.Values {
		n += len(v.AsString)
	}
	return n
}

// NextRow pops the prefetched row, if any. A consumer calls this from
// notifyRowsReady (on the I/O thread) or during WaitForConsumer.
func (rs *RowStream) NextRow() (handler.Row, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.hasCurrent {
		return handler.Row{}, false
	}
	row := rs.current
	rs.hasCurrent = false
	rs.current = handler.Row{}
	return row, true
}

// NumRowsSeen is the running count of rows delivered so far in the current
// result set.
func (rs *RowStream) NumRowsSeen() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.numRowsSeen
}

// ResultBytes is a best-effort count of row payload bytes seen so far (no
// protocol/metadata overhead included), per spec.md §4.3.
func (rs *RowStream) ResultBytes() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.resultBytes
}

// QueryFinished reports whether the current result set has been fully
// fetched (no more rows pending).
func (rs *RowStream) QueryFinished() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.queryFinished
}

func (rs *RowStream) resetForNextResultSet() {
	rs.mu.Lock()
	rs.fieldNames = nil
	rs.current = handler.Row{}
	rs.hasCurrent = false
	rs.numRowsSeen = 0
	rs.resultBytes = 0
	rs.queryFinished = false
	rs.mu.Unlock()
}

func (rs *RowStream) markFinished() {
	rs.mu.Lock()
	rs.queryFinished = true
	rs.mu.Unlock()
}
