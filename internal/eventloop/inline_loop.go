package eventloop

import "time"

// Inline is the synchronous EventLoop: RunInThread executes fn immediately
// in the calling goroutine, and an Operation's Wait returns at once, because
// by the time a caller could wait, the operation has already run to
// completion (spec.md §4.4). Handler verbs bound to an
// Inline loop must never return PENDING.
type Inline struct {
	delayMicrosAvg int64
}

// NewInline returns a loop whose RunInThread is a direct call.
func NewInline() *Inline {
	return &Inline{}
}

func (l *Inline) RunInThread(fn func()) bool {
	fn()
	return true
}

func (l *Inline) IsInThread() bool { return true }

func (l *Inline) CallbackDelayMicrosAvg() int64 { return l.delayMicrosAvg }

// ScheduleTimeout on the inline loop fires immediately only if d <= 0;
// otherwise it uses a plain timer, since nothing else is running
// concurrently to race with it (the inline driver has no concurrent
// handler verbs in flight — see MysqlHandler contract in SPEC_FULL.md).
func (l *Inline) ScheduleTimeout(d time.Duration, fn func()) TimeoutHandle {
	if d <= 0 {
		fn()
		return 0
	}
	timer := time.AfterFunc(d, fn)
	return TimeoutHandle(inlineTimers.add(timer))
}

func (l *Inline) CancelTimeout(h TimeoutHandle) {
	inlineTimers.cancel(uint64(h))
}

func (l *Inline) Stop() {}

// inlineTimers tracks timers armed by any Inline loop; Inline has no
// goroutine of its own to own timer bookkeeping, so it shares one table.
var inlineTimers = newTimerTable()
