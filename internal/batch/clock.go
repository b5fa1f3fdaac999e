package batch

import "time"

// Timer is the stoppable handle behind a pending flush.
type Timer interface {
	Stop() bool
}

// Clock arms flush timers. The real implementation wraps time.AfterFunc;
// tests substitute a fake so debouncing is deterministic.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
