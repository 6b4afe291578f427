package handoff

import "sync/atomic"

// Latch is a one-shot flag. Only the first Fire returns true.
type Latch struct {
	fired atomic.Bool
}

// Fire trips the latch.
//
// Postcondition: Returns true for exactly one caller over the latch's lifetime.
func (l *Latch) Fire() bool {
	return l.fired.CompareAndSwap(false, true)
}

// Fired reports whether the latch has been tripped.
func (l *Latch) Fired() bool {
	return l.fired.Load()
}
