package session

import (
	"time"

	"code.cloudfoundry.org/clock"
)

// Aggregator batches shell output. Each sub-threshold chunk restarts the
// flush timer, so a batch is emitted once output has been quiet for the
// flush interval, or immediately once the buffer reaches the threshold.
//
// It is not safe for concurrent use; the session loop owns it and selects
// on C to learn when the timer fires.
type Aggregator struct {
	clock     clock.Clock
	interval  time.Duration
	threshold int
	emit      func([]byte)

	buf   []byte
	timer clock.Timer
}

func NewAggregator(clk clock.Clock, interval time.Duration, threshold int, emit func([]byte)) *Aggregator {
	return &Aggregator{
		clock:     clk,
		interval:  interval,
		threshold: threshold,
		emit:      emit,
	}
}

// Append adds chunk to the buffer and either flushes or reschedules.
func (a *Aggregator) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.buf = append(a.buf, chunk...)
	if len(a.buf) >= a.threshold {
		a.Flush()
		return
	}
	a.stopTimer()
	a.timer = a.clock.NewTimer(a.interval)
}

// C fires when the pending flush is due. It is nil while nothing is
// scheduled, which blocks forever in a select.
func (a *Aggregator) C() <-chan time.Time {
	if a.timer == nil {
		return nil
	}
	return a.timer.C()
}

// Flush emits the buffer as one batch if it is non-empty and clears the
// timer either way. The emitted slice is handed off, not reused.
func (a *Aggregator) Flush() {
	a.stopTimer()
	if len(a.buf) == 0 {
		return
	}
	batch := a.buf
	a.buf = nil
	a.emit(batch)
}

// Pending returns the number of buffered bytes.
func (a *Aggregator) Pending() int {
	return len(a.buf)
}

// Scheduled reports whether a flush timer is armed.
func (a *Aggregator) Scheduled() bool {
	return a.timer != nil
}

func (a *Aggregator) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
