package ncm

import (
	"sync"
	"time"

	"github.com/golabusb/ncmhost/server/middleware/locker"
)

// encoderHandle is the subset of Encoder that the flush timer's deferred
// task needs. Keeping it as an interface (rather than a direct pointer to
// Encoder) is the "stable non-owning handle" the design notes (§9) call
// for: the timer never extends the encoder's lifetime and never reaches
// into its private fields.
type encoderHandle interface {
	FillTx(incoming *Frame) *NTB
	Flush() *NTB
	HasPending() bool
}

// FlushTimer is the deadline-based trigger of §4.4: a monotonic-clock,
// one-shot, 400us timer with a two-tick debounce before it forces a
// finalization.
type FlushTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	armed   bool
	pending int

	gate    *locker.Locker
	enc     encoderHandle
	deliver func(*NTB)
}

// NewFlushTimer constructs a FlushTimer bound to enc. deliver is called
// (off the timer goroutine's critical section) whenever a fire produces a
// finalized NTB, to hand it to the transport.
func NewFlushTimer(gate *locker.Locker, enc encoderHandle, deliver func(*NTB)) *FlushTimer {
	return &FlushTimer{gate: gate, enc: enc, deliver: deliver}
}

// Arm starts (or restarts) the one-shot timer with a fresh debounce count
// of 2, unless it is already armed. It is a no-op while the shutdown gate
// is engaged.
func (t *FlushTimer) Arm() {
	if t.gate.Locked() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		return
	}
	t.armed = true
	t.pending = 2
	t.schedule()
}

// schedule must be called with t.mu held.
func (t *FlushTimer) schedule() {
	if t.timer == nil {
		t.timer = time.AfterFunc(FlushDelay, t.onFire)
		return
	}
	t.timer.Reset(FlushDelay)
}

// Disarm stops the timer and clears debounce state. Called once a
// finalization has emitted an NTB, and also as part of shutdown (§5
// "callers must cancel the timer, drain the task").
func (t *FlushTimer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
	}
}

// onFire runs on the timer's own goroutine. It must not block (§5
// "the flush-timer callback must not block; it only schedules the
// deferred task") — in this single-process implementation the "deferred
// task" is simply this function running off the timer goroutine, never
// holding the encoder's lock across I/O.
func (t *FlushTimer) onFire() {
	if t.gate.Locked() {
		return
	}

	if ntb := t.enc.FillTx(nil); ntb != nil {
		t.mu.Lock()
		t.armed = false
		t.mu.Unlock()
		t.deliver(ntb)
		return
	}

	if !t.enc.HasPending() {
		t.mu.Lock()
		t.armed = false
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.pending--
	remaining := t.pending
	t.mu.Unlock()

	if remaining > 0 {
		if t.gate.Locked() {
			return
		}
		t.mu.Lock()
		t.schedule()
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.armed = false
	t.mu.Unlock()

	if ntb := t.enc.Flush(); ntb != nil {
		t.deliver(ntb)
	}
}
