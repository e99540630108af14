// Package executor implements the cooperative single-producer
// executor of spec.md C10: a bounded collection of pinned futures,
// polled in reverse order, with a cheap bit-flag Waker and a deadlock
// panic when every remaining future is asleep.
//
// Grounded on biscuit's poll-loop shape in its network/driver code
// (the "call poll, inspect the tri-state result, requeue on Pending"
// idiom biscuit's net stack uses without a generic Future type) —
// generalised here into an explicit Future interface that any
// asynchronous code can implement, unlike biscuit's ad hoc poll loops.
package executor

import "sync/atomic"

// Status is a future's poll result.
type Status int

const (
	Pending Status = iota
	Ready
)

// Future is a single step of cooperative work; Poll is called with a
// Waker the future should retain and invoke once it becomes runnable
// again.
type Future interface {
	Poll(w *Waker) Status
}

// Waker is the cheap bit-flag handle spec.md §4.9 describes: waking
// just sets a bit; Executor.Poll consults it next time it walks the
// list.
type Waker struct {
	awake atomic.Bool
}

func newWaker() *Waker {
	w := &Waker{}
	w.awake.Store(true) // every future starts awake so it gets polled at least once
	return w
}

func (w *Waker) Wake() { w.awake.Store(true) }

// Executor holds a bounded, ordered list of pinned futures.
type Executor struct {
	entries []entry
}

type entry struct {
	f Future
	w *Waker
}

func New() *Executor { return &Executor{} }

// Spawn adds f to the executor.
func (e *Executor) Spawn(f Future) { e.entries = append(e.entries, entry{f: f, w: newWaker()}) }

// Len reports how many futures remain.
func (e *Executor) Len() int { return len(e.entries) }

// Poll walks the list in reverse; for each future whose awake bit is
// set it clears the bit and polls, removing it on Ready (spec.md
// §4.9). It returns the number of futures that completed this call.
func (e *Executor) Poll() int {
	completed := 0
	for i := len(e.entries) - 1; i >= 0; i-- {
		en := e.entries[i]
		if !en.w.awake.Load() {
			continue
		}
		en.w.awake.Store(false)
		if en.f.Poll(en.w) == Ready {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			completed++
		}
	}
	return completed
}

func (e *Executor) anyAwake() bool {
	for _, en := range e.entries {
		if en.w.awake.Load() {
			return true
		}
	}
	return false
}

// BlockOnAny polls until at least one future completes, or panics if
// every remaining future is asleep (deadlock).
func (e *Executor) BlockOnAny() {
	for {
		if len(e.entries) == 0 {
			return
		}
		if !e.anyAwake() {
			panic("executor: deadlock — every remaining future is asleep")
		}
		if e.Poll() > 0 {
			return
		}
	}
}

// BlockOnAll polls until the list is empty, or panics on deadlock.
func (e *Executor) BlockOnAll() {
	for len(e.entries) > 0 {
		if !e.anyAwake() {
			panic("executor: deadlock — every remaining future is asleep")
		}
		e.Poll()
	}
}
