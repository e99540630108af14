// Package sched implements the per-CPU scheduler of spec.md C7:
// priority-weighted round-robin dispatch, a wake-time sleep queue, and
// cross-CPU load balancing via a CAS-tagged migration list.
//
// Grounded on biscuit's per-CPU partitioning idiom (mem.Physmem_t's
// percpu [runtime.MAXCPUS]pcpuphys_t array) for the one-ThreadQueue-
// per-CPU layout, and biscuit's accnt.Accnt_t for per-thread runtime
// accounting, adapted here into quantum/priority-sum bookkeeping. The
// migration list's {index,generation} ABA tag is specified directly by
// spec.md §5/§9 (Go has no 128-bit CAS, so the tag is packed into one
// atomic.Uint64 the way a lock-free stack's tagged pointer would be on
// a 32-bit platform).
package sched

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"aarch64kernel/defs"
	"aarch64kernel/thread"
)

// xorshiftStream is one of the two independent 64-bit PRNG streams
// spec.md §4.6 calls for (pick-thread, fuzzy-priority), each stepped
// with a distinct odd constant.
type xorshiftStream struct {
	state uint64
	step  uint64
}

func newStream(seed, step uint64) *xorshiftStream {
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &xorshiftStream{state: seed, step: step | 1}
}

func (s *xorshiftStream) next() uint64 {
	s.state += s.step
	x := s.state
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}

// migrationEntry is one thread parked on the shared migration list.
type migrationEntry struct {
	th   *thread.Thread
	next int32 // index of next free/occupied slot, -1 terminates
}

// MigrationList is an ABA-safe singly-linked list shared by every CPU:
// its head is an {index, generation} pair packed into one
// atomic.Uint64 and swapped by CAS (spec.md §5/§9). It is not
// lock-free: Push and Pop take mu to append, link or read a slot.
type MigrationList struct {
	mu      sync.Mutex // guards slots: Push appends and links under it, Pop reads a slot under it
	slots   []migrationEntry
	headTag atomic.Uint64 // packed {index uint32, generation uint32}; index==math.MaxUint32 means empty
}

const emptyIndex = ^uint32(0)

func packTag(index, gen uint32) uint64 { return uint64(index)<<32 | uint64(gen) }
func unpackTag(tag uint64) (index, gen uint32) {
	return uint32(tag >> 32), uint32(tag)
}

func NewMigrationList() *MigrationList {
	l := &MigrationList{}
	l.headTag.Store(packTag(emptyIndex, 0))
	return l
}

// Push adds th to the list; it always succeeds.
func (l *MigrationList) Push(th *thread.Thread) {
	l.mu.Lock()
	idx := int32(len(l.slots))
	l.slots = append(l.slots, migrationEntry{th: th})
	l.mu.Unlock()

	for {
		old := l.headTag.Load()
		oldIdx, oldGen := unpackTag(old)
		l.mu.Lock()
		l.slots[idx].next = int32(oldIdx)
		if oldIdx == emptyIndex {
			l.slots[idx].next = -1
		}
		l.mu.Unlock()
		newTag := packTag(uint32(idx), oldGen+1)
		if l.headTag.CompareAndSwap(old, newTag) {
			return
		}
	}
}

// Pop removes and returns the head thread, or nil if the list was
// empty.
func (l *MigrationList) Pop() *thread.Thread {
	for {
		old := l.headTag.Load()
		oldIdx, oldGen := unpackTag(old)
		if oldIdx == emptyIndex {
			return nil
		}
		l.mu.Lock()
		next := l.slots[oldIdx].next
		th := l.slots[oldIdx].th
		l.mu.Unlock()

		nextIdx := emptyIndex
		if next >= 0 {
			nextIdx = uint32(next)
		}
		newTag := packTag(nextIdx, oldGen+1)
		if l.headTag.CompareAndSwap(old, newTag) {
			return th
		}
	}
}

// sleeper is one entry of a CPU's wake_time-ordered sleep queue.
type sleeper struct {
	th       *thread.Thread
	wakeTime uint64
}

type sleepHeap []sleeper

func (h sleepHeap) Len() int            { return len(h) }
func (h sleepHeap) Less(i, j int) bool  { return h[i].wakeTime < h[j].wakeTime }
func (h sleepHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sleepHeap) Push(x interface{}) { *h = append(*h, x.(sleeper)) }
func (h *sleepHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ThreadQueue is one CPU's run queue: priority-weighted round robin
// over its threads, plus the sleep heap threads parked here are moved
// to (spec.md §4.6).
type ThreadQueue struct {
	cpu      int
	mu       sync.Mutex
	runnable []*thread.Thread
	pos      int
	sleeping sleepHeap

	prioritySum atomic.Int64
}

func newThreadQueue(cpu int) *ThreadQueue {
	q := &ThreadQueue{cpu: cpu}
	heap.Init(&q.sleeping)
	return q
}

func (q *ThreadQueue) add(th *thread.Thread) {
	q.mu.Lock()
	q.runnable = append(q.runnable, th)
	q.mu.Unlock()
	q.prioritySum.Add(int64(th.Priority))
}

func quantum(priority uint8) uint64 { return uint64(priority) }

// Scheduler owns every CPU's ThreadQueue, the shared migration list,
// and the two PRNG streams.
type Scheduler struct {
	Queues    []*ThreadQueue
	Migration *MigrationList
	pick      *xorshiftStream
	fuzzy     *xorshiftStream

	nowFn func() uint64 // microsecond clock, injected for tests
}

// New builds a Scheduler for cpuCount CPUs. now supplies the current
// time in microseconds (cmd/kernel wires a real timer; tests inject a
// deterministic counter).
func New(cpuCount int, now func() uint64) *Scheduler {
	s := &Scheduler{
		Migration: NewMigrationList(),
		pick:      newStream(1, 0x2545F4914F6CDD1D),
		fuzzy:     newStream(2, 0x9E3779B97F4A7C15),
		nowFn:     now,
	}
	for i := 0; i < cpuCount; i++ {
		s.Queues = append(s.Queues, newThreadQueue(i))
	}
	return s
}

// Spawn adds th to the least-loaded queue, per the same ideal-sum
// logic load balancing uses.
func (s *Scheduler) Spawn(th *thread.Thread) {
	best := s.Queues[0]
	for _, q := range s.Queues[1:] {
		if q.prioritySum.Load() < best.prioritySum.Load() {
			best = q
		}
	}
	best.add(th)
}

// totalPriority sums every queue's priority, for the ideal-share
// comparison load balancing uses.
func (s *Scheduler) totalPriority() int64 {
	var total int64
	for _, q := range s.Queues {
		total += q.prioritySum.Load()
	}
	return total
}

// RunOne executes one dispatch step on cpu's queue: pick the next
// runnable thread in round-robin order, run it once via tr, and route
// it according to the ThreadStatus it reports (spec.md §4.6). No
// countdown is programmed for the dispatch and quantum() is not
// applied: how long the thread runs is up to tr. It returns false if
// the queue was empty.
func (s *Scheduler) RunOne(cpu int, tr thread.Trampoline, trampolineStackPtr uint64) bool {
	q := s.Queues[cpu]

	q.mu.Lock()
	s.sweepSleepersLocked(q)
	if len(q.runnable) == 0 {
		q.mu.Unlock()
		s.balance(cpu)
		return false
	}
	q.pos %= len(q.runnable)
	th := q.runnable[q.pos]
	q.mu.Unlock()

	status := thread.Run(tr, th, trampolineStackPtr)

	q.mu.Lock()
	switch status {
	case defs.Running:
		q.pos++
	case defs.Sleeping:
		s.removeLocked(q, th)
		heap.Push(&q.sleeping, sleeper{th: th, wakeTime: th.WakeTime})
		q.prioritySum.Add(-int64(th.Priority))
	case defs.Terminated:
		s.removeLocked(q, th)
		q.prioritySum.Add(-int64(th.Priority))
		th.Drop()
	}
	q.mu.Unlock()

	s.balance(cpu)
	return true
}

func (s *Scheduler) removeLocked(q *ThreadQueue, th *thread.Thread) {
	for i, t := range q.runnable {
		if t == th {
			q.runnable = append(q.runnable[:i], q.runnable[i+1:]...)
			if q.pos > i {
				q.pos--
			}
			return
		}
	}
}

// sweepSleepersLocked wakes every thread whose wake_time has passed,
// at the top of each lap (spec.md §4.6). Caller holds q.mu.
func (s *Scheduler) sweepSleepersLocked(q *ThreadQueue) {
	now := s.nowFn()
	for len(q.sleeping) > 0 && q.sleeping[0].wakeTime <= now {
		item := heap.Pop(&q.sleeping).(sleeper)
		q.runnable = append(q.runnable, item.th)
		q.prioritySum.Add(int64(item.th.Priority))
	}
}

// balance implements spec.md §4.6's load-balancing pass: compare this
// CPU's priority sum to the ideal share, pull from the shared
// migration list if under, or push a random local thread (with PRNG
// jitter) if over and it has at least 2 threads.
func (s *Scheduler) balance(cpu int) {
	q := s.Queues[cpu]
	ideal := s.totalPriority() / int64(len(s.Queues))
	sum := q.prioritySum.Load()

	if sum < ideal {
		if th := s.Migration.Pop(); th != nil {
			q.add(th)
		}
		return
	}

	q.mu.Lock()
	if len(q.runnable) < 2 {
		q.mu.Unlock()
		return
	}
	idx := int(s.pick.next() % uint64(len(q.runnable)))
	victim := q.runnable[idx]
	q.mu.Unlock()

	jitter := int64(s.fuzzy.next()%7) - 3
	if sum-int64(victim.Priority)+jitter >= ideal {
		q.mu.Lock()
		s.removeLocked(q, victim)
		q.prioritySum.Add(-int64(victim.Priority))
		q.mu.Unlock()
		s.Migration.Push(victim)
	}
}

// RunCPUs starts one goroutine per CPU via errgroup, each looping
// RunOne until stop is closed; this is the per-CPU goroutine
// lifecycle spec.md's dispatch loop runs under (SPEC_FULL.md ambient
// stack).
func (s *Scheduler) RunCPUs(tr thread.Trampoline, trampolineStackPtr uint64, stop <-chan struct{}) error {
	var g errgroup.Group
	for cpu := range s.Queues {
		cpu := cpu
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				if !s.RunOne(cpu, tr, trampolineStackPtr) {
					// Idle: no wait-for-event is issued; the loop
					// checks stop and goes straight back to RunOne.
					select {
					case <-stop:
						return nil
					default:
					}
				}
			}
		})
	}
	return g.Wait()
}
