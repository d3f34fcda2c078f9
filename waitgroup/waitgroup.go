// Package waitgroup implements the synchronisation primitive jobs use to
// wait for completion of other jobs or of externally-signalled events.
// It is a reference-counted, cooperative latch: Wait parks the calling
// fiber instead of blocking an OS thread.
package waitgroup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/foundryengine/jobsystem/fiber"
	"github.com/google/uuid"
)

// Switcher is the subset of the scheduler a wait group needs: a way to
// park the calling fiber by switching to whatever the dispatch loop picks
// next, and a way to learn which fiber is currently running on the
// calling worker. The scheduler implements this; it is an interface here
// so waitgroup has no import-cycle dependency on the scheduler package.
//
// Every method takes the ctx threaded in from the enclosing Job.Execute
// call: Go has no thread-local storage to recover "which fiber/worker is
// this" implicitly, so the dispatch loop stashes that identity as a
// context value and Wait forwards it here.
type Switcher interface {
	// ParkCurrentFiber switches away from the calling fiber to the next
	// piece of ready work on the current worker, returning only once this
	// fiber has been resumed again (i.e. handed a ready-fibers entry). node
	// is the wait entry Wait has already linked into the wait group's
	// waiter list; the scheduler associates it with the calling fiber's
	// handle before switching away, so its switch-completion cleanup step
	// knows this fiber was parked rather than discarded.
	ParkCurrentFiber(ctx context.Context, node *WaiterNode)

	// EnqueueReadyFiber pushes a parked fiber's wait entry onto the
	// ready-fibers queue so some worker will resume it. The node's
	// switch-completed flag starts false; the cleanup step on the new
	// side of the parking fiber's switch flips it once that switch has
	// fully resolved, and only then may the dispatch loop's dequeue
	// policy resume it.
	EnqueueReadyFiber(node *WaiterNode)

	// NewWaiterNode builds a wait entry for the fiber executing under
	// ctx. Panics if ctx carries no fiber identity: Wait must only be
	// called from within a job.
	NewWaiterNode(ctx context.Context) *WaiterNode
}

// WaiterNode is a fiber wait entry: a node linked into a wait group's
// waiter list, holding the fiber that must be resumed and the
// switch-completed flag the dequeue policy checks before resuming it. It
// is exported, rather than the private node a single-package
// implementation would use, because jobqueue.FIFO's intrusive-list
// generic constraint needs to name the type to instantiate the shared
// ready-fibers queue (jobqueue.FIFO[WaiterNode, *WaiterNode]) without an
// import cycle back into waitgroup. The same next field is reused across
// two disjoint lists over the node's lifetime, first the owning wait
// group's waiter list, then (after Signal drains it) the scheduler's
// ready-fibers queue, since a node is only ever a member of one list at
// a time.
type WaiterNode struct {
	FiberHandle fiber.Handle
	completed   atomic.Bool
	next        *WaiterNode
}

// Next returns the next waiter in whatever list this node is linked
// into, satisfying jobqueue.Entry.
func (n *WaiterNode) Next() *WaiterNode { return n.next }

// SetNext relinks this node, satisfying jobqueue.Entry.
func (n *WaiterNode) SetNext(next *WaiterNode) { n.next = next }

// Completed reports whether the switch that parked this waiter's fiber
// has fully resolved. The dequeue policy in jobqueue must not resume a
// fiber whose switch-out is still in flight.
func (n *WaiterNode) Completed() bool { return n.completed.Load() }

// MarkCompleted flips the switch-completed flag. Called by the dispatch
// loop's cleanup step once the new side of a switch has finished
// bookkeeping for the old side.
func (n *WaiterNode) MarkCompleted() { n.completed.Store(true) }

// WaitGroup is a reference-counted counter jobs park their fiber against
// when it is non-zero. The same primitive doubles as a completion signal
// for non-worker producers (pipeline compilation, asset I/O, frame-graph
// passes): they set the count to 1 at dispatch and Signal from whatever
// thread finishes the work.
type WaitGroup struct {
	ID string

	sched Switcher

	counter atomic.Int64
	refs    atomic.Int32

	mu         sync.Mutex // guards waiterHead across the signal/wait race
	waiterHead *WaiterNode
}

// New creates a wait group with the given initial count and a reference
// count of 1, bound to sched for parking/waking fibers.
func New(sched Switcher, initial uint32) *WaitGroup {
	w := &WaitGroup{ID: uuid.NewString(), sched: sched}
	w.counter.Store(int64(initial))
	w.refs.Store(1)
	return w
}

// Retain increments the reference count. A wait group may outlive the
// job that created it; other jobs may still hold references.
func (w *WaitGroup) Retain() {
	w.refs.Add(1)
}

// Release decrements the reference count. Destruction (here, simply
// becoming eligible for garbage collection once every reference is
// dropped) occurs only when the counter is zero AND the reference count
// reaches zero; Release does not enforce this itself (Go's GC does), but
// panics if called after the refcount is already zero, to catch
// double-release bugs during development.
func (w *WaitGroup) Release() {
	if w.refs.Add(-1) < 0 {
		panic(&UsageError{Msg: fmt.Sprintf("waitgroup %s: Release called more times than Retain", w.ID)})
	}
}

// Add atomically increments the counter. Must not be called after the
// counter has reached zero and waiters have already been drained; a
// signal/wait pair that already completed cannot be reopened safely.
func (w *WaitGroup) Add(n uint32) {
	w.counter.Add(int64(n))
}

// UsageError marks a programmer error: an assertion that should never
// fire against correct caller code. The core does not attempt to recover
// from these.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// Signal atomically decrements the counter by n. When the counter
// transitions to zero, every parked waiter is drained from the waiter
// list and pushed onto the ready-fibers queue; Signal itself never
// blocks, so it is safe to call from an OS thread the scheduler does not
// own.
func (w *WaitGroup) Signal(n uint32) {
	if n == 0 {
		return
	}

	w.mu.Lock()
	current := w.counter.Load()
	if int64(n) > current {
		w.mu.Unlock()
		panic(&UsageError{Msg: fmt.Sprintf("waitgroup %s: Signal(%d) exceeds counter %d", w.ID, n, current)})
	}
	remaining := w.counter.Add(-int64(n))
	var drained *WaiterNode
	if remaining == 0 {
		drained = w.waiterHead
		w.waiterHead = nil
	}
	w.mu.Unlock()

	// Capture next before handing the node to the scheduler: Enqueue
	// pushes it onto the ready-fibers queue, which reuses this same next
	// field for that list and will overwrite it.
	//
	// The switch-completed flag is NOT set here. A drained node may
	// describe a fiber that linked itself into the waiter list but has
	// not yet switched away; its flag stays false until the cleanup step
	// on the new side of that switch flips it, so no dequeue (including
	// one the parking fiber itself performs while picking its own
	// replacement) can resume the fiber early.
	for node := drained; node != nil; {
		next := node.next
		w.sched.EnqueueReadyFiber(node)
		node = next
	}
}

// Wait returns immediately if the counter is already zero. Otherwise it
// links the calling fiber into the waiter list and asks the scheduler to
// switch away to the next ready work on the current worker; it returns
// only once this fiber has been resumed by Signal. Must only be called
// from within a job running on a worker fiber, with the ctx that job's
// Execute received.
func (w *WaitGroup) Wait(ctx context.Context) {
	if w.counter.Load() == 0 {
		return
	}

	node := w.sched.NewWaiterNode(ctx)

	w.mu.Lock()
	// Re-check under the lock: the counter transition to zero and the
	// waiter-list drain happen atomically under this same lock, so a late
	// arrival that lost the race resumes immediately without parking.
	if w.counter.Load() == 0 {
		w.mu.Unlock()
		return
	}
	node.next = w.waiterHead
	w.waiterHead = node
	w.mu.Unlock()

	w.sched.ParkCurrentFiber(ctx, node)
}

// Count returns the current counter value, for diagnostics and tests.
func (w *WaitGroup) Count() int64 { return w.counter.Load() }
