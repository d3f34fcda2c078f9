// Package fiber implements the engine's suspendable execution contexts
// and the pool that owns them: pre-allocated fibers switched
// cooperatively between worker goroutines, so a job that parks mid-way
// through its work frees its worker without losing its own call stack.
//
// Go has no portable raw stack-swap primitive, so the symmetric stack
// swap a native fiber library would perform is realized as a rendezvous
// between two goroutines over a pair of channels: at most one of a
// fiber's associated goroutines is ever runnable at a time, which
// preserves the invariant that a fiber is either executing, free, or
// parked, never running concurrently with itself or with another fiber
// on the same worker.
package fiber

import (
	"sync/atomic"

	"github.com/foundryengine/jobsystem/scratch"
)

// Handle is a small integer identifying a fiber in the pool. Handles are
// reused once a fiber is returned and rented again.
type Handle int32

// InvalidHandle marks the absence of a pool fiber (e.g. the handle Rent
// returns on failure, or a worker's exit-context pseudo-fiber).
const InvalidHandle Handle = -1

// Transfer is the pair of (source-fiber handle, user-data word) observed
// on the resumed side of a Switch: it tells the resumed fiber where
// control came from, which the dispatch loop's cleanup step needs to
// finalise bookkeeping for the old side. From carries the originating
// context itself; there is no global handle registry, so the resumed
// side is handed the context object directly rather than resolving
// SourceHandle through a table.
type Transfer struct {
	SourceHandle Handle
	From         *Fiber
	UserData     uintptr
}

// EntryFunc is the fiber pool's well-known entry point: on first resume a
// fiber calls this with itself and the Transfer that woke it. In practice
// it is always the scheduler's dispatch loop.
type EntryFunc func(self *Fiber, first Transfer)

// activation is what actually flows over a fiber's channel; retire is an
// internal signal (never exposed as part of Transfer) used to terminate a
// fiber's backing goroutine when its handle is returned to the pool.
type activation struct {
	transfer Transfer
	retire   bool
}

// Fiber is a pre-allocated suspendable execution context: a stack region
// (a byte slice obtained from a pagesource.Source, never directly
// interpreted as a real call stack), a scratch arena, and a bookkeeping
// word tracking whether this fiber is currently being switched into.
type Fiber struct {
	Handle Handle
	Large  bool

	stack []byte
	Arena *scratch.Arena

	ch        chan activation
	switching atomic.Bool
}

// Switching reports whether this fiber is currently the target of an
// in-flight Switch call; the cleanup step clears it via
// Pool.MarkSwitchComplete. The dequeue logic does not read this bit: it
// skips fiber-wait-entries through waitgroup.WaiterNode.Completed.
func (f *Fiber) Switching() bool { return f.switching.Load() }
