package fiber

import (
	"fmt"
	"sync"

	"github.com/foundryengine/jobsystem/pagesource"
	"github.com/foundryengine/jobsystem/scratch"
)

// retireSignal is recovered only by runFiber's own defer; it must never
// escape a fiber's goroutine. See Pool.Return.
type retireSignal struct{}

// Config controls pool capacity and stack sizing.
type Config struct {
	Entry            EntryFunc
	Source           pagesource.Source
	FiberCount       int
	LargeFiberCount  int
	StackSize        int
	LargeStackSize   int
	ArenaInitialSize int
}

const (
	DefaultFiberCount      = 128
	DefaultLargeFiberCount = 8
	DefaultStackSize       = 64 * 1024
	DefaultLargeStackSize  = 512 * 1024
)

// Pool owns every fiber's stack memory and scratch arena for the life of
// the scheduler; fibers are allocated at startup and freed at shutdown,
// never destroyed while checked out.
type Pool struct {
	entry  EntryFunc
	source pagesource.Source

	mu        sync.Mutex
	fibers    []*Fiber
	freeSmall []Handle
	freeLarge []Handle
	closed    bool
}

// New allocates a pool of fibers with stacks and scratch arenas, ready
// to be rented.
func New(cfg Config) (*Pool, error) {
	if cfg.Entry == nil {
		return nil, fmt.Errorf("fiber: Config.Entry must not be nil")
	}
	if cfg.Source == nil {
		cfg.Source = pagesource.Default()
	}
	if cfg.FiberCount <= 0 {
		cfg.FiberCount = DefaultFiberCount
	}
	if cfg.LargeFiberCount <= 0 {
		cfg.LargeFiberCount = DefaultLargeFiberCount
	}
	if cfg.StackSize <= 0 {
		cfg.StackSize = DefaultStackSize
	}
	if cfg.LargeStackSize <= 0 {
		cfg.LargeStackSize = DefaultLargeStackSize
	}

	p := &Pool{entry: cfg.Entry, source: cfg.Source}

	total := cfg.FiberCount + cfg.LargeFiberCount
	p.fibers = make([]*Fiber, total)

	for i := 0; i < cfg.FiberCount; i++ {
		f, err := p.allocFiber(Handle(i), false, cfg.StackSize, cfg.ArenaInitialSize)
		if err != nil {
			return nil, err
		}
		p.fibers[i] = f
		p.freeSmall = append(p.freeSmall, f.Handle)
	}
	for i := 0; i < cfg.LargeFiberCount; i++ {
		h := Handle(cfg.FiberCount + i)
		f, err := p.allocFiber(h, true, cfg.LargeStackSize, cfg.ArenaInitialSize)
		if err != nil {
			return nil, err
		}
		p.fibers[h] = f
		p.freeLarge = append(p.freeLarge, f.Handle)
	}

	return p, nil
}

func (p *Pool) allocFiber(h Handle, large bool, stackSize, arenaInitial int) (*Fiber, error) {
	stack, err := p.source.Acquire(stackSize)
	if err != nil {
		return nil, fmt.Errorf("fiber: allocating stack for fiber %d: %w", h, err)
	}
	arena, err := scratch.New(scratch.Config{Source: p.source, InitialSize: arenaInitial})
	if err != nil {
		p.source.Release(stack)
		return nil, fmt.Errorf("fiber: allocating scratch arena for fiber %d: %w", h, err)
	}
	return &Fiber{
		Handle: h,
		Large:  large,
		stack:  stack,
		Arena:  arena,
		ch:     make(chan activation),
	}, nil
}

// ErrExhausted is returned by Rent when the pool has no free fiber of the
// requested kind. This is a fatal configuration error, not a runtime
// fault the caller is expected to recover from; the scheduler wraps it
// and logs it before panicking.
type ErrExhausted struct {
	Large bool
}

func (e *ErrExhausted) Error() string {
	if e.Large {
		return "fiber: large-stack fiber pool exhausted"
	}
	return "fiber: fiber pool exhausted"
}

// Rent checks a fiber out of the pool and starts (or restarts) its
// backing goroutine, parked waiting for the first Switch into it.
func (p *Pool) Rent(large bool) (Handle, error) {
	p.mu.Lock()
	var h Handle
	if large {
		if len(p.freeLarge) == 0 {
			p.mu.Unlock()
			return InvalidHandle, &ErrExhausted{Large: true}
		}
		n := len(p.freeLarge) - 1
		h = p.freeLarge[n]
		p.freeLarge = p.freeLarge[:n]
	} else {
		if len(p.freeSmall) == 0 {
			p.mu.Unlock()
			return InvalidHandle, &ErrExhausted{Large: false}
		}
		n := len(p.freeSmall) - 1
		h = p.freeSmall[n]
		p.freeSmall = p.freeSmall[:n]
	}
	f := p.fibers[h]
	p.mu.Unlock()

	go p.runFiber(f)
	return h, nil
}

// Return pushes the handle back onto its free list. The fiber's scratch
// arena is reset here, and its backing goroutine is retired. The fiber
// must be currently parked (not mid-job-execution), which is the
// caller's responsibility.
func (p *Pool) Return(h Handle) {
	f := p.fibers[h]
	f.ch <- activation{retire: true}
	f.Arena.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	if f.Large {
		p.freeLarge = append(p.freeLarge, h)
	} else {
		p.freeSmall = append(p.freeSmall, h)
	}
}

// Switch transfers control to target; the caller, which must itself be
// running on self, blocks until some later Switch names self as its
// target. The goroutine backing self never proceeds past this call until
// that happens, exactly as a suspended fiber's stack stays frozen
// mid-call.
//
// target is a *Fiber rather than a Handle so that a worker's exit
// context (a pseudo-fiber that is never part of the pool's
// checked-out/free bookkeeping) can be switched to without being a pool
// resident.
func (p *Pool) Switch(self *Fiber, target *Fiber, userData uintptr) Transfer {
	target.switching.Store(true)
	target.ch <- activation{transfer: Transfer{SourceHandle: self.Handle, From: self, UserData: userData}}

	act := <-self.ch
	if act.retire {
		panic(retireSignal{})
	}
	return act.transfer
}

// NewExitContext returns a standalone pseudo-fiber used as a worker's
// exit context: the continuation a worker's goroutine switches back to
// on shutdown, never rented from or returned to the pool. Its Handle is
// informational only (it is never looked up by handle).
func NewExitContext(h Handle) *Fiber {
	return &Fiber{Handle: h, ch: make(chan activation)}
}

// MarkSwitchComplete clears the "being switched into" bookkeeping word
// for f. Called by the dispatch loop's cleanup step immediately after
// resumption.
func (p *Pool) MarkSwitchComplete(f *Fiber) {
	f.switching.Store(false)
}

// Fiber returns the Fiber value for a handle, for callers (the scheduler,
// the wait group) that need to read its arena or switching bit.
func (p *Pool) Fiber(h Handle) *Fiber {
	return p.fibers[h]
}

// runFiber is the goroutine body backing a rented fiber. It waits for its
// first activation, then runs the pool's entry point (the dispatch
// loop). If the entry point ever returns without having switched away
// one final time, or the fiber is retired while parked (before its first
// activation, or inside a Switch), the goroutine exits.
func (p *Pool) runFiber(f *Fiber) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(retireSignal); ok {
				return
			}
			panic(r)
		}
	}()

	act := <-f.ch
	if act.retire {
		return
	}
	p.entry(f, act.transfer)
}

// Destroy releases every fiber's stack and arena back to the page
// source. Called once at scheduler shutdown; no fiber may be checked out
// when this is called.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, f := range p.fibers {
		f.Arena.Destroy()
		p.source.Release(f.stack)
	}
}
