// Package scheduler implements the job scheduler façade, the worker
// loop, and the job base type: it owns the fiber pool, the job queues,
// and the worker goroutines, and is the only package user code needs to
// import to schedule work.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foundryengine/jobsystem/fiber"
	"github.com/foundryengine/jobsystem/jobqueue"
	"github.com/foundryengine/jobsystem/pagesource"
	"github.com/foundryengine/jobsystem/waitgroup"
)

// idleBackoff bounds how long a worker with nothing to do parks in the
// wakeupGate before re-checking the queues, so a missed Notify (a narrow
// race between a worker marking itself sleeping and AddJob reading the
// sleeping count) is never fatal to liveness.
const idleBackoff = 2 * time.Millisecond

// Scheduler owns every worker goroutine, the fiber pool, and the job
// queues. It is the host application's single entry point: build one
// with New, call Start on the application's main goroutine, and schedule
// work with AddJob from any job or producer goroutine.
type Scheduler struct {
	cfg    Config
	logger Logger

	pool   *fiber.Pool
	queues *jobqueue.Queues[JobBase, *JobBase]
	wakeup *wakeupGate

	workers []*worker

	// fiberOwner[h] is the index of whichever worker is currently driving
	// fiber handle h. Updated at rent time and at every ready-fiber
	// handoff; read by CurrentWorkerIndex.
	fiberOwner []atomic.Int32

	// pendingWaiter[h] holds the wait entry a fiber parked itself against,
	// set by ParkCurrentFiber just before switching away and consumed
	// exactly once by finishSwitch's cleanup step: present means "mark
	// this waiter's switch complete", absent means "this fiber was merely
	// discarded by its worker and belongs back on the free list".
	pendingWaiter []atomic.Pointer[waitgroup.WaiterNode]

	// pendingStart[h] tells a freshly rented fiber's entry point what to
	// do before entering the generic dispatch loop (see worker.go).
	pendingStartMu sync.Mutex
	pendingStart   map[fiber.Handle]startInstruction

	// firstJob is the second stage of the startup barrier: workers 1..N-1
	// pass the startup semaphore when Start runs, then hold here until
	// the first piece of work is actually picked up, keeping them out of
	// the way of very-early-frame allocations on the main thread.
	firstJob     chan struct{}
	firstJobOnce sync.Once

	shouldExit atomic.Bool
	started    atomic.Bool
	frameIndex atomic.Uint32

	shutdownWG sync.WaitGroup
}

// New builds a Scheduler and its fiber pool. Nothing runs until Start is
// called.
func New(cfg Config) (*Scheduler, error) {
	if cfg.WorkerCount <= 0 || cfg.FiberPoolSize <= 0 || cfg.DispatchAttemptBudget <= 0 {
		def := DefaultConfig()
		if cfg.WorkerCount <= 0 {
			cfg.WorkerCount = def.WorkerCount
		}
		if cfg.FiberPoolSize <= 0 {
			cfg.FiberPoolSize = def.FiberPoolSize
		}
		if cfg.LargeFiberPoolSize <= 0 {
			cfg.LargeFiberPoolSize = def.LargeFiberPoolSize
		}
		if cfg.FiberStackSize <= 0 {
			cfg.FiberStackSize = def.FiberStackSize
		}
		if cfg.LargeFiberStackSize <= 0 {
			cfg.LargeFiberStackSize = def.LargeFiberStackSize
		}
		if cfg.DispatchAttemptBudget <= 0 {
			cfg.DispatchAttemptBudget = def.DispatchAttemptBudget
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewStdLogger()
	}

	source := cfg.PageSource
	if source == nil {
		source = pagesource.Default()
	}

	s := &Scheduler{
		cfg:          cfg,
		logger:       logger,
		wakeup:       newWakeupGate(),
		pendingStart: make(map[fiber.Handle]startInstruction),
		firstJob:     make(chan struct{}),
	}

	pool, err := fiber.New(fiber.Config{
		Entry:            s.dispatchEntryPoint,
		Source:           source,
		FiberCount:       cfg.FiberPoolSize,
		LargeFiberCount:  cfg.LargeFiberPoolSize,
		StackSize:        cfg.FiberStackSize,
		LargeStackSize:   cfg.LargeFiberStackSize,
		ArenaInitialSize: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	s.pool = pool

	total := cfg.FiberPoolSize + cfg.LargeFiberPoolSize
	s.fiberOwner = make([]atomic.Int32, total)
	s.pendingWaiter = make([]atomic.Pointer[waitgroup.WaiterNode], total)

	s.queues = jobqueue.New[JobBase, *JobBase](cfg.WorkerCount)
	s.queues.SetAttemptBudget(cfg.DispatchAttemptBudget)

	s.workers = make([]*worker, cfg.WorkerCount)
	for i := range s.workers {
		s.workers[i] = &worker{index: i}
	}

	return s, nil
}

// AddJob inserts job at the tail of the queue for priority, first
// bumping completion's counter by one if non-nil, so the counter covers
// the job before any worker can reach it. affinity restricts which
// worker may dequeue it; a single non-main-thread bit is treated as a
// preference and routed to that worker's local queue so the affine
// worker can drain it without contending the shared lock.
func (s *Scheduler) AddJob(job Job, priority Priority, affinity Affinity, completion *waitgroup.WaitGroup) {
	if s.shouldExit.Load() {
		panic(&UsageError{Msg: "scheduler: AddJob called after Stop"})
	}
	if completion != nil {
		completion.Add(1)
	}

	jb := &JobBase{
		ID:         NewJobID(),
		Job:        job,
		Priority:   priority,
		Affinity:   affinity,
		Completion: completion,
	}

	workerIndex := -1
	if w, ok := singleAffineWorker(affinity); ok && w < len(s.workers) {
		workerIndex = w
	}

	s.queues.AddJob(jb, priority, workerIndex)
	if workerIndex > 0 {
		// Routed to a worker that may still be holding at the first-job
		// latch; only it can drain its local queue, so open the latch now
		// rather than waiting for a shared-queue job to be picked up.
		s.releaseWorkers()
	}
	s.wakeup.Notify()
}

// releaseWorkers opens the one-shot first-job latch. Safe to call any
// number of times from any goroutine.
func (s *Scheduler) releaseWorkers() {
	s.firstJobOnce.Do(func() { close(s.firstJob) })
}

// singleAffineWorker reports the worker index a is restricted to, if a
// names exactly one non-main-thread worker bit.
func singleAffineWorker(a Affinity) (int, bool) {
	if a == 0 || a == MainThreadAffinity {
		return 0, false
	}
	if a&(a-1) != 0 {
		return 0, false // more than one bit set
	}
	for i := 0; i < 32; i++ {
		if a&(1<<uint(i)) != 0 {
			return i, true
		}
	}
	return 0, false
}

// fatal logs err at Error level and panics with a *FatalError: the pool
// ran dry, which means the system is misconfigured, not merely
// contended.
func (s *Scheduler) fatal(err error) {
	s.logger.Errorf("fatal: %v", err)
	panic(&FatalError{Msg: "scheduler: fiber pool exhausted", Cause: err})
}

// --- waitgroup.Switcher ------------------------------------------------

// NewWaiterNode implements waitgroup.Switcher.
func (s *Scheduler) NewWaiterNode(ctx context.Context) *waitgroup.WaiterNode {
	jc := mustJobContext(ctx)
	return &waitgroup.WaiterNode{FiberHandle: jc.fiberHandle}
}

// EnqueueReadyFiber implements waitgroup.Switcher.
func (s *Scheduler) EnqueueReadyFiber(node *waitgroup.WaiterNode) {
	s.queues.EnqueueReadyFiber(node)
	s.wakeup.Notify()
}

// ParkCurrentFiber implements waitgroup.Switcher: it associates node with
// the calling fiber so the switch-completion cleanup step knows to mark
// it complete rather than return the fiber to the free list, then
// switches to whatever the dequeue policy picks next: a previously-parked
// ready fiber, or a freshly rented fiber carrying a new job, exactly
// mirroring the choice the top-level dispatch loop itself makes. Unlike
// the loop, a genuine switch is mandatory either way: the calling fiber
// must become truly inert so some later Signal can resume it by name.
func (s *Scheduler) ParkCurrentFiber(ctx context.Context, node *waitgroup.WaiterNode) {
	jc := mustJobContext(ctx)
	w := s.workers[jc.fiberOwnerIndex()]

	s.pendingWaiter[jc.fiberHandle].Store(node)

	target := s.pickNextFiber(w)

	w.prevFiber = s.pool.Fiber(jc.fiberHandle)
	w.currentFiber = target
	s.fiberOwner[target.Handle].Store(int32(w.index))

	s.switchTo(jc, target)
}

func (jc *jobContext) fiberOwnerIndex() int {
	return int(jc.sched.fiberOwner[jc.fiberHandle].Load())
}

// pickNextFiber finds the next ready piece of work for a parking fiber's
// worker: dequeue via the normal policy, and whatever it finds, return
// a fiber to switch into. A ready fiber is used directly; a new
// job is handed to a freshly rented fiber whose entry point will run it
// before falling into the ordinary dispatch loop (see worker.go's
// startInstruction); finding nothing at all still rents a fresh fiber
// that immediately enters the loop and retries, so the caller always
// gets back a genuine target to switch to.
func (s *Scheduler) pickNextFiber(w *worker) *fiber.Fiber {
	cand := s.queues.Dequeue(w.index, func(jb *JobBase) bool { return jb.Affinity.RunnableOn(w.index) })

	switch cand.Kind {
	case jobqueue.KindFiber:
		return s.pool.Fiber(cand.Fiber.FiberHandle)
	case jobqueue.KindJob:
		h := s.rentFiberOrFatal(false)
		s.setPendingStart(h, startInstruction{workerIndex: w.index, job: cand.Job})
		return s.pool.Fiber(h)
	default:
		h := s.rentFiberOrFatal(false)
		s.setPendingStart(h, startInstruction{workerIndex: w.index})
		return s.pool.Fiber(h)
	}
}

func (s *Scheduler) rentFiberOrFatal(large bool) fiber.Handle {
	h, err := s.pool.Rent(large)
	if err != nil {
		s.fatal(err)
	}
	return h
}

func (s *Scheduler) setPendingStart(h fiber.Handle, instr startInstruction) {
	s.pendingStartMu.Lock()
	s.pendingStart[h] = instr
	s.pendingStartMu.Unlock()
}

func (s *Scheduler) takePendingStart(h fiber.Handle) startInstruction {
	s.pendingStartMu.Lock()
	instr := s.pendingStart[h]
	delete(s.pendingStart, h)
	s.pendingStartMu.Unlock()
	return instr
}

// switchTo performs the context switch and immediately runs the
// switch-completion cleanup step for whatever fiber it switched away
// from, before returning to its caller.
func (s *Scheduler) switchTo(jc *jobContext, target *fiber.Fiber) {
	self := s.pool.Fiber(jc.fiberHandle)
	transfer := s.pool.Switch(self, target, 0)
	s.finishSwitch(self, transfer)
}

// finishSwitch is the cleanup step run on the new side of every switch:
// it clears the resumed fiber's "being switched into" bit, then
// finalises bookkeeping for the fiber it switched away from: marking a
// parked wait entry complete, or returning a merely-discarded fiber to
// the free list. Until the wait entry is marked here, no dequeue may
// resume the parked fiber: its switch-out is still in flight and its
// stack still live. transfer.From's handle is negative when the switch
// came from a worker's exit-context pseudo-fiber (startup, or the final
// handoff before shutdown), which owns no pool bookkeeping to finalise.
func (s *Scheduler) finishSwitch(self *fiber.Fiber, transfer fiber.Transfer) {
	s.pool.MarkSwitchComplete(self)

	prev := transfer.From
	if prev == nil || prev.Handle < 0 {
		return
	}

	if node := s.pendingWaiter[prev.Handle].Swap(nil); node != nil {
		node.MarkCompleted()
		return
	}
	s.pool.Return(prev.Handle)
}

// runJob executes jb.Job, recovering a panic so one misbehaving job can
// never wedge its worker's dispatch loop, and signals jb's completion
// group exactly once regardless of outcome.
func (s *Scheduler) runJob(ctx context.Context, jb *JobBase) {
	s.releaseWorkers()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("job %s panicked: %v", jb.ID, r)
		}
		if jb.Completion != nil {
			jb.Completion.Signal(1)
		}
	}()

	if err := jb.Job.Execute(ctx); err != nil {
		s.logger.Warnf("job %s returned error: %v", jb.ID, err)
	}
}

// dispatchEntryPoint is the fiber pool's common entry point: every
// fiber, on first resume, calls this and looks up its startInstruction
// (staged by whoever rented it) to learn which worker slot it is driving
// and whether it carries a job to run before entering the loop. Ready
// fibers resumed via ParkCurrentFiber/EnqueueReadyFiber never re-enter
// here at all: their goroutine is already blocked mid-call inside
// ParkCurrentFiber and simply returns from there once resumed.
func (s *Scheduler) dispatchEntryPoint(self *fiber.Fiber, first fiber.Transfer) {
	instr := s.takePendingStart(self.Handle)
	w := s.workers[instr.workerIndex]

	s.finishSwitch(self, first)

	if instr.job != nil {
		jc := &jobContext{sched: s, fiberHandle: self.Handle}
		s.runJob(withJobContext(context.Background(), jc), instr.job)
	}

	s.loop(w, self)
}

// loop is the ordinary dispatch loop body: it keeps dequeuing work until
// shutdown for whichever worker currently owns self (w on entry; a job
// that parks and is resumed elsewhere moves self to that worker's slot),
// running new jobs inline (no switch needed,
// this fiber is already the active context) and switching into ready
// fibers when one is available, at which point this fiber is abandoned
// back to the pool by the resuming side's cleanup step and this call
// never returns.
func (s *Scheduler) loop(w *worker, self *fiber.Fiber) {
	for {
		w = s.workers[s.fiberOwner[self.Handle].Load()]

		if s.shouldExit.Load() {
			jc := &jobContext{sched: s, fiberHandle: self.Handle}
			s.switchTo(jc, w.exitContext)
			return
		}

		cand := s.queues.Dequeue(w.index, func(jb *JobBase) bool { return jb.Affinity.RunnableOn(w.index) })
		switch cand.Kind {
		case jobqueue.KindJob:
			jc := &jobContext{sched: s, fiberHandle: self.Handle}
			s.runJob(withJobContext(context.Background(), jc), cand.Job)

		case jobqueue.KindFiber:
			target := s.pool.Fiber(cand.Fiber.FiberHandle)
			w.prevFiber = self
			w.currentFiber = target
			s.fiberOwner[target.Handle].Store(int32(w.index))

			jc := &jobContext{sched: s, fiberHandle: self.Handle}
			s.switchTo(jc, target)
			return // unreachable: finishSwitch retired this fiber

		default:
			s.wakeup.ParkIdle(idleBackoff)
		}
	}
}

// runWorker is the body of a worker's long-lived goroutine: it rents the
// worker's first fiber and switches into it, which runs the dispatch
// loop until shutdown. Once control returns here, the final fiber goes
// back to the pool rather than leaking.
func (s *Scheduler) runWorker(index int) {
	w := s.workers[index]
	w.exitContext = fiber.NewExitContext(fiber.InvalidHandle)

	h := s.rentFiberOrFatal(false)
	s.setPendingStart(h, startInstruction{workerIndex: index})
	self := s.pool.Fiber(h)
	w.currentFiber = self
	s.fiberOwner[h].Store(int32(index))

	s.pool.Switch(w.exitContext, self, 0)
	// Resumed only once the dispatch loop observes shouldExit and
	// switches back to w.exitContext.
	s.pool.Return(w.currentFiber.Handle)
	s.shutdownWG.Done()
}

// Start must be called on the host application's main goroutine: it
// releases the startup barrier for workers 1..N-1, then runs worker 0
// ("the main thread") inline, which only returns once Stop is called
// from within a job. After that it joins every other worker. Worker 0 is
// the only worker permitted to run jobs with main-thread affinity,
// because the main thread is the only thread platform window/event APIs
// may be invoked from.
func (s *Scheduler) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler: Start called more than once")
	}

	s.logger.Infof("starting %d workers, %d+%d fibers", len(s.workers), s.cfg.FiberPoolSize, s.cfg.LargeFiberPoolSize)

	// Startup barrier: non-main workers are spawned immediately but block
	// until the main thread has entered Start. A closed channel read by
	// every blocked goroutine stands in for a counting semaphore bumped
	// worker_count-1 times.
	release := make(chan struct{})
	s.shutdownWG.Add(len(s.workers) - 1)
	for i := 1; i < len(s.workers); i++ {
		go func(idx int) {
			<-release
			// Second stage of the barrier: hold until the first job is
			// picked up anywhere (or until Stop, so a workload that never
			// schedules shared work still shuts down cleanly).
			<-s.firstJob
			s.runWorker(idx)
		}(i)
	}
	close(release)
	s.logger.Debugf("startup barrier released")

	s.shutdownWG.Add(1)
	s.runWorker(0)

	s.shutdownWG.Wait()
	s.logger.Infof("all workers joined, Start returning")
	return nil
}

// Stop signals shutdown. Each worker observes the flag at the top of its
// dispatch loop and switches back to its exit context; Start then joins
// every worker's goroutine before returning. Draining outstanding work
// is the caller's responsibility: Stop must only be called once every
// job the caller cares about has completed, typically from within a job
// that itself waited on a completion group covering the rest of the
// workload.
func (s *Scheduler) Stop() {
	s.shouldExit.Store(true)
	s.releaseWorkers()
	s.wakeup.Notify()
}

// Destroy releases the fiber pool's memory. Call only after Start has
// returned.
func (s *Scheduler) Destroy() {
	s.pool.Destroy()
}

// debugSnapshot is an unexported, test-only instrumentation hook
// exposing queue bookkeeping without exporting anything the public API
// contract doesn't already promise.
type debugSnapshot struct {
	sleepingWorkers int32
	readyQueueLen   int
	highQueueLen    int
	normalQueueLen  int
	lowQueueLen     int
}

func (s *Scheduler) snapshot() debugSnapshot {
	return debugSnapshot{
		sleepingWorkers: s.wakeup.SleepingCount(),
		readyQueueLen:   s.queues.ReadyLen(),
		highQueueLen:    s.queues.Len(jobqueue.PriorityHigh),
		normalQueueLen:  s.queues.Len(jobqueue.PriorityNormal),
		lowQueueLen:     s.queues.Len(jobqueue.PriorityLow),
	}
}

// fiberOwnerOf reports which worker index currently owns fiber handle h,
// for invariant checks that need to confirm two workers never claim the
// same fiber.
func (s *Scheduler) fiberOwnerOf(h fiber.Handle) int {
	return int(s.fiberOwner[h].Load())
}
