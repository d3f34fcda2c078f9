package jobqueue

import (
	"runtime"

	"github.com/foundryengine/jobsystem/waitgroup"
)

// Priority selects which of the three job FIFOs an entry is enqueued
// into. Dequeue scans high before normal before low; priority is
// advisory for ordering only, never for preemption.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// DefaultAttemptBudget is the bounded number of scan rounds the dequeue
// policy performs before reporting no work found.
const DefaultAttemptBudget = 8

// Affinity is a bitmask over worker indices a job may run on; zero means
// any worker. MainThreadAffinity is the distinguished bit reserved for
// jobs that must run on worker 0.
type Affinity uint32

const MainThreadAffinity Affinity = 1 << 31

// RunnableOn reports whether a job carrying this affinity mask may be
// dequeued by the given worker index.
func (a Affinity) RunnableOn(workerIndex int) bool {
	if a == 0 {
		return true
	}
	if a == MainThreadAffinity {
		return workerIndex == 0
	}
	return a&(1<<uint(workerIndex)) != 0
}

// Kind reports what a Dequeue call returned: a fresh job to execute, a
// previously-parked fiber to resume, or nothing this round.
type Kind int

const (
	KindNone Kind = iota
	KindJob
	KindFiber
)

// Candidate is the result of one Dequeue call.
type Candidate[T any, P Entry[T]] struct {
	Kind  Kind
	Job   P
	Fiber *waitgroup.WaiterNode
}

// Queues holds the three priority job FIFOs plus the shared ready-fibers
// queue, and one local, per-worker queue per priority so a worker-affine
// job can be drained by its owner without contending the shared lock.
// T is the job node type and P its pointer type, which must satisfy
// Entry so queues can link jobs without allocating.
type Queues[T any, P Entry[T]] struct {
	high, normal, low *FIFO[T, P]
	ready             *FIFO[waitgroup.WaiterNode, *waitgroup.WaiterNode]
	local             []*localQueues[T, P]
	attemptBudget     int
}

type localQueues[T any, P Entry[T]] struct {
	high, normal, low *FIFO[T, P]
}

// New builds a Queues instance sized for workerCount workers' local
// queues.
func New[T any, P Entry[T]](workerCount int) *Queues[T, P] {
	q := &Queues[T, P]{
		high:          NewFIFO[T, P](),
		normal:        NewFIFO[T, P](),
		low:           NewFIFO[T, P](),
		ready:         NewFIFO[waitgroup.WaiterNode, *waitgroup.WaiterNode](),
		attemptBudget: DefaultAttemptBudget,
		local:         make([]*localQueues[T, P], workerCount),
	}
	for i := range q.local {
		q.local[i] = &localQueues[T, P]{
			high:   NewFIFO[T, P](),
			normal: NewFIFO[T, P](),
			low:    NewFIFO[T, P](),
		}
	}
	return q
}

// SetAttemptBudget overrides the number of scan rounds Dequeue performs
// before reporting no work found, letting the scheduler plumb its own
// configured budget through rather than fixing it at
// DefaultAttemptBudget for every Queues instance.
func (q *Queues[T, P]) SetAttemptBudget(n int) {
	if n <= 0 {
		n = DefaultAttemptBudget
	}
	q.attemptBudget = n
}

// Len reports the shared queue length at priority p, for diagnostics and
// tests. Local queues are not included.
func (q *Queues[T, P]) Len(p Priority) int {
	return q.shared(p).Len()
}

// ReadyLen reports the shared ready-fibers queue length, for diagnostics
// and tests.
func (q *Queues[T, P]) ReadyLen() int {
	return q.ready.Len()
}

func (q *Queues[T, P]) shared(p Priority) *FIFO[T, P] {
	switch p {
	case PriorityHigh:
		return q.high
	case PriorityLow:
		return q.low
	default:
		return q.normal
	}
}

func (lq *localQueues[T, P]) fifo(p Priority) *FIFO[T, P] {
	switch p {
	case PriorityHigh:
		return lq.high
	case PriorityLow:
		return lq.low
	default:
		return lq.normal
	}
}

// AddJob inserts a job at the tail of the appropriate queue. workerIndex
// is the affine worker to prefer (-1 for no preference); when
// non-negative and within range the job is pushed onto that worker's
// local queue instead of the shared one, so the owning worker can drain
// it without contending the shared lock.
func (q *Queues[T, P]) AddJob(job P, priority Priority, workerIndex int) {
	if workerIndex >= 0 && workerIndex < len(q.local) {
		q.local[workerIndex].fifo(priority).PushBack(job)
		return
	}
	q.shared(priority).PushBack(job)
}

// EnqueueReadyFiber pushes a resumed wait entry onto the shared
// ready-fibers queue.
func (q *Queues[T, P]) EnqueueReadyFiber(node *waitgroup.WaiterNode) {
	q.ready.PushBack(node)
}

// Dequeue runs up to q.attemptBudget rounds scanning high → normal →
// low. At each priority it first tries the shared ready-fibers queue
// (skipping entries whose switch-completed flag is still unset and
// trying the next ready entry), then that priority's own local queue,
// then the shared job queue at that priority; work that was suspended
// mid-computation therefore resumes ahead of new work at the same
// priority. If a full round finds nothing, it spin-pauses proportional
// to the round index before retrying.
//
// affinityOK filters job candidates by the calling worker's ability to
// run them; incompatible entries are scanned past and left in place, in
// order, for a worker that can take them.
func (q *Queues[T, P]) Dequeue(workerIndex int, affinityOK func(P) bool) Candidate[T, P] {
	for round := 0; round < q.attemptBudget; round++ {
		for _, priority := range [...]Priority{PriorityHigh, PriorityNormal, PriorityLow} {
			if node, ok := q.ready.PopFirstMatch(readyFiberEligible); ok {
				return Candidate[T, P]{Kind: KindFiber, Fiber: node}
			}

			if workerIndex >= 0 && workerIndex < len(q.local) {
				if job, ok := q.local[workerIndex].fifo(priority).PopFirstMatch(affinityOK); ok {
					return Candidate[T, P]{Kind: KindJob, Job: job}
				}
			}

			if job, ok := q.shared(priority).PopFirstMatch(affinityOK); ok {
				return Candidate[T, P]{Kind: KindJob, Job: job}
			}
		}
		spinPause(round)
	}
	return Candidate[T, P]{Kind: KindNone}
}

func readyFiberEligible(node *waitgroup.WaiterNode) bool {
	return node.Completed()
}

// spinPause yields the calling goroutine a number of times proportional
// to round (1, 2, 4, ... capped). A true busy spin would hold a real OS
// thread hostage under Go's M:N goroutine scheduling, starving other
// workers multiplexed onto the same thread; runtime.Gosched yields the
// processor instead while still backing off geometrically.
func spinPause(round int) {
	n := 1 << uint(round)
	const maxYields = 64
	if n > maxYields {
		n = maxYields
	}
	for i := 0; i < n; i++ {
		runtime.Gosched()
	}
}
