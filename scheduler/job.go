package scheduler

import (
	"context"

	"github.com/foundryengine/jobsystem/jobqueue"
	"github.com/foundryengine/jobsystem/waitgroup"
)

// Priority selects which of the three job FIFOs a job is enqueued into.
// Re-exported from jobqueue so callers never import that package
// directly.
type Priority = jobqueue.Priority

const (
	PriorityLow    = jobqueue.PriorityLow
	PriorityNormal = jobqueue.PriorityNormal
	PriorityHigh   = jobqueue.PriorityHigh
)

// Affinity is a bitmask over worker indices restricting which worker may
// run a job; zero means any worker. MainThreadAffinity is the
// distinguished bit reserved for jobs that must run on worker 0, the
// only worker permitted to touch platform window/event APIs.
type Affinity = jobqueue.Affinity

const MainThreadAffinity = jobqueue.MainThreadAffinity

// Job is the polymorphic unit of work users implement. Execute runs to
// completion or to an explicit suspension at a WaitGroup.Wait call;
// there is no preemption. A returned error is logged but otherwise does
// not affect a job's completion wait group, which signals
// unconditionally when Execute returns. Higher layers map their own
// result codes onto state observed through the completion group, not
// onto the scheduler's control flow.
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a plain function to Job, for jobs too small to warrant
// a dedicated type.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Execute(ctx context.Context) error { return f(ctx) }

// JobBase is the queueable node wrapping a Job with its scheduling
// metadata: completion wait group, priority, affinity, and the intrusive
// "next" link that lets jobqueue.FIFO chain jobs without a separate
// allocation. The Job interface field stands in for the vtable pointer a
// subclass's execute() override would occupy in a class-based design.
// AddJob builds one of these per call; callers never construct a JobBase
// by hand.
//
// A single next link suffices because every JobBase instance is a single
// AddJob call's private node, live in exactly one FIFO (shared or
// per-worker local, never both) at a time.
type JobBase struct {
	ID         string
	Job        Job
	Priority   Priority
	Affinity   Affinity
	Completion *waitgroup.WaitGroup

	next *JobBase
}

// Next returns the next job in whatever FIFO this node is linked into,
// satisfying jobqueue.Entry.
func (j *JobBase) Next() *JobBase { return j.next }

// SetNext relinks this node, satisfying jobqueue.Entry.
func (j *JobBase) SetNext(n *JobBase) { j.next = n }
