package scheduler

import (
	"context"

	"github.com/foundryengine/jobsystem/fiber"
	"github.com/foundryengine/jobsystem/scratch"
)

// jobContext identifies which fiber a running Job.Execute call is
// executing on. Go has no portable thread-local storage, so the "which
// worker and fiber am I on" lookup a native engine would keep in a
// thread-local travels with the logical call stack as a context value
// instead. Only the fiber handle is fixed for the lifetime of this
// value; the owning worker index is looked up dynamically through the
// scheduler's fiberOwner table, since resumption can hand the same fiber
// to a different worker than the one that started it.
type jobContext struct {
	sched       *Scheduler
	fiberHandle fiber.Handle
}

type jobContextKey struct{}

func withJobContext(ctx context.Context, jc *jobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

func jobContextFrom(ctx context.Context) (*jobContext, bool) {
	jc, ok := ctx.Value(jobContextKey{}).(*jobContext)
	return jc, ok
}

func mustJobContext(ctx context.Context) *jobContext {
	jc, ok := jobContextFrom(ctx)
	if !ok {
		panic(&UsageError{Msg: "scheduler: called from outside a running Job (ctx carries no fiber identity)"})
	}
	return jc
}

// CurrentWorkerIndex reports which worker is currently driving the fiber
// running ctx's Job.Execute call. It returns false when called outside a
// job rather than panicking, since diagnostic and logging code may want
// to check this opportunistically.
func CurrentWorkerIndex(ctx context.Context) (int, bool) {
	jc, ok := jobContextFrom(ctx)
	if !ok {
		return 0, false
	}
	return int(jc.sched.fiberOwner[jc.fiberHandle].Load()), true
}

// ScratchArena returns the bump allocator bound to the fiber running
// ctx's Job.Execute call. Its contents are valid only until Execute
// returns or the job suspends at a Wait call past which this same fiber
// might be handed to other work; allocations must not be retained across
// a Wait.
func ScratchArena(ctx context.Context) (*scratch.Arena, bool) {
	jc, ok := jobContextFrom(ctx)
	if !ok {
		return nil, false
	}
	return jc.sched.pool.Fiber(jc.fiberHandle).Arena, true
}
