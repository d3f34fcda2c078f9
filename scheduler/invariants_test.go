package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/foundryengine/jobsystem/waitgroup"
)

// TestInvariantQueuesDrainedAfterShutdown: once every scheduled job's
// completion group has reached zero and Stop has run, no job or
// ready-fiber entry may be left sitting in any queue: everything that
// was ever enqueued was either executed or resumed.
func (ts *SchedulerTestSuite) TestInvariantQueuesDrainedAfterShutdown() {
	cfg := testConfig(4)
	s := ts.newScheduler(cfg)
	defer s.Destroy()

	final := waitgroup.New(s, 0)
	const n = 500
	for i := 0; i < n; i++ {
		s.AddJob(JobFunc(func(ctx context.Context) error { return nil }), PriorityNormal, 0, final)
	}
	s.AddJob(JobFunc(func(ctx context.Context) error {
		final.Wait(ctx)
		s.Stop()
		return nil
	}), PriorityHigh, 0, nil)

	ts.runAndStop(s, 10*time.Second)

	snap := s.snapshot()
	ts.Zero(snap.highQueueLen)
	ts.Zero(snap.normalQueueLen)
	ts.Zero(snap.lowQueueLen)
	ts.Zero(snap.readyQueueLen)
}

// TestInvariantEveryCompletionFiresExactlyOnce: for N jobs sharing one
// completion group, the group's counter must be decremented exactly once
// per job (never more, never fewer), observable as the counter reaching
// precisely zero and every job's own side effect having run exactly
// once.
func (ts *SchedulerTestSuite) TestInvariantEveryCompletionFiresExactlyOnce() {
	cfg := testConfig(4)
	s := ts.newScheduler(cfg)
	defer s.Destroy()

	const n = 2000
	var ran atomic.Int64
	final := waitgroup.New(s, 0)

	for i := 0; i < n; i++ {
		s.AddJob(JobFunc(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}), PriorityNormal, 0, final)
	}
	s.AddJob(JobFunc(func(ctx context.Context) error {
		final.Wait(ctx)
		s.Stop()
		return nil
	}), PriorityHigh, 0, nil)

	ts.runAndStop(s, 15*time.Second)

	ts.EqualValues(n, ran.Load())
	ts.EqualValues(0, final.Count())
}

// TestInvariantPriorityScanOrder: within a single round of the dispatch
// loop, high-priority work is always observed before normal, which is
// always observed before low. The scan order is unit-tested directly
// against jobqueue.Queues; here it is re-checked end to end through the
// scheduler by recording the order in which same-batch jobs at different
// priorities actually execute.
func (ts *SchedulerTestSuite) TestInvariantPriorityScanOrder() {
	// A single worker makes the scan order deterministic: with more than
	// one worker, two jobs can run concurrently on different workers and
	// the recorded order is no longer meaningful.
	cfg := testConfig(1)
	s := ts.newScheduler(cfg)
	defer s.Destroy()

	var order []string
	final := waitgroup.New(s, 0)

	record := func(label string) Job {
		return JobFunc(func(ctx context.Context) error {
			order = append(order, label)
			return nil
		})
	}

	s.AddJob(record("low"), PriorityLow, 0, final)
	s.AddJob(record("normal"), PriorityNormal, 0, final)
	s.AddJob(record("high"), PriorityHigh, 0, final)
	s.AddJob(JobFunc(func(ctx context.Context) error {
		final.Wait(ctx)
		s.Stop()
		return nil
	}), PriorityHigh, 0, nil)

	ts.runAndStop(s, 5*time.Second)

	ts.Require().Len(order, 3)
	ts.Equal("high", order[0])
	ts.Equal("normal", order[1])
	ts.Equal("low", order[2])
}

// TestInvariantFiberOwnershipIsSingleWriter: while many jobs park and
// resume concurrently, the owner table must never report an owner index
// outside the valid worker range, and a fiber resumed from Wait must
// agree with the table about which worker is driving it; either failure
// would indicate a fiber handed to two workers at once.
func (ts *SchedulerTestSuite) TestInvariantFiberOwnershipIsSingleWriter() {
	cfg := testConfig(6)
	cfg.FiberPoolSize = 128
	s := ts.newScheduler(cfg)
	defer s.Destroy()

	gate := waitgroup.New(s, 1)
	final := waitgroup.New(s, 0)

	const n = 40
	for i := 0; i < n; i++ {
		s.AddJob(JobFunc(func(ctx context.Context) error {
			gate.Wait(ctx)
			idx, ok := CurrentWorkerIndex(ctx)
			if !ok || idx < 0 || idx >= len(s.workers) {
				ts.Fail("observed an out-of-range worker index after resuming from Wait")
				return nil
			}
			jc, ok := jobContextFrom(ctx)
			if !ok {
				ts.Fail("job context missing after resuming from Wait")
				return nil
			}
			if owner := s.fiberOwnerOf(jc.fiberHandle); owner != idx {
				ts.Fail("fiber owner table disagrees with the resumed worker's own index")
			}
			return nil
		}), PriorityNormal, 0, final)
	}
	s.AddJob(JobFunc(func(ctx context.Context) error {
		gate.Signal(1)
		return nil
	}), PriorityNormal, 0, final)
	s.AddJob(JobFunc(func(ctx context.Context) error {
		final.Wait(ctx)
		s.Stop()
		return nil
	}), PriorityHigh, 0, nil)

	ts.runAndStop(s, 15*time.Second)
}
