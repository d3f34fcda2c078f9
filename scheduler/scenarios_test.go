package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foundryengine/jobsystem/waitgroup"
)

// mergeSortJob is a recursive fan-out/fan-in parallel merge sort. Each
// level splits its slice in half, schedules both halves as child jobs
// against a private completion wait group, waits on it (parking this
// level's fiber until both children return), then merges the two
// already-sorted halves back in place.
type mergeSortJob struct {
	sched *Scheduler
	data  []int32
	leaf  int
}

func (j *mergeSortJob) Execute(ctx context.Context) error {
	if len(j.data) <= j.leaf {
		sort.Slice(j.data, func(a, b int) bool { return j.data[a] < j.data[b] })
		return nil
	}

	mid := len(j.data) / 2
	left, right := j.data[:mid], j.data[mid:]

	children := waitgroup.New(j.sched, 0)
	j.sched.AddJob(&mergeSortJob{sched: j.sched, data: left, leaf: j.leaf}, PriorityNormal, 0, children)
	j.sched.AddJob(&mergeSortJob{sched: j.sched, data: right, leaf: j.leaf}, PriorityNormal, 0, children)
	children.Wait(ctx)

	mergeSortedHalves(left, right, j.data)
	return nil
}

func mergeSortedHalves(left, right, dst []int32) {
	tmp := make([]int32, 0, len(dst))
	i, k := 0, 0
	for i < len(left) && k < len(right) {
		if left[i] <= right[k] {
			tmp = append(tmp, left[i])
			i++
		} else {
			tmp = append(tmp, right[k])
			k++
		}
	}
	tmp = append(tmp, left[i:]...)
	tmp = append(tmp, right[k:]...)
	copy(dst, tmp)
}

// TestParallelMergeSortFanOutFanIn drives a hierarchy of wait groups
// deep enough that interior jobs park while their children run on other
// workers, and checks the fan-in produced a fully sorted result.
func (ts *SchedulerTestSuite) TestParallelMergeSortFanOutFanIn() {
	cfg := testConfig(8)
	cfg.FiberPoolSize = 256
	cfg.LargeFiberPoolSize = 8
	s := ts.newScheduler(cfg)
	defer s.Destroy()

	const n = 50000
	const leaf = 2000

	data := make([]int32, n)
	rng := rand.New(rand.NewSource(1))
	for i := range data {
		data[i] = rng.Int31()
	}

	root := waitgroup.New(s, 0)
	s.AddJob(&mergeSortJob{sched: s, data: data, leaf: leaf}, PriorityNormal, 0, root)
	s.AddJob(JobFunc(func(ctx context.Context) error {
		root.Wait(ctx)
		s.Stop()
		return nil
	}), PriorityHigh, 0, nil)

	ts.runAndStop(s, 30*time.Second)

	for i := 1; i < len(data); i++ {
		ts.LessOrEqual(data[i-1], data[i], "output must be non-decreasing")
	}
}

// TestWaitBeforeSignalResumesAfterSignaller parks job A on a group with
// counter 1 before job B signals it; A must resume only after B has run.
func (ts *SchedulerTestSuite) TestWaitBeforeSignalResumesAfterSignaller() {
	s := ts.newScheduler(testConfig(4))
	defer s.Destroy()

	gate := waitgroup.New(s, 1)
	final := waitgroup.New(s, 0)

	var mu sync.Mutex
	var order []string

	s.AddJob(JobFunc(func(ctx context.Context) error {
		gate.Wait(ctx)
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
		return nil
	}), PriorityNormal, 0, final)

	s.AddJob(JobFunc(func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
		gate.Signal(1)
		return nil
	}), PriorityNormal, 0, final)

	s.AddJob(JobFunc(func(ctx context.Context) error {
		final.Wait(ctx)
		s.Stop()
		return nil
	}), PriorityHigh, 0, nil)

	ts.runAndStop(s, 5*time.Second)

	ts.Equal([]string{"b", "a"}, order)
	ts.EqualValues(0, gate.Count())
}

// TestSignalBeforeWaitReturnsImmediately signals the group before the
// waiter reaches Wait, which must then return without suspending.
func (ts *SchedulerTestSuite) TestSignalBeforeWaitReturnsImmediately() {
	s := ts.newScheduler(testConfig(4))
	defer s.Destroy()

	gate := waitgroup.New(s, 1)
	final := waitgroup.New(s, 0)
	signaled := make(chan struct{})

	s.AddJob(JobFunc(func(ctx context.Context) error {
		gate.Signal(1)
		close(signaled)
		return nil
	}), PriorityNormal, 0, final)

	s.AddJob(JobFunc(func(ctx context.Context) error {
		<-signaled // forces this job to run strictly after the signal above
		gate.Wait(ctx)
		return nil
	}), PriorityNormal, 0, final)

	s.AddJob(JobFunc(func(ctx context.Context) error {
		final.Wait(ctx)
		s.Stop()
		return nil
	}), PriorityHigh, 0, nil)

	ts.runAndStop(s, 5*time.Second)
	ts.EqualValues(0, gate.Count())
}

// TestManyWaitersAllResumeOnce parks 64 jobs on one group with counter 1
// and has a 65th job signal it; every waiter must resume exactly once.
func (ts *SchedulerTestSuite) TestManyWaitersAllResumeOnce() {
	const n = 64

	cfg := testConfig(8)
	cfg.FiberPoolSize = 256
	s := ts.newScheduler(cfg)
	defer s.Destroy()

	gate := waitgroup.New(s, 1)
	final := waitgroup.New(s, 0)
	var woke atomic.Int64

	for i := 0; i < n; i++ {
		s.AddJob(JobFunc(func(ctx context.Context) error {
			gate.Wait(ctx)
			woke.Add(1)
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
	ts.EqualValues(n, woke.Load())
}

// TestMainThreadAffinityRunsOnWorkerZero checks that a main-thread-only
// job observes CurrentWorkerIndex() == 0 regardless of which worker
// happened to be free when it was enqueued.
func (ts *SchedulerTestSuite) TestMainThreadAffinityRunsOnWorkerZero() {
	s := ts.newScheduler(testConfig(4))
	defer s.Destroy()

	var observedIndex int
	var observedOK bool
	final := waitgroup.New(s, 0)

	s.AddJob(JobFunc(func(ctx context.Context) error {
		observedIndex, observedOK = CurrentWorkerIndex(ctx)
		return nil
	}), PriorityHigh, MainThreadAffinity, final)

	s.AddJob(JobFunc(func(ctx context.Context) error {
		final.Wait(ctx)
		s.Stop()
		return nil
	}), PriorityHigh, 0, nil)

	ts.runAndStop(s, 5*time.Second)

	ts.True(observedOK)
	ts.Equal(0, observedIndex)
}

// TestShutdownDrainsAllScheduledJobs schedules 10,000 trivial jobs and
// calls Stop from a job that runs only once every one of them has
// completed. No job may be left un-executed.
func (ts *SchedulerTestSuite) TestShutdownDrainsAllScheduledJobs() {
	const n = 10000

	cfg := testConfig(8)
	s := ts.newScheduler(cfg)
	defer s.Destroy()

	var count atomic.Int64
	final := waitgroup.New(s, 0)

	for i := 0; i < n; i++ {
		s.AddJob(JobFunc(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}), PriorityNormal, 0, final)
	}
	s.AddJob(JobFunc(func(ctx context.Context) error {
		final.Wait(ctx)
		s.Stop()
		return nil
	}), PriorityHigh, 0, nil)

	ts.runAndStop(s, 30*time.Second)
	ts.EqualValues(n, count.Load())
}
