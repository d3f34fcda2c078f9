package scheduler

import (
	"sync"
	"time"
)

// wakeupGate tracks how many workers are parked idle so AddJob only pays
// the cost of waking workers when at least one is actually sleeping,
// rather than broadcasting on every enqueue. It never changes dequeue
// order or which worker runs a job, only how quickly an idle worker
// notices new work.
//
// A generation channel (closed and replaced on every Notify that finds a
// parked worker) stands in
// for an OS counting semaphore; a parked worker selects on it alongside
// a timeout so it still re-polls the queues periodically even if a
// notify is missed.
type wakeupGate struct {
	mu       sync.Mutex
	gen      chan struct{}
	sleeping int32
}

func newWakeupGate() *wakeupGate {
	return &wakeupGate{gen: make(chan struct{})}
}

// Notify wakes every worker currently parked in ParkIdle. Safe to call
// whether or not anyone is sleeping; with no worker parked it does
// nothing.
func (g *wakeupGate) Notify() {
	g.mu.Lock()
	if g.sleeping == 0 {
		g.mu.Unlock()
		return
	}
	old := g.gen
	g.gen = make(chan struct{})
	g.mu.Unlock()
	close(old)
}

// ParkIdle blocks the calling worker until either Notify fires or
// timeout elapses, whichever comes first. A busy spin here would hold a
// real OS thread hostage under Go's M:N goroutine scheduling, starving
// other workers multiplexed onto the same thread, so the goroutine
// yields entirely instead.
func (g *wakeupGate) ParkIdle(timeout time.Duration) {
	g.mu.Lock()
	ch := g.gen
	g.sleeping++
	g.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
	}

	g.mu.Lock()
	g.sleeping--
	g.mu.Unlock()
}

// SleepingCount reports how many workers are currently parked in
// ParkIdle, for diagnostics.
func (g *wakeupGate) SleepingCount() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sleeping
}
