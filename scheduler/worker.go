package scheduler

import "github.com/foundryengine/jobsystem/fiber"

// worker is one scheduling slot per long-lived goroutine spawned by
// Start. index is fixed for its lifetime; currentFiber/prevFiber track
// which fiber this slot is presently driving and which it switched away
// from, the bookkeeping the cleanup step finalises after each switch.
// exitContext is the pseudo-fiber a worker's dispatch loop switches back
// to on shutdown, letting the goroutine that called Start/runWorker
// regain control and join.
type worker struct {
	index        int
	currentFiber *fiber.Fiber
	prevFiber    *fiber.Fiber
	exitContext  *fiber.Fiber
}

// startInstruction tells a freshly rented fiber's dispatch entry point
// what to do before falling into the generic loop: which worker slot it
// is now driving, and, only when this fiber was rented specifically to
// carry one job while some other fiber parks, the job to run first. A
// nil job means "just enter the loop", the ordinary case for a worker's
// very first rented fiber at startup.
type startInstruction struct {
	workerIndex int
	job         *JobBase
}
