package scheduler

// Advance flips the scheduler's frame parity. Double-buffered allocators
// and other per-frame engine systems outside this package read FrameIndex
// to pick which of a pair of buffers is live this frame; the scheduler
// itself attaches no meaning to the value beyond incrementing it once
// per frame on the caller's behalf.
func (s *Scheduler) Advance() uint32 {
	return s.frameIndex.Add(1) & 1
}

// FrameIndex returns the current frame parity without advancing it.
func (s *Scheduler) FrameIndex() uint32 {
	return s.frameIndex.Load() & 1
}
