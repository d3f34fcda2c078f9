// Package scratch implements the per-fiber scratch allocator: a linear
// bump arena whose backing pages come from a pagesource.Source and whose
// whole contents are discarded in O(1) when the owning fiber is returned
// to its pool. Transient allocations in render-pass setup, command-list
// building, and entity updates are overwhelmingly fiber-scoped, which is
// what makes the rewind-everything contract viable.
package scratch

import (
	"fmt"

	"github.com/foundryengine/jobsystem/pagesource"
)

const (
	defaultInitialSize = 16 * 1024
	defaultMaxGrows    = 8
	defaultShrinkRatio = 0.25
)

type block struct {
	buf    []byte
	offset int
}

// Arena is a single-threaded bump allocator. Only the fiber it is bound
// to may call into it; jobs reach it through their Execute context, and
// the pool resets it whenever the owning fiber is returned.
type Arena struct {
	source        pagesource.Source
	blocks        []*block // oldest first; a shrinking Reset keeps only the last
	current       int      // index into blocks of the block currently being filled
	nextBlockSize int
	growsLeft     int
	shrinkRatio   float64
	totalUsed     int
}

// Config controls the arena's growth policy.
type Config struct {
	Source       pagesource.Source
	InitialSize  int
	MaxGrows     int
	ShrinkRatio  float64 // reset drops every block but the newest if usage/capacity < ShrinkRatio
}

// New creates an arena with its first block already allocated.
func New(cfg Config) (*Arena, error) {
	if cfg.Source == nil {
		cfg.Source = pagesource.Default()
	}
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = defaultInitialSize
	}
	if cfg.MaxGrows <= 0 {
		cfg.MaxGrows = defaultMaxGrows
	}
	if cfg.ShrinkRatio <= 0 {
		cfg.ShrinkRatio = defaultShrinkRatio
	}

	a := &Arena{
		source:        cfg.Source,
		nextBlockSize: cfg.InitialSize,
		growsLeft:     cfg.MaxGrows,
		shrinkRatio:   cfg.ShrinkRatio,
	}
	if err := a.growBlock(cfg.InitialSize); err != nil {
		return nil, err
	}
	return a, nil
}

// Alloc returns size bytes aligned to align (a power of two), growing the
// arena from its pagesource.Source if the current block has no room.
// Individual allocations are never freed; the whole arena is cleared by
// Reset.
func (a *Arena) Alloc(size int, align int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("scratch: negative allocation size %d", size)
	}
	if align <= 0 {
		align = 8
	}

	b := a.blocks[a.current]
	start := alignUp(b.offset, align)
	for start+size > len(b.buf) {
		if a.current+1 < len(a.blocks) {
			a.current++
		} else if err := a.growBlock(size); err != nil {
			return nil, err
		}
		b = a.blocks[a.current]
		start = alignUp(b.offset, align)
	}

	b.offset = start + size
	a.totalUsed += size
	return b.buf[start : start+size : start+size], nil
}

// Reset rewinds every block's offset to zero. When usage fell below the
// shrink ratio, all blocks except the newest are released back to the
// page source. Under the doubling policy the newest is the largest, so a
// workload that fits it never re-grows; a block grown earlier to fit one
// oversized request can be larger than the newest and is released too.
func (a *Arena) Reset() {
	capacity := 0
	for _, b := range a.blocks {
		capacity += len(b.buf)
	}

	shouldShrink := capacity > 0 && float64(a.totalUsed)/float64(capacity) < a.shrinkRatio && len(a.blocks) > 1
	if shouldShrink {
		last := a.blocks[len(a.blocks)-1]
		for _, b := range a.blocks[:len(a.blocks)-1] {
			a.source.Release(b.buf)
		}
		a.blocks = a.blocks[:1]
		a.blocks[0] = last
	}

	for _, b := range a.blocks {
		b.offset = 0
	}
	a.current = 0
	a.totalUsed = 0
}

// Destroy releases every block back to the page source. Called once, when
// the fiber owning this arena is freed at scheduler shutdown.
func (a *Arena) Destroy() {
	for _, b := range a.blocks {
		a.source.Release(b.buf)
	}
	a.blocks = nil
}

func (a *Arena) growBlock(minSize int) error {
	size := a.nextBlockSize
	if size < minSize {
		size = minSize
	}
	buf, err := a.source.Acquire(size)
	if err != nil {
		return fmt.Errorf("scratch: arena out of memory: %w", err)
	}

	a.blocks = append(a.blocks, &block{buf: buf})
	a.current = len(a.blocks) - 1

	if a.growsLeft > 0 {
		a.nextBlockSize *= 2
		a.growsLeft--
	}
	return nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
