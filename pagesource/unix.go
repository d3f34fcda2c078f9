//go:build unix

package pagesource

import (
	"golang.org/x/sys/unix"
)

// pageSize is resolved once; mmap requests are rounded up to a multiple of
// it so every chunk this source hands out is page-aligned, matching the
// "page allocator returning page-aligned, committed memory chunks"
// contract fiber stacks and scratch arenas depend on.
var pageSize = unix.Getpagesize()

// Unix backs fiber stacks and scratch-arena blocks with anonymous mmap
// regions, released with munmap.
type Unix struct{}

// NewUnix returns an mmap-backed page source.
func NewUnix() *Unix { return &Unix{} }

func (u *Unix) Acquire(n int) ([]byte, error) {
	size := roundUpToPage(n)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, &ErrExhausted{Requested: n, Cause: err}
	}
	return b, nil
}

func (u *Unix) Release(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	_ = unix.Munmap(chunk)
}

func roundUpToPage(n int) int {
	if n <= 0 {
		n = pageSize
	}
	return ((n + pageSize - 1) / pageSize) * pageSize
}

func defaultSource() Source {
	return NewUnix()
}
