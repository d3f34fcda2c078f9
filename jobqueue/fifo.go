// Package jobqueue implements the priority job queues and the
// ready-fibers queue the dispatch loop dequeues from, plus the dequeue
// policy itself.
package jobqueue

import "sync"

// Entry is satisfied by a pointer type P to a node struct T that carries
// its own intrusive "next" link. Queues built over Entry do not allocate
// on PushBack: the link lives inside the item itself.
type Entry[T any] interface {
	*T
	Next() *T
	SetNext(*T)
}

// FIFO is a mutex-protected queue: pushed at the tail, popped from the
// head. Each lock hold is O(1) on the push/pop paths and O(queue) only
// for the scanning pop, which in practice stops at the first entry.
type FIFO[T any, P Entry[T]] struct {
	mu         sync.Mutex
	head, tail P
	size       int
}

// NewFIFO returns an empty queue.
func NewFIFO[T any, P Entry[T]]() *FIFO[T, P] {
	return &FIFO[T, P]{}
}

// PushBack appends item at the tail.
func (q *FIFO[T, P]) PushBack(item P) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.SetNext(nil)
	if q.tail == nil {
		q.head = item
	} else {
		q.tail.SetNext(item)
	}
	q.tail = item
	q.size++
}

// PopFront removes and returns the head entry, if any.
func (q *FIFO[T, P]) PopFront() (P, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popFrontLocked()
}

func (q *FIFO[T, P]) popFrontLocked() (P, bool) {
	if q.head == nil {
		var zero P
		return zero, false
	}
	item := q.head
	q.head = item.Next()
	if q.head == nil {
		var zero P
		q.tail = zero
	}
	item.SetNext(nil)
	q.size--
	return item, true
}

// PopFirstMatch removes and returns the first entry (scanning from the
// head) for which pred reports true; entries ahead of it are left in
// place, in order, for whichever caller can take them. This backs both
// the ready-fibers queue's switch-completed check (an entry whose switch
// has not finished is skipped and the next ready entry tried) and the
// affinity check: a main-thread-only job at the head must not block
// other workers from the jobs queued behind it.
func (q *FIFO[T, P]) PopFirstMatch(pred func(P) bool) (P, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var prev P
	for cur := q.head; cur != nil; cur = cur.Next() {
		if !pred(cur) {
			prev = cur
			continue
		}
		if prev == nil {
			q.head = cur.Next()
		} else {
			prev.SetNext(cur.Next())
		}
		if q.tail == cur {
			q.tail = prev
		}
		cur.SetNext(nil)
		q.size--
		return cur, true
	}
	var zero P
	return zero, false
}

// Len reports the current queue length, for diagnostics and tests.
func (q *FIFO[T, P]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Empty reports whether the queue currently holds no entries.
func (q *FIFO[T, P]) Empty() bool {
	return q.Len() == 0
}
