// Package queue provides the orchestrator's priority queue and waiting set.
// Both live under one lock; critical sections are heap operations or linear
// in the number of dependents unblocked by a single completion.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrTaskExists is returned when a task is already queued or waiting.
	ErrTaskExists = errors.New("task already in queue")
	// ErrClosed is returned from Pop after Close.
	ErrClosed = errors.New("queue is closed")
)

// Item is one schedulable entry. Ready items sit in the priority heap;
// items with unmet dependencies sit in the waiting set until their last
// dependency completes.
type Item struct {
	TaskID    string
	Priority  int // higher first
	CreatedAt time.Time
	Seq       uint64 // admission order, final tie-break

	index int // heap position, managed by container/heap
}

// itemHeap orders by priority desc, then creation time, then admission order.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].Seq < h[j].Seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// waitingEntry pairs an item with its unmet dependency set.
type waitingEntry struct {
	item  *Item
	unmet map[string]bool
}

// Queue is the orchestrator's work queue: a priority heap of ready tasks and
// a waiting set of blocked tasks indexed by dependency.
type Queue struct {
	mu         sync.Mutex
	heap       itemHeap
	inHeap     map[string]*Item
	waiting    map[string]*waitingEntry
	dependents map[string]map[string]bool // dep id -> waiting task ids
	maxSize    int
	ready      chan struct{}
	done       chan struct{}
	closed     bool
}

// New creates a queue. maxSize bounds heap + waiting set; zero means unbounded.
func New(maxSize int) *Queue {
	q := &Queue{
		inHeap:     make(map[string]*Item),
		waiting:    make(map[string]*waitingEntry),
		dependents: make(map[string]map[string]bool),
		maxSize:    maxSize,
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue admits an item. unmetDeps is the set of dependency task ids not yet
// completed, as determined by the caller; when empty the item is immediately
// poppable, otherwise it waits until Complete resolves the last of them.
func (q *Queue) Enqueue(item *Item, unmetDeps []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, exists := q.inHeap[item.TaskID]; exists {
		return ErrTaskExists
	}
	if _, exists := q.waiting[item.TaskID]; exists {
		return ErrTaskExists
	}
	if q.maxSize > 0 && len(q.heap)+len(q.waiting) >= q.maxSize {
		return ErrQueueFull
	}

	if len(unmetDeps) == 0 {
		q.pushLocked(item)
		return nil
	}

	entry := &waitingEntry{item: item, unmet: make(map[string]bool, len(unmetDeps))}
	for _, dep := range unmetDeps {
		entry.unmet[dep] = true
		if q.dependents[dep] == nil {
			q.dependents[dep] = make(map[string]bool)
		}
		q.dependents[dep][item.TaskID] = true
	}
	q.waiting[item.TaskID] = entry
	return nil
}

// Pop blocks until an item is ready, the context is cancelled, or the queue
// is closed.
func (q *Queue) Pop(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.heap) > 0 {
			item := heap.Pop(&q.heap).(*Item)
			delete(q.inHeap, item.TaskID)
			if len(q.heap) > 0 {
				// Coalesced signals may have woken only this worker.
				q.signalLocked()
			}
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.ready:
		}
	}
}

// Complete resolves a dependency. Every waiting task whose last unmet
// dependency this was moves to the heap; their ids are returned.
func (q *Queue) Complete(taskID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.dependents[taskID]
	delete(q.dependents, taskID)
	if len(ids) == 0 {
		return nil
	}

	promoted := make([]string, 0, len(ids))
	for id := range ids {
		entry, ok := q.waiting[id]
		if !ok {
			continue
		}
		delete(entry.unmet, taskID)
		if len(entry.unmet) == 0 {
			delete(q.waiting, id)
			q.pushLocked(entry.item)
			promoted = append(promoted, id)
		}
	}
	return promoted
}

// Remove takes a task out of the heap or the waiting set. Returns false when
// the task is in neither (already popped or never enqueued).
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.inHeap[taskID]; ok {
		heap.Remove(&q.heap, item.index)
		delete(q.inHeap, taskID)
		return true
	}
	if entry, ok := q.waiting[taskID]; ok {
		for dep := range entry.unmet {
			delete(q.dependents[dep], taskID)
			if len(q.dependents[dep]) == 0 {
				delete(q.dependents, dep)
			}
		}
		delete(q.waiting, taskID)
		return true
	}
	return false
}

// WaitingOn returns the ids of tasks blocked on the given dependency.
func (q *Queue) WaitingOn(taskID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.dependents[taskID]))
	for id := range q.dependents[taskID] {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of ready items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// WaitingLen returns the number of blocked items.
func (q *Queue) WaitingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Close wakes all blocked Pop calls with ErrClosed. Remaining items are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) pushLocked(item *Item) {
	heap.Push(&q.heap, item)
	q.inHeap[item.TaskID] = item
	q.signalLocked()
}

func (q *Queue) signalLocked() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
