package optimizer

import (
	"container/heap"
	"sync"

	"github.com/jguan/gametrans/pkg/translation"
)

// PriorityQueue orders items by translation priority, FIFO within a
// priority. It is safe for concurrent use.
type PriorityQueue[T any] struct {
	mu    sync.Mutex
	items queueHeap[T]
	seq   uint64
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}

func (q *PriorityQueue[T]) Push(p translation.Priority, item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.items, queued[T]{priority: p, seq: q.seq, item: item})
}

// Pop removes the most urgent item.
func (q *PriorityQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&q.items).(queued[T]).item, true
}

func (q *PriorityQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// DrainPartitions empties the queue into one slice per priority, most
// urgent first. Empty priorities are skipped.
func (q *PriorityQueue[T]) DrainPartitions() [][]T {
	q.mu.Lock()
	defer q.mu.Unlock()

	var parts [][]T
	current := translation.Priority(-1)
	for q.items.Len() > 0 {
		it := heap.Pop(&q.items).(queued[T])
		if it.priority != current || len(parts) == 0 {
			parts = append(parts, nil)
			current = it.priority
		}
		parts[len(parts)-1] = append(parts[len(parts)-1], it.item)
	}
	return parts
}

type queued[T any] struct {
	priority translation.Priority
	seq      uint64
	item     T
}

type queueHeap[T any] []queued[T]

func (h queueHeap[T]) Len() int { return len(h) }
func (h queueHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h queueHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *queueHeap[T]) Push(x any)   { *h = append(*h, x.(queued[T])) }
func (h *queueHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
