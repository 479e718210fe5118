package scheduler

import (
	"container/heap"
	"sort"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// queueItem is one backlog entry. seq orders same-priority entries FIFO.
type queueItem struct {
	task *models.Task
	// priority is captured at enqueue time; a retried task re-enters
	// with its escalated priority.
	priority int
	seq      uint64
}

// queueHeap implements heap.Interface ordered by (priority, seq) ascending.
type queueHeap []*queueItem

func (q queueHeap) Len() int { return len(q) }

func (q queueHeap) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q queueHeap) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queueHeap) Push(x any) { *q = append(*q, x.(*queueItem)) }

func (q *queueHeap) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// backlog is a binary-heap priority queue of unassigned tasks keyed by
// (priority, insertion sequence) for deterministic FIFO tie-breaking.
// Not safe for concurrent use; the scheduler's mutex guards it.
type backlog struct {
	heap    queueHeap
	nextSeq uint64
}

func newBacklog() *backlog {
	return &backlog{}
}

// push enqueues a task at its current priority.
func (b *backlog) push(task *models.Task) {
	b.nextSeq++
	heap.Push(&b.heap, &queueItem{task: task, priority: task.Priority, seq: b.nextSeq})
}

// peek returns the highest-priority task without removing it.
func (b *backlog) peek() (*models.Task, bool) {
	if len(b.heap) == 0 {
		return nil, false
	}
	return b.heap[0].task, true
}

// pop removes and returns the highest-priority task.
func (b *backlog) pop() (*models.Task, bool) {
	if len(b.heap) == 0 {
		return nil, false
	}
	return heap.Pop(&b.heap).(*queueItem).task, true
}

func (b *backlog) len() int { return len(b.heap) }

// tasks returns the queued tasks in pop order without disturbing the heap.
func (b *backlog) tasks() []*models.Task {
	items := make([]*queueItem, len(b.heap))
	copy(items, b.heap)
	sort.Slice(items, func(i, j int) bool {
		if items[i].priority != items[j].priority {
			return items[i].priority < items[j].priority
		}
		return items[i].seq < items[j].seq
	})

	out := make([]*models.Task, len(items))
	for i, item := range items {
		out[i] = item.task
	}
	return out
}
