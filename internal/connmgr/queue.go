package connmgr

import "container/heap"

// outboundItem is one frame waiting to be written to a connection's
// socket, ordered by envelope.Metadata.Priority (higher numbers go
// first) and then by submission sequence (FIFO within a priority).
type outboundItem struct {
	frame    []byte
	priority int
	seq      uint64
}

// outboundQueue is a bounded binary heap. When full, Enqueue evicts the
// oldest item among those sharing the incoming item's priority tier
// before falling back to dropping the single oldest item overall.
type outboundQueue struct {
	items []*outboundItem
	cap   int
	seq   uint64
}

func newOutboundQueue(capacity int) *outboundQueue {
	q := &outboundQueue{cap: capacity}
	heap.Init(q)
	return q
}

func (q *outboundQueue) Len() int { return len(q.items) }

func (q *outboundQueue) Less(i, j int) bool {
	if q.items[i].priority != q.items[j].priority {
		return q.items[i].priority > q.items[j].priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *outboundQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *outboundQueue) Push(x any) { q.items = append(q.items, x.(*outboundItem)) }

func (q *outboundQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// dropOldestOfPriority finds and evicts the oldest (lowest seq) queued
// item whose priority equals p, returning true if one was found.
func (q *outboundQueue) dropOldestOfPriority(p int) bool {
	idx := -1
	for i, it := range q.items {
		if it.priority == p && (idx == -1 || it.seq < q.items[idx].seq) {
			idx = i
		}
	}
	if idx == -1 {
		return false
	}
	heap.Remove(q, idx)
	return true
}

// dropOldestOverall evicts the single oldest (lowest seq) item
// regardless of priority, used when the incoming item's own priority
// tier is empty but the queue is still full.
func (q *outboundQueue) dropOldestOverall() bool {
	if len(q.items) == 0 {
		return false
	}
	idx := 0
	for i, it := range q.items {
		if it.seq < q.items[idx].seq {
			idx = i
		}
	}
	heap.Remove(q, idx)
	return true
}

// Enqueue adds frame at the given priority, applying the bounded
// drop-oldest policy if the queue is already at capacity.
func (q *outboundQueue) Enqueue(frame []byte, priority int) (dropped bool) {
	if len(q.items) >= q.cap {
		if !q.dropOldestOfPriority(priority) {
			q.dropOldestOverall()
		}
		dropped = true
	}
	q.seq++
	heap.Push(q, &outboundItem{frame: frame, priority: priority, seq: q.seq})
	return dropped
}

// Dequeue pops the highest-priority, oldest-submitted item, or nil if empty.
func (q *outboundQueue) Dequeue() *outboundItem {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*outboundItem)
}
