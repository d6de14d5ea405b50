package batch

import "container/heap"

// queued is a heap entry. seq breaks priority ties in submission order.
type queued struct {
	id       string
	priority int
	seq      uint64
	index    int
}

// priorityQueue orders jobs by priority (higher first), FIFO within a priority.
type priorityQueue []*queued

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *priorityQueue) Push(x interface{}) {
	item := x.(*queued)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

func (q *priorityQueue) push(id string, priority int, seq uint64) {
	heap.Push(q, &queued{id: id, priority: priority, seq: seq})
}

func (q *priorityQueue) pop() (string, bool) {
	if q.Len() == 0 {
		return "", false
	}
	return heap.Pop(q).(*queued).id, true
}

// remove drops id from the queue if present.
func (q *priorityQueue) remove(id string) {
	for _, item := range *q {
		if item.id == id {
			heap.Remove(q, item.index)
			return
		}
	}
}
