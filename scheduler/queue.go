package scheduler

import (
	"container/heap"

	"github.com/quay/pyenvd"
)

// queuedOp is one heap element: the operation plus a monotonic sequence
// number that breaks ties within the same priority (FIFO).
type queuedOp struct {
	op  pyenvd.ScheduledOperation
	seq int64
}

// opQueue is a container/heap.Interface ordering system-critical ops
// first, then by Priority (lower value first), then FIFO by seq.
type opQueue []*queuedOp

func (q opQueue) Len() int { return len(q) }

func (q opQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.op.IsSystemCritical != b.op.IsSystemCritical {
		return a.op.IsSystemCritical
	}
	if a.op.Priority != b.op.Priority {
		return a.op.Priority < b.op.Priority
	}
	return a.seq < b.seq
}

func (q opQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *opQueue) Push(x any) {
	*q = append(*q, x.(*queuedOp))
}

func (q *opQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q *opQueue) peek() *queuedOp {
	return (*q)[0]
}

// removeByID removes the queued operation with the given id, if present,
// preserving the heap invariant.
func (q *opQueue) removeByID(id string) {
	for i, qo := range *q {
		if qo.op.ID == id {
			n := len(*q)
			(*q)[i] = (*q)[n-1]
			*q = (*q)[:n-1]
			heap.Init(q)
			return
		}
	}
}
