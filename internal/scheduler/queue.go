package scheduler

import (
	"container/heap"
	"context"
	"slices"

	"github.com/vietddude/conductor/internal/core/domain"
)

// entry is the scheduler's private record for one job.
type entry struct {
	job   *domain.Job
	index int // position in the heap, -1 once dequeued

	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{} // closed on entering a terminal state
}

// before orders jobs by priority tier descending, then submission sequence ascending.
func before(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.Seq < b.Seq
}

// jobQueue is a binary heap implementing heap.Interface.
type jobQueue []*entry

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool { return before(q[i].job, q[j].job) }

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q *jobQueue) remove(e *entry) {
	if e.index >= 0 && e.index < q.Len() && (*q)[e.index] == e {
		heap.Remove(q, e.index)
	}
}

// ordered returns the queued jobs in dispatch order without disturbing the heap.
func (q jobQueue) ordered() []*domain.Job {
	jobs := make([]*domain.Job, 0, len(q))
	for _, e := range q {
		jobs = append(jobs, e.job.Clone())
	}
	slices.SortFunc(jobs, func(a, b *domain.Job) int {
		if before(a, b) {
			return -1
		}
		return 1
	})
	return jobs
}
