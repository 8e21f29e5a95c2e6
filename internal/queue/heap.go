package queue

import "time"

type item struct {
	task        Task
	seq         uint64
	priority    int
	runAt       time.Time
	attempt     int
	maxAttempts int
	uniqueKey   string
	index       int
}

// delayedHeap orders tasks that are not ready yet by run time.
type delayedHeap []*item

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].runAt.Before(h[j].runAt)
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h delayedHeap) Peek() *item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// readyHeap orders runnable tasks by priority, then by arrival.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority == h[j].priority {
		return h[i].seq < h[j].seq
	}
	return h[i].priority < h[j].priority
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// oldest returns the index of the longest-waiting ready task.
func (h readyHeap) oldest() int {
	idx := 0
	for i := 1; i < len(h); i++ {
		if h[i].seq < h[idx].seq {
			idx = i
		}
	}
	return idx
}
