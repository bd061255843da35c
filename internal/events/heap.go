package events

// pendingHeap is a container/heap.Interface ordering events so that the
// root is always the next one to deliver: higher priority first, lower id
// breaking ties (spec's priority-then-id delivery contract).
type pendingHeap []Event

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ID < h[j].ID
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) {
	*h = append(*h, x.(Event))
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// lowestPriorityIndex returns the index of the worst candidate to keep when
// the queue is over capacity: lowest priority, and among those the most
// recently published (largest id), so the oldest backlog survives longest.
func (h pendingHeap) lowestPriorityIndex() int {
	worst := 0
	for i := 1; i < len(h); i++ {
		if h[i].Priority < h[worst].Priority ||
			(h[i].Priority == h[worst].Priority && h[i].ID > h[worst].ID) {
			worst = i
		}
	}
	return worst
}
