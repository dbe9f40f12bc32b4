package engine

import "container/heap"

// recordHeap orders pending records by priority, then submission order.
type recordHeap []*Record

func (h recordHeap) Len() int { return len(h) }

func (h recordHeap) Less(i, j int) bool { return before(h[i], h[j]) }

func (h recordHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *recordHeap) Push(x any) {
	r := x.(*Record)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

func (h recordHeap) peek() *Record {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

func (h *recordHeap) remove(r *Record) bool {
	if r.index < 0 || r.index >= len(*h) || (*h)[r.index] != r {
		return false
	}
	heap.Remove(h, r.index)
	return true
}

func before(a, b *Record) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.tick < b.tick
}
