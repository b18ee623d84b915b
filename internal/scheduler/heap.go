package scheduler

// dueIndex is a Min-Heap of distinct scheduled timestamps (UTC milliseconds).
//
// A timestamp is pushed when its bucket is created and popped when that bucket
// is drained, so every entry has exactly one live bucket in the pending map.
// Peek is O(1), insert and pop are O(log N).
type dueIndex []int64

func (h dueIndex) Len() int           { return len(h) }
func (h dueIndex) Less(i, j int) bool { return h[i] < h[j] }
func (h dueIndex) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *dueIndex) Push(x any) {
	*h = append(*h, x.(int64))
}

func (h *dueIndex) Pop() any {
	old := *h
	n := len(old)
	ts := old[n-1]
	*h = old[:n-1]
	return ts
}

// peek returns the smallest timestamp without removing it.
func (h dueIndex) peek() (int64, bool) {
	if len(h) == 0 {
		return 0, false
	}
	return h[0], true
}
