package memtable

// cursorHeap is a small binary heap over per-SV iteration cursors, used
// both for the sort thread's k-way merge of "small" SVs and for the
// memtable iterator's forward/reverse traversal (spec.md §4.1: "owns
// per-SV cursors in a comparator-ordered heap"). less is supplied by the
// caller so the same implementation serves both the min-heap (forward)
// and max-heap (reverse) orderings without duplicating the heap logic.
type cursorHeap struct {
	items []*svCursor
	less  func(a, b *svCursor) bool
}

// svCursor tracks one sorted-vector's current position during a merge
// or an iteration.
type svCursor struct {
	sv  *sortedVector
	pos int
}

func newCursorHeap(less func(a, b *svCursor) bool) *cursorHeap {
	return &cursorHeap{less: less}
}

func (h *cursorHeap) Len() int { return len(h.items) }

func (h *cursorHeap) push(c *svCursor) {
	h.items = append(h.items, c)
	h.up(len(h.items) - 1)
}

func (h *cursorHeap) peek() *svCursor {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// fix re-heapifies after the top element's key changes in place (e.g.
// its cursor advanced), without a pop/push pair.
func (h *cursorHeap) fix() {
	h.down(0)
}

func (h *cursorHeap) pop() *svCursor {
	n := len(h.items)
	if n == 0 {
		return nil
	}
	top := h.items[0]
	h.items[0] = h.items[n-1]
	h.items = h.items[:n-1]
	if len(h.items) > 0 {
		h.down(0)
	}
	return top
}

func (h *cursorHeap) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(h.items[i], h.items[parent]) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *cursorHeap) down(i int) {
	n := len(h.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && h.less(h.items[right], h.items[left]) {
			smallest = right
		}
		if !h.less(h.items[smallest], h.items[i]) {
			break
		}
		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
}
