package memtable

// Iterator enumerates a memtable snapshot in comparator order, forward
// or backward, via a heap of per-SV cursors (spec.md §4.1 "Iterator").
// Seek operations propagate through each SV's lower-bound binary search.
type Iterator struct {
	cmp     Comparator
	vectors []*sortedVector
	heap    *cursorHeap
	reverse bool
	cur     *svCursor
	valid   bool
}

// newIterator builds an iterator over a container snapshot. Any SV that
// hasn't been sealed by the sort thread yet is sorted synchronously here
// — sort is idempotent and safe to call from any goroutine (spec.md
// §4.1 Failure semantics: "Sort is re-entrant safe"), and a full scan
// needs every included SV ordered regardless of which thread did the
// work.
func newIterator(vectors []*sortedVector, cmp Comparator) *Iterator {
	for _, sv := range vectors {
		if !sv.isSorted() {
			sv.sort(cmp)
		}
	}
	return &Iterator{cmp: cmp, vectors: vectors}
}

func (it *Iterator) lessForward(a, b *svCursor) bool {
	return it.cmp.Compare(a.sv.entries[a.pos].key, b.sv.entries[b.pos].key) < 0
}

func (it *Iterator) lessBackward(a, b *svCursor) bool {
	return it.cmp.Compare(a.sv.entries[a.pos].key, b.sv.entries[b.pos].key) > 0
}

// SeekToFirst repositions the iterator at the smallest key.
func (it *Iterator) SeekToFirst() {
	it.reverse = false
	it.heap = newCursorHeap(it.lessForward)
	for _, sv := range it.vectors {
		if sv.length() > 0 {
			it.heap.push(&svCursor{sv: sv, pos: 0})
		}
	}
	it.advance()
}

// SeekToLast repositions the iterator at the largest key.
func (it *Iterator) SeekToLast() {
	it.reverse = true
	it.heap = newCursorHeap(it.lessBackward)
	for _, sv := range it.vectors {
		n := sv.length()
		if n > 0 {
			it.heap.push(&svCursor{sv: sv, pos: n - 1})
		}
	}
	it.advance()
}

// Seek repositions the iterator at the first key >= target (forward
// order), propagating the seek through each SV's lower-bound binary
// search (spec.md §4.1).
func (it *Iterator) Seek(target []byte) {
	it.reverse = false
	it.heap = newCursorHeap(it.lessForward)
	for _, sv := range it.vectors {
		pos := sv.lowerBound(it.cmp, target)
		if pos < sv.length() {
			it.heap.push(&svCursor{sv: sv, pos: pos})
		}
	}
	it.advance()
}

// Next advances to the next key in the iterator's current direction.
func (it *Iterator) Next() {
	if it.cur == nil {
		it.valid = false
		return
	}
	if it.reverse {
		it.cur.pos--
		if it.cur.pos < 0 {
			it.heap.pop()
		} else {
			it.heap.fix()
		}
	} else {
		it.cur.pos++
		if it.cur.pos >= it.cur.sv.length() {
			it.heap.pop()
		} else {
			it.heap.fix()
		}
	}
	it.advance()
}

func (it *Iterator) advance() {
	it.cur = it.heap.peek()
	it.valid = it.cur != nil
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current entry's key bytes. Only valid while Valid().
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.cur.sv.entries[it.cur.pos].key
}
