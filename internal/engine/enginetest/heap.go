package enginetest

import "sort"

const heapAlign = 8

type span struct {
	start, size uint32
}

// heap is a first-fit allocator over [base, end) with coalescing frees.
type heap struct {
	free []span
}

func newHeap(base, end uint32) *heap {
	return &heap{free: []span{{start: base, size: end - base}}}
}

func alignUp(n uint32) (uint32, bool) {
	if n > ^uint32(0)-(heapAlign-1) {
		return 0, false
	}
	return (n + heapAlign - 1) &^ (heapAlign - 1), true
}

func (h *heap) alloc(n uint32) uint32 {
	n, ok := alignUp(n)
	if !ok || n == 0 {
		return 0
	}
	for i, s := range h.free {
		if s.size < n {
			continue
		}
		if s.size == n {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{start: s.start + n, size: s.size - n}
		}
		return s.start
	}
	return 0
}

func (h *heap) release(ptr, n uint32) {
	n, _ = alignUp(n)
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].start > ptr })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = span{start: ptr, size: n}

	// Merge with the following span, then with the preceding one.
	if i+1 < len(h.free) && h.free[i].start+h.free[i].size == h.free[i+1].start {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].start+h.free[i-1].size == h.free[i].start {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

func (h *heap) available() uint64 {
	var total uint64
	for _, s := range h.free {
		total += uint64(s.size)
	}
	return total
}
