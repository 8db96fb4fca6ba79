package scheduler

// ReorderBuffer restores block order from results that complete out of order.
// Not safe for concurrent use; the single consumer of Results owns it.
type ReorderBuffer struct {
	next    int64
	pending map[int64]Result
}

// NewReorderBuffer expects first as the first index to release
func NewReorderBuffer(first int64) *ReorderBuffer {
	return &ReorderBuffer{next: first, pending: make(map[int64]Result)}
}

// Push adds a result and returns the longest in-order run now available,
// starting at the next expected index. Results for indices already released
// or already held are dropped.
func (b *ReorderBuffer) Push(r Result) []Result {
	if r.Index < b.next {
		return nil
	}
	if _, dup := b.pending[r.Index]; dup {
		return nil
	}
	if r.Index != b.next {
		b.pending[r.Index] = r
		return nil
	}

	out := []Result{r}
	b.next++
	for {
		nr, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		out = append(out, nr)
		b.next++
	}
	return out
}

// Pending returns how many results are held waiting for an earlier index
func (b *ReorderBuffer) Pending() int {
	return len(b.pending)
}

// Next returns the index the buffer is waiting for
func (b *ReorderBuffer) Next() int64 {
	return b.next
}
