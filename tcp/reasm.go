package tcp

import (
	"github.com/google/btree"
)

// oooSegment is out-of-order data held until the gap preceding it is filled.
type oooSegment struct {
	seq  Value
	data []byte
	fin  bool
}

func (s oooSegment) end() Value { return Add(s.seq, Size(len(s.data))) }

// reassembly is a sequence-sorted queue of out-of-order segments.
// Its byte total is capped at the receive buffer ceiling.
type reassembly struct {
	tree  *btree.BTreeG[oooSegment]
	bytes int
}

func oooLess(a, b oooSegment) bool { return LessThan(a.seq, b.seq) }

func (q *reassembly) reset() {
	if q.tree == nil {
		q.tree = btree.NewG(4, oooLess)
	} else {
		q.tree.Clear(true)
	}
	q.bytes = 0
}

func (q *reassembly) len() int {
	if q.tree == nil {
		return 0
	}
	return q.tree.Len()
}

// insert queues a copy of data starting at seq. Segments that would exceed
// limit queued bytes are dropped and insert returns false.
func (q *reassembly) insert(seq Value, data []byte, fin bool, limit int) bool {
	if q.tree == nil {
		q.reset()
	}
	if q.bytes+len(data) > limit {
		return false
	}
	seg := oooSegment{seq: seq, data: append([]byte(nil), data...), fin: fin}
	if old, ok := q.tree.Get(seg); ok {
		if len(old.data) >= len(seg.data) && (old.fin || !fin) {
			return true // Already have this data.
		}
		q.bytes -= len(old.data)
	}
	q.tree.ReplaceOrInsert(seg)
	q.bytes += len(seg.data)
	return true
}

// flush delivers queued data contiguous with next to deliver, trimming overlap
// with data already delivered. It returns the new next expected sequence number
// and whether an in-order FIN was reached. deliver returns the amount of bytes it stored.
func (q *reassembly) flush(next Value, deliver func([]byte) int) (Value, bool) {
	if q.tree == nil {
		return next, false
	}
	for {
		seg, ok := q.tree.Min()
		if !ok || LessThan(next, seg.seq) {
			return next, false // Empty or gap.
		}
		q.tree.DeleteMin()
		q.bytes -= len(seg.data)
		end := seg.end()
		if LessThan(end, next) || (end == next && !seg.fin) {
			continue // Fully duplicate.
		}
		data := seg.data[Sizeof(seg.seq, next):]
		n := deliver(data)
		next = Add(next, Size(n))
		if n < len(data) {
			// Receive buffer full: requeue the remainder.
			q.insert(next, data[n:], seg.fin, q.bytes+len(data)-n)
			return next, false
		}
		if seg.fin {
			q.tree.Clear(true)
			q.bytes = 0
			return next, true
		}
	}
}
