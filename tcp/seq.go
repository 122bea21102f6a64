/*
Package tcp implements the TCP protocol engine of an embedded TCP/IP stack:
the per-connection state machine, sliding window data transfer,
retransmission and timer management, congestion control and the
listen/accept backlog.

# Values and Sizes

All arithmetic dealing with sequence numbers is performed modulo 2**32.
Sequence numbers must never be compared with the builtin operators.
Use [LessThan], [LessThanEq] and [InWindow] instead.
*/
package tcp

// Value represents the value of a sequence number.
type Value uint32

// Size represents the size (length) of a sequence number window.
type Size uint32

// LessThan reports whether v is before w modulo 2**32.
// v is before w iff (w-v) mod 2**32 lies in (0, 2**31]. Two values exactly
// 2**31 apart are each before the other.
func LessThan(v, w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq returns true if v==w or v is before w modulo 2**32.
func LessThanEq(v, w Value) bool {
	return v == w || LessThan(v, w)
}

// InRange checks if v is in the range [a,b) modulo 2**32.
func InRange(v, a, b Value) bool {
	return v-a < b-a
}

// InWindow checks if v is in the window that starts at first and spans size sequence numbers.
func InWindow(v, first Value, size Size) bool {
	return InRange(v, first, Add(first, size))
}

// Add calculates the sequence number following the [v, v+s) window.
func Add(v Value, s Size) Value {
	return v + Value(s)
}

// Sizeof calculates the size of the window defined by [v, w).
func Sizeof(v, w Value) Size {
	return Size(w - v)
}

// maxSeq returns the later of v and w.
func maxSeq(v, w Value) Value {
	if LessThan(v, w) {
		return w
	}
	return v
}
