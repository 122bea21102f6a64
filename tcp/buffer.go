package tcp

import (
	"github.com/embedtcp/etcp/internal"
	"github.com/smallnest/ringbuffer"
)

// sendBuffer holds application data not yet acknowledged by the peer.
// The first buffered byte corresponds to the oldest unacknowledged sequence number.
type sendBuffer struct {
	ring internal.Ring
	// shutdown is set once the application will write no more data.
	shutdown bool
}

func (sb *sendBuffer) reset(size int) {
	if cap(sb.ring.Buf) < size {
		sb.ring.Buf = make([]byte, size)
	}
	sb.ring.Buf = sb.ring.Buf[:size]
	sb.ring.Reset()
	sb.shutdown = false
}

func (sb *sendBuffer) count() int    { return sb.ring.Buffered() }
func (sb *sendBuffer) countMax() int { return sb.ring.Size() }
func (sb *sendBuffer) free() int     { return sb.ring.Free() }

// append queues as much of b as fits and returns the amount queued.
func (sb *sendBuffer) append(b []byte) int {
	n := min(len(b), sb.ring.Free())
	if n == 0 {
		return 0
	}
	sb.ring.Write(b[:n])
	return n
}

// copyAt copies buffered data starting off bytes from the front without consuming it.
func (sb *sendBuffer) copyAt(dst []byte, off int) int {
	n, _ := sb.ring.ReadAt(dst, int64(off))
	return n
}

// trim discards n acknowledged bytes from the front of the buffer.
func (sb *sendBuffer) trim(n int) {
	sb.ring.ReadDiscard(min(n, sb.ring.Buffered()))
}

// recvBuffer holds in-order data received from the peer and not yet read by the application.
type recvBuffer struct {
	rb  *ringbuffer.RingBuffer
	max int
	// shutdown is set once the application will read no more data.
	shutdown bool
	// urgentMark is the amount of buffered bytes preceding the urgent mark. Valid if markSet.
	urgentMark int
	markSet    bool
}

func (rb *recvBuffer) reset(size int) {
	if rb.rb == nil || rb.max != size {
		rb.rb = ringbuffer.New(size)
	} else {
		rb.rb.Reset()
	}
	rb.max = size
	rb.shutdown = false
	rb.urgentMark = 0
	rb.markSet = false
}

func (rb *recvBuffer) count() int    { return rb.rb.Length() }
func (rb *recvBuffer) countMax() int { return rb.max }
func (rb *recvBuffer) free() int     { return rb.rb.Free() }

// append stores as much of b as fits within the flow control ceiling and returns the amount stored.
func (rb *recvBuffer) append(b []byte) int {
	n := min(len(b), rb.rb.Free())
	if n == 0 {
		return 0
	}
	n, _ = rb.rb.Write(b[:n])
	return n
}

// read consumes buffered data into p, stopping at the urgent mark.
func (rb *recvBuffer) read(p []byte) int {
	if rb.rb.IsEmpty() || len(p) == 0 {
		return 0
	}
	if rb.markSet && rb.urgentMark > 0 {
		p = p[:min(len(p), rb.urgentMark)]
	}
	n, _ := rb.rb.Read(p)
	if rb.markSet {
		rb.urgentMark -= n
		if rb.urgentMark <= 0 {
			rb.markSet = false
			rb.urgentMark = 0
		}
	}
	return n
}

// discard drops all buffered data.
func (rb *recvBuffer) discard() {
	rb.rb.Reset()
	rb.markSet = false
	rb.urgentMark = 0
}
