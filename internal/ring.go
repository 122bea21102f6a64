package internal

import (
	"errors"
	"io"
	"unsafe"
)

var (
	errRingBufferFull = errors.New("ring: buffer full")
	errRingDiscard    = errors.New("ring: discard exceeds buffered")
)

// Ring is a fixed size byte queue. Bytes are appended at the end with
// [Ring.Write] and consumed from the front with [Ring.Read] or [Ring.ReadDiscard].
// Data may be inspected without being consumed with [Ring.ReadAt].
type Ring struct {
	// Buf stores the queued data. Its capacity is unused.
	Buf []byte
	// Off is the index into Buf of the first queued byte. Off < len(Buf) when len(Buf) > 0.
	Off int
	// Len is the amount of queued bytes.
	Len int
}

// Size returns the total capacity of the ring in bytes.
func (r *Ring) Size() int { return len(r.Buf) }

// Buffered returns the amount of bytes queued.
func (r *Ring) Buffered() int { return r.Len }

// Free returns the amount of bytes that can be written before the ring is full.
func (r *Ring) Free() int { return len(r.Buf) - r.Len }

// Reset discards all queued data.
func (r *Ring) Reset() {
	r.Off = 0
	r.Len = 0
}

// WriteString is a wrapper around [Ring.Write] that avoids allocation.
func (r *Ring) WriteString(s string) (int, error) {
	return r.Write(unsafe.Slice(unsafe.StringData(s), len(s)))
}

// Write appends b to the ring. Write is all or nothing: if b does not fit
// no data is written and an error is returned.
func (r *Ring) Write(b []byte) (int, error) {
	if len(b) > r.Free() {
		return 0, errRingBufferFull
	}
	end := r.wrap(r.Off + r.Len)
	n := copy(r.Buf[end:], b)
	if n < len(b) {
		copy(r.Buf, b[n:])
	}
	r.Len += len(b)
	return len(b), nil
}

// ReadAt copies queued data starting off bytes after the front of the ring into p
// without consuming it. It returns [io.EOF] when off is at or past the end of the data.
func (r *Ring) ReadAt(p []byte, off64 int64) (int, error) {
	off := int(off64)
	if off < 0 {
		return 0, errors.New("ring: negative offset")
	} else if off >= r.Len {
		return 0, io.EOF
	}
	n := min(len(p), r.Len-off)
	start := r.wrap(r.Off + off)
	c := copy(p[:n], r.Buf[start:])
	if c < n {
		copy(p[c:n], r.Buf)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Read consumes up to len(p) bytes from the front of the ring.
func (r *Ring) Read(p []byte) (int, error) {
	if r.Len == 0 {
		return 0, io.EOF
	}
	n, _ := r.ReadAt(p, 0)
	r.discard(n)
	return n, nil
}

// ReadDiscard consumes n bytes from the front of the ring without copying them.
func (r *Ring) ReadDiscard(n int) error {
	if n < 0 || n > r.Len {
		return errRingDiscard
	}
	r.discard(n)
	return nil
}

func (r *Ring) discard(n int) {
	r.Len -= n
	if r.Len == 0 {
		r.Off = 0 // Keep next writes contiguous.
		return
	}
	r.Off = r.wrap(r.Off + n)
}

func (r *Ring) wrap(idx int) int {
	if idx >= len(r.Buf) {
		idx -= len(r.Buf)
	}
	return idx
}
