package tcp

import (
	"bytes"
	"testing"
)

func TestSendBuffer(t *testing.T) {
	var sb sendBuffer
	sb.reset(8)
	if n := sb.append([]byte("abcdefghij")); n != 8 {
		t.Fatalf("appended %d, want 8", n)
	}
	if sb.free() != 0 || sb.count() != 8 {
		t.Fatalf("count=%d free=%d", sb.count(), sb.free())
	}
	if n := sb.append([]byte("x")); n != 0 {
		t.Fatalf("append to full buffer stored %d bytes", n)
	}
	var dst [4]byte
	if n := sb.copyAt(dst[:], 2); n != 4 || string(dst[:n]) != "cdef" {
		t.Fatalf("copyAt(2) = %q", dst[:n])
	}
	if sb.count() != 8 {
		t.Fatal("copyAt consumed data")
	}
	sb.trim(3)
	if n := sb.copyAt(dst[:], 0); string(dst[:n]) != "defg" {
		t.Fatalf("after trim got %q", dst[:n])
	}
	// Wrap around the end of the ring.
	if n := sb.append([]byte("123")); n != 3 {
		t.Fatalf("appended %d, want 3", n)
	}
	var all [8]byte
	n := sb.copyAt(all[:], 0)
	if string(all[:n]) != "defgh123" {
		t.Fatalf("wrapped contents %q", all[:n])
	}
	sb.trim(100)
	if sb.count() != 0 || sb.free() != 8 {
		t.Fatalf("trim past end left count=%d", sb.count())
	}
}

func TestRecvBufferUrgentMark(t *testing.T) {
	var rb recvBuffer
	rb.reset(16)
	rb.append([]byte("hello world"))
	rb.urgentMark = 5
	rb.markSet = true
	var p [16]byte
	n := rb.read(p[:])
	if string(p[:n]) != "hello" {
		t.Fatalf("read past urgent mark: %q", p[:n])
	}
	if rb.markSet {
		t.Fatal("mark still set after reading up to it")
	}
	n = rb.read(p[:])
	if string(p[:n]) != " world" {
		t.Fatalf("got %q", p[:n])
	}
	if n := rb.read(p[:]); n != 0 {
		t.Fatalf("read %d from empty buffer", n)
	}
}

func TestRecvBufferCeiling(t *testing.T) {
	var rb recvBuffer
	rb.reset(4)
	if n := rb.append([]byte("abcdef")); n != 4 {
		t.Fatalf("appended %d, want 4", n)
	}
	if rb.free() != 0 {
		t.Fatalf("free %d, want 0", rb.free())
	}
	rb.discard()
	if rb.count() != 0 || rb.free() != 4 {
		t.Fatalf("discard left %d bytes", rb.count())
	}
	// Reset with the same size reuses the ring.
	ring := rb.rb
	rb.reset(4)
	if rb.rb != ring {
		t.Fatal("reset reallocated an equal size ring")
	}
}

func collect(dst *bytes.Buffer, limit int) func([]byte) int {
	return func(b []byte) int {
		n := min(len(b), limit-dst.Len())
		dst.Write(b[:n])
		return n
	}
}

func TestReassemblyFlush(t *testing.T) {
	var q reassembly
	q.reset()
	q.insert(110, []byte("klmno"), false, 100)
	q.insert(105, []byte("fghij"), false, 100)
	q.insert(120, []byte("uvw"), true, 100)
	if q.len() != 3 || q.bytes != 13 {
		t.Fatalf("len=%d bytes=%d", q.len(), q.bytes)
	}
	var got bytes.Buffer
	next, fin := q.flush(100, collect(&got, 100))
	if next != 100 || fin || got.Len() != 0 {
		t.Fatalf("flushed across a gap: next=%d fin=%v", next, fin)
	}
	next, fin = q.flush(107, collect(&got, 100))
	if next != 115 || fin {
		t.Fatalf("next=%d fin=%v, want 115", next, fin)
	}
	if got.String() != "hijklmno" {
		t.Fatalf("delivered %q", got.String())
	}
	// Fill the gap up to the FIN segment.
	q.insert(115, []byte("pqrst"), false, 100)
	next, fin = q.flush(115, collect(&got, 100))
	if next != 123 || !fin {
		t.Fatalf("next=%d fin=%v, want 123 and FIN", next, fin)
	}
	if q.len() != 0 || q.bytes != 0 {
		t.Fatalf("queue not empty after FIN: len=%d bytes=%d", q.len(), q.bytes)
	}
}

func TestReassemblyLimitAndDuplicates(t *testing.T) {
	var q reassembly
	q.reset()
	if !q.insert(10, []byte("abcd"), false, 6) {
		t.Fatal("insert within limit refused")
	}
	if q.insert(20, []byte("efg"), false, 6) {
		t.Fatal("insert beyond limit accepted")
	}
	if !q.insert(10, []byte("ab"), false, 6) || q.bytes != 4 {
		t.Fatalf("shorter duplicate replaced data, bytes=%d", q.bytes)
	}
	var got bytes.Buffer
	// A fully delivered segment is dropped without delivery.
	next, _ := q.flush(14, collect(&got, 100))
	if next != 14 || got.Len() != 0 || q.len() != 0 {
		t.Fatalf("duplicate delivered: next=%d got=%q", next, got.String())
	}
}

func TestReassemblyRequeueWhenFull(t *testing.T) {
	var q reassembly
	q.reset()
	q.insert(0, []byte("abcdef"), true, 100)
	var got bytes.Buffer
	next, fin := q.flush(0, collect(&got, 4))
	if next != 4 || fin {
		t.Fatalf("next=%d fin=%v, want 4 without FIN", next, fin)
	}
	if q.bytes != 2 || q.len() != 1 {
		t.Fatalf("remainder not requeued: bytes=%d", q.bytes)
	}
	got.Reset()
	next, fin = q.flush(next, collect(&got, 100))
	if next != 6 || !fin || got.String() != "ef" {
		t.Fatalf("next=%d fin=%v got=%q", next, fin, got.String())
	}
}

func TestReassemblyWraparound(t *testing.T) {
	var q reassembly
	q.reset()
	q.insert(2, []byte("cd"), false, 100)
	q.insert(0xFFFFFFFE, []byte("xyab"), false, 100)
	var got bytes.Buffer
	next, _ := q.flush(0xFFFFFFFE, collect(&got, 100))
	if next != 4 || got.String() != "xyabcd" {
		t.Fatalf("next=%d got=%q", next, got.String())
	}
}
