package internal

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

func TestRingWrapAround(t *testing.T) {
	const bufSize = 10
	r := Ring{Buf: make([]byte, bufSize)}
	if _, err := r.WriteString("hello"); err != nil {
		t.Fatal(err)
	}
	var buf [bufSize]byte
	n, err := r.Read(buf[:3])
	if err != nil || string(buf[:n]) != "hel" {
		t.Fatalf("got %q,%v want %q", buf[:n], err, "hel")
	}
	// "lo" remains at offset 3. Write 8 bytes so the data wraps.
	if _, err := r.WriteString("abcdefgh"); err != nil {
		t.Fatal(err)
	}
	if r.Free() != 0 {
		t.Fatalf("want full ring, free=%d", r.Free())
	}
	if _, err := r.WriteString("x"); err == nil {
		t.Fatal("expected error writing to full ring")
	}
	n, err = r.ReadAt(buf[:4], 1)
	if err != nil || string(buf[:n]) != "oabc" {
		t.Fatalf("ReadAt got %q,%v", buf[:n], err)
	}
	if err := r.ReadDiscard(4); err != nil {
		t.Fatal(err)
	}
	n, _ = r.Read(buf[:])
	if string(buf[:n]) != "cdefgh" {
		t.Fatalf("got %q want %q", buf[:n], "cdefgh")
	}
	if _, err = r.Read(buf[:]); err != io.EOF {
		t.Fatalf("want EOF on empty ring, got %v", err)
	}
}

func TestRingRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const bufSize = 37
	r := Ring{Buf: make([]byte, bufSize)}
	var model []byte
	var scratch [bufSize]byte
	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			data := make([]byte, rng.Intn(bufSize/2)+1)
			rng.Read(data)
			_, err := r.Write(data)
			if len(data) > bufSize-len(model) {
				if err == nil {
					t.Fatalf("%d: expected full error", i)
				}
				continue
			} else if err != nil {
				t.Fatalf("%d: %v", i, err)
			}
			model = append(model, data...)
		case 1:
			n := rng.Intn(len(model) + 1)
			if err := r.ReadDiscard(n); err != nil {
				t.Fatal(err)
			}
			model = model[n:]
		case 2:
			if len(model) == 0 {
				continue
			}
			off := rng.Intn(len(model))
			n, _ := r.ReadAt(scratch[:], int64(off))
			if !bytes.Equal(scratch[:n], model[off:]) {
				t.Fatalf("%d: ReadAt(%d) mismatch\ngot  %x\nwant %x", i, off, scratch[:n], model[off:])
			}
		}
		if r.Buffered() != len(model) {
			t.Fatalf("%d: buffered=%d want %d", i, r.Buffered(), len(model))
		}
	}
}
