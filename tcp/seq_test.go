package tcp

import (
	"math/rand"
	"testing"
)

func TestLessThanWraparound(t *testing.T) {
	tests := []struct {
		a, b Value
		want bool
	}{
		{a: 0xFFFFFFF0, b: 0x00000010, want: true},
		{a: 0x00000010, b: 0xFFFFFFF0, want: false},
		{a: 1, b: 2, want: true},
		{a: 2, b: 1, want: false},
		{a: 5, b: 5, want: false},
		{a: 0, b: 0x7FFFFFFF, want: true},
		{a: 0x7FFFFFFF, b: 0xFFFFFFFF, want: true},
	}
	for _, tc := range tests {
		got := LessThan(tc.a, tc.b)
		if got != tc.want {
			t.Errorf("LessThan(%#x, %#x)=%v want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSequenceOrderProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		a := Value(rng.Uint32())
		d := Size(rng.Intn(1<<31-1) + 1) // (0, 2**31)
		b := Add(a, d)
		if !LessThan(a, b) || LessThan(b, a) {
			t.Fatalf("%#x+%d=%#x: expected a before b", a, d, b)
		}
		if !LessThanEq(a, a) || LessThan(a, a) {
			t.Fatalf("%#x: reflexivity broken", a)
		}
		if Sizeof(a, b) != d {
			t.Fatalf("Sizeof(%#x,%#x)=%d want %d", a, b, Sizeof(a, b), d)
		}
		if !InWindow(Add(a, d-1), a, d) || InWindow(b, a, d) {
			t.Fatalf("InWindow edge failure a=%#x d=%d", a, d)
		}
		if maxSeq(a, b) != b || maxSeq(b, a) != b {
			t.Fatalf("maxSeq(%#x,%#x) wrong", a, b)
		}
	}
}

func TestLessThanHalfSpace(t *testing.T) {
	v := Value(10)
	w := Add(v, 1<<31)
	if !LessThan(v, w) || !LessThan(w, v) {
		t.Fatal("values 2**31 apart should each compare before the other")
	}
	if LessThan(Add(v, 1<<31-1), v) {
		t.Fatal("value just under half the space ahead compared before")
	}
}
