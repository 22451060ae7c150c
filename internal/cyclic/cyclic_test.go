package cyclic

import (
	"bytes"
	"testing"
)

func TestPatternPrefix(t *testing.T) {
	got := Pattern(12)
	want := []byte("aaaabaaacaaa")
	if !bytes.Equal(got, want) {
		t.Fatalf("Pattern(12) = %q, want %q", got, want)
	}
}

func TestPatternLength(t *testing.T) {
	for _, n := range []int{0, 1, 4, 100, 4096} {
		if got := len(Pattern(n)); got != n {
			t.Errorf("len(Pattern(%d)) = %d", n, got)
		}
	}
}

func TestAtMatchesPattern(t *testing.T) {
	full := Pattern(64)
	for _, off := range []int{0, 1, 8, 60} {
		got := At(off, 4)
		if !bytes.Equal(got, full[off:off+4]) {
			t.Errorf("At(%d, 4) = %q, want %q", off, got, full[off:off+4])
		}
	}
}

func TestWindowsUnique(t *testing.T) {
	p := Pattern(2048)
	seen := make(map[string]int)
	for i := 0; i+4 <= len(p); i++ {
		w := string(p[i : i+4])
		if prev, dup := seen[w]; dup {
			t.Fatalf("window %q at %d already seen at %d", w, i, prev)
		}
		seen[w] = i
	}
}

func TestFindInvertsAt(t *testing.T) {
	for _, off := range []int{0, 5, 123, 4000} {
		if got := Find(At(off, 4)); got != off {
			t.Errorf("Find(At(%d, 4)) = %d", off, got)
		}
	}
	if got := Find([]byte("1234")); got != -1 {
		t.Errorf("Find of non-pattern bytes = %d, want -1", got)
	}
	if got := Find(nil); got != -1 {
		t.Errorf("Find(nil) = %d, want -1", got)
	}
}
