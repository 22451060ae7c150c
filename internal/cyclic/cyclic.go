// Package cyclic generates de Bruijn pattern data. Chains use it as
// position-identifying filler: every 4-byte window is unique, so a
// corrupted or misaligned word can be traced back to its offset.
package cyclic

import "bytes"

const (
	alphabet = "abcdefghijklmnopqrstuvwxyz"
	order    = 4
)

// Pattern returns the first n bytes of the de Bruijn sequence over a-z
// with unique windows of length 4. n may not exceed Max.
func Pattern(n int) []byte {
	if n <= 0 {
		return nil
	}
	if n > Max() {
		n = Max()
	}

	// Fredricksen–Kessler–Maiorana: concatenate Lyndon words whose length
	// divides the order, in lexicographic order.
	k := len(alphabet)
	a := make([]int, order+1)
	seq := make([]byte, 0, n)

	var db func(t, p int)
	db = func(t, p int) {
		if len(seq) >= n {
			return
		}
		if t > order {
			if order%p == 0 {
				for _, c := range a[1 : p+1] {
					seq = append(seq, alphabet[c])
					if len(seq) >= n {
						return
					}
				}
			}
			return
		}
		a[t] = a[t-p]
		db(t+1, p)
		for j := a[t-p] + 1; j < k; j++ {
			if len(seq) >= n {
				return
			}
			a[t] = j
			db(t+1, t)
		}
	}
	db(1, 1)
	return seq
}

// At returns n pattern bytes starting at the given offset.
func At(offset, n int) []byte {
	if n <= 0 || offset < 0 || offset+n > Max() {
		return nil
	}
	return Pattern(offset + n)[offset:]
}

// Find returns the offset of a window within the pattern, or -1. Windows
// of length 4 are unique; shorter ones match their first occurrence.
func Find(window []byte) int {
	if len(window) == 0 {
		return -1
	}
	return bytes.Index(Pattern(Max()), window)
}

// Max returns the total sequence length (26^4).
func Max() int {
	n := 1
	for i := 0; i < order; i++ {
		n *= len(alphabet)
	}
	return n
}
