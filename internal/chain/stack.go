package chain

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Stack is the resolved output of one Build call: an ordered slot list
// at a base address plus a parallel address-to-annotation map. Slots
// hold words or word-sized byte chunks once resolution completes.
type Stack struct {
	base  uint64
	word  int
	slots []any
	notes map[uint64]string
}

func newStack(base uint64, word int) *Stack {
	return &Stack{base: base, word: word, notes: make(map[uint64]string)}
}

// Base returns the address of the first slot.
func (st *Stack) Base() uint64 { return st.base }

// WordSize returns the slot width in bytes.
func (st *Stack) WordSize() int { return st.word }

// Len returns the number of slots.
func (st *Stack) Len() int { return len(st.slots) }

// Next returns the address one past the last slot.
func (st *Stack) Next() uint64 {
	return st.base + uint64(len(st.slots)*st.word)
}

// Annotation returns the description recorded for a slot address.
func (st *Stack) Annotation(addr uint64) string {
	return st.notes[addr]
}

// note records an annotation at the next slot to be appended. Later
// notes at the same address overwrite earlier ones.
func (st *Stack) note(text string) {
	st.notes[st.Next()] = text
}

func (st *Stack) noteAt(addr uint64, text string) {
	st.notes[addr] = text
}

func (st *Stack) append(v any) {
	st.slots = append(st.slots, v)
}

// Bytes packs the resolved slots little-endian at the stack's word
// size. Unresolved markers contribute nothing; Build leaves none.
func (st *Stack) Bytes() []byte {
	out := make([]byte, 0, len(st.slots)*st.word)
	var w [8]byte
	for _, s := range st.slots {
		switch v := s.(type) {
		case uint64:
			binary.LittleEndian.PutUint64(w[:], v)
			out = append(out, w[:st.word]...)
		case []byte:
			out = append(out, v...)
		}
	}
	return out
}

// Dump renders one line per slot: address, value, annotation, and a
// (+off) marker when a word points back into the chain itself.
func (st *Stack) Dump() string {
	var sb strings.Builder
	next := st.Next()
	for i, s := range st.slots {
		addr := st.base + uint64(i*st.word)
		fmt.Fprintf(&sb, "0x%04x:", addr)

		var off uint64
		switch v := s.(type) {
		case uint64:
			fmt.Fprintf(&sb, " %#16x", v)
			if st.base != 0 && st.base < v && v < next {
				off = v - addr
			}
		case []byte:
			fmt.Fprintf(&sb, " %16q", v)
		default:
			fmt.Fprintf(&sb, " %16s", "???")
		}

		if d, ok := st.notes[addr]; ok && d != "" {
			sb.WriteByte(' ')
			sb.WriteString(d)
		}
		if off != 0 {
			fmt.Fprintf(&sb, " (+%#x)", off)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
