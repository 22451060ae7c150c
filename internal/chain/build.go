package chain

import (
	"fmt"
	"strings"

	"ropsmith/internal/gadget"
	"ropsmith/internal/srop"
)

// Build resolves the appended elements into a stack image at the given
// base address. Pass one expands each element into typed slots with
// annotations, solving register arguments as it goes; pass two rewrites
// the deferred markers — tail-appended blobs, self-references, padding,
// gadget references — into final words. The element list itself stays
// open for further appends unless the chain is sealed, and a failed
// build leaves no partial state behind.
func (b *Builder) Build(base uint64) (*Stack, error) {
	st := newStack(base, b.arch.WordSize)

	for i, elem := range b.elems {
		remaining := i+1 < len(b.elems)
		switch v := elem.(type) {
		case uint64:
			if d := b.describeAddr(v); d != "" {
				st.note(d)
			}
			st.append(v)
		case []byte:
			st.note(fmt.Sprintf("%q", v))
			b.appendBlob(st, v)
		case *gadget.Gadget:
			st.append(v)
		case *srop.Frame:
			b.appendFrame(st, v)
		case *callElem:
			if err := b.appendCall(st, v, remaining); err != nil {
				return nil, err
			}
		}
	}

	b.resolve(st)
	return st, nil
}

// Chain builds at base and returns the packed little-endian bytes.
func (b *Builder) Chain(base uint64) ([]byte, error) {
	st, err := b.Build(base)
	if err != nil {
		return nil, err
	}
	return st.Bytes(), nil
}

// appendBlob lays a blob out in word-sized chunks, padding the tail to
// word alignment with cyclic filler derived from the pad's position in
// the chain so a crash on the filler identifies the offset.
func (b *Builder) appendBlob(st *Stack, p []byte) {
	word := st.word
	if rem := len(p) % word; rem != 0 {
		off := st.Len()*word + len(p)
		p = append(append([]byte(nil), p...), fill(off, word-rem)...)
	}
	for i := 0; i < len(p); i += word {
		st.append(p[i : i+word])
	}
}

// appendFrame lays a sigreturn frame out register by register in its
// architecture-defined order, each slot annotated with the register
// name and, when the value resolves, its symbol. A stack pointer left
// unset is laid out pointing just past the frame, where a follow-on
// chain would sit, once a real base address makes that meaningful.
func (b *Builder) appendFrame(st *Stack, f *srop.Frame) {
	st.note("Sigreturn Frame")
	frameStart := st.Next()
	sp := f.Arch().SP
	for _, reg := range f.Registers() {
		v, _ := f.Get(reg)
		if reg == sp && v == 0 && st.base != 0 {
			v = frameStart + uint64(f.Size())
		}
		if d := b.symbolize(v); d != "" {
			st.note(fmt.Sprintf("%s = %s", reg, d))
		} else {
			st.note(reg)
		}
		st.append(v)
	}
}

// appendCall expands one call: register-loading fragments, the target
// address, then the stack-argument region. When the call returns and
// more elements follow, a stack-adjustment gadget whose delta covers
// the return slot plus all stack arguments bridges to the next
// element; its absence is a hard failure. When nothing follows, one
// word of inert padding fills the return slot. A non-returning target
// (sigreturn) gets neither: its frame follows immediately.
func (b *Builder) appendCall(st *Stack, c *callElem, remaining bool) error {
	word := st.word
	start := st.Next()
	st.note(c.String())

	nreg := len(c.abi.Args)
	if nreg > len(c.args) {
		nreg = len(c.args)
	}
	if nreg > 0 {
		assigns := make([]Assignment, nreg)
		for i := 0; i < nreg; i++ {
			v, ok := c.args[i].(uint64)
			if !ok {
				return fmt.Errorf("%w: register argument %d must be a word", ErrBadArgument, i)
			}
			assigns[i] = Assignment{Register: c.abi.Args[i], Value: v}
		}
		groups, err := b.SetRegisters(assigns)
		if err != nil {
			return err
		}
		for _, g := range groups {
			st.note("set " + g.Key + " = " + b.groupDesc(c, g))
			for _, item := range g.Items {
				st.append(item)
			}
		}
	}

	if st.Next() != start {
		st.note(c.name)
	}
	if g, ok := b.set.ByAddress(c.target); ok {
		st.note(g.Desc())
	}
	st.append(c.target)

	var stackArgs []any
	if len(c.args) > nreg {
		stackArgs = append(stackArgs, c.args[nreg:]...)
	}

	var landing uint64
	switch {
	case !c.abi.Returns:
		landing = st.Next() + uint64(word*len(stackArgs))
	case remaining:
		need := (1 + len(stackArgs)) * word
		adj, ok := b.set.Search(gadget.Criteria{MinMove: need})
		if !ok {
			return fmt.Errorf("%w: adjust stack by %#x bytes", ErrNoGadget, need)
		}
		landing = st.Next() + uint64(adj.Move)
		st.note("<adjust: " + adj.Desc() + ">")
		st.append(adj.Address)
		for off := need; off < adj.Move; off += word {
			stackArgs = append(stackArgs, Padding{})
		}
	default:
		st.append(Padding{})
		landing = st.Next() + uint64(word*len(stackArgs))
	}

	for i, a := range stackArgs {
		switch arg := a.(type) {
		case NextGadgetAddress:
			st.note("<next gadget>")
			st.append(landing)
		case Padding:
			st.append(arg)
		case uint64:
			if d := b.describeAddr(arg); d != "" {
				st.note(d)
			} else {
				st.note(fmt.Sprintf("arg%d", nreg+i))
			}
			st.append(arg)
		default:
			st.note(fmt.Sprintf("arg%d", nreg+i))
			st.append(a)
		}
	}
	return nil
}

// groupDesc renders the values a register group loads, one per
// register: the resolved symbol when the image knows one, otherwise
// the argument position the value came from.
func (b *Builder) groupDesc(c *callElem, g RegisterGroup) string {
	parts := make([]string, len(g.Regs))
	for i, reg := range g.Regs {
		if d := b.describeAddr(g.Values[i]); d != "" {
			parts[i] = d
			continue
		}
		parts[i] = fmt.Sprintf("arg%d", c.argIndex(reg))
	}
	return strings.Join(parts, " | ")
}

// resolve is pass two: rewrite deferred markers in place, index-walking
// the slot list as appended payloads grow its tail.
func (b *Builder) resolve(st *Stack) {
	word := st.word
	for i := 0; i < len(st.slots); i++ {
		addr := st.base + uint64(i*word)
		switch v := st.slots[i].(type) {
		case *appendedBlob:
			st.slots[i] = st.Next()
			st.note(fmt.Sprintf("%q", v.data))
			b.appendBlob(st, v.data)
		case *appendedArray:
			st.slots[i] = st.Next()
			for _, item := range v.items {
				st.append(item)
			}
		case CurrentStackPointer:
			st.slots[i] = addr
		case Padding:
			st.slots[i] = fill(i*word, word)
			st.noteAt(addr, "<pad>")
		case *gadget.Gadget:
			st.slots[i] = v.Address
			st.noteAt(addr, v.Desc())
		}
	}
}
