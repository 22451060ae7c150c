package chain

import (
	"fmt"

	"ropsmith/internal/gadget"
)

// Migrate appends a stack pivot to newBase and seals the chain. The
// preferred shape is a gadget loading exactly the stack pointer,
// followed by the new base address. The fallback pops the frame
// pointer and pivots through a leave-class gadget; the base is lowered
// one word to absorb the frame pop on the far side. When neither shape
// exists the chain stays unsealed and usable.
func (b *Builder) Migrate(newBase uint64) error {
	if b.sealed {
		return ErrSealed
	}
	word := uint64(b.arch.WordSize)

	if popSP, ok := b.set.Search(gadget.Criteria{Regs: []string{b.arch.SP}, Order: gadget.OrderRegs}); ok && len(popSP.Regs) == 1 {
		b.elems = append(b.elems, popSP, newBase)
		b.sealed = true
		return nil
	}

	bp := b.arch.FramePair[0]
	popBP, ok := b.set.Search(gadget.Criteria{Regs: []string{bp}, Order: gadget.OrderRegs})
	if ok && len(popBP.Regs) == 1 {
		if leave, ok := b.findLeave(); ok {
			b.elems = append(b.elems, popBP, newBase-word, leave)
			b.sealed = true
			return nil
		}
	}
	return fmt.Errorf("%w: stack pivot to %#x", ErrNoGadget, newBase)
}

// findLeave locates a gadget whose loads are exactly the frame pair —
// the leave shape: frame pointer from its saved slot, stack pointer
// from the old frame pointer.
func (b *Builder) findLeave() (*gadget.Gadget, bool) {
	pair := b.arch.FramePair
	g, ok := b.set.Search(gadget.Criteria{Regs: pair[:], Order: gadget.OrderRegs})
	if !ok || len(g.Regs) != 2 || g.Regs[0] != pair[0] || g.Regs[1] != pair[1] {
		return nil, false
	}
	return g, true
}
