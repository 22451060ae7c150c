package chain

import "ropsmith/internal/gadget"

// originKind classifies where a register's value traces back to after
// a partial replay.
type originKind int

const (
	fromUnknown originKind = iota // runtime state, not caller-controlled
	fromStack                     // a caller-supplied stack slot
	fromImm                       // a constant baked into a gadget
)

type origin struct {
	kind   originKind
	offset int    // byte offset into the consumed stack region
	value  uint64 // immediate
}

// verifyPath symbolically replays a gadget sequence and computes the
// stack words that make it load the desired register values. Each
// gadget's effects are read against the pre-gadget register state and
// committed together, so simultaneous assignments resolve the way the
// hardware would. Returns the total stack displacement and a map from
// word-aligned byte offset to the word required there.
//
// Verification fails silently — the caller discards the candidate —
// when a desired register is never written, is pinned to a different
// immediate, traces to runtime state, or two registers claim the same
// slot with different values. A stack-pointer-assigning gadget
// (sentinel delta) aborts the replay: its consumption cannot be
// expressed as an offset.
func (b *Builder) verifyPath(path []*gadget.Gadget, desired []Assignment) (int, map[int]uint64, bool) {
	word := b.arch.WordSize
	regs := make(map[string]origin)
	disp := 0

	for _, g := range path {
		if g.Move >= gadget.MoveSentinel {
			return 0, nil, false
		}
		staged := make(map[string]origin, len(g.Effects))
		for dst, src := range g.Effects {
			switch src.Kind {
			case gadget.KindMemory:
				if src.Reg == b.arch.SP {
					staged[dst] = origin{kind: fromStack, offset: disp + src.Disp}
				} else {
					staged[dst] = origin{}
				}
			case gadget.KindRegister:
				staged[dst] = regs[src.Reg]
			case gadget.KindImmediate:
				staged[dst] = origin{kind: fromImm, value: src.Value}
			}
		}
		for dst, o := range staged {
			regs[dst] = o
		}
		disp += g.Move
	}

	need := make(map[int]uint64)
	for _, a := range desired {
		o, ok := regs[a.Register]
		if !ok {
			return 0, nil, false
		}
		switch o.kind {
		case fromImm:
			if o.value != a.Value {
				return 0, nil, false
			}
		case fromStack:
			if o.offset < 0 || o.offset >= disp || o.offset%word != 0 {
				return 0, nil, false
			}
			if prev, claimed := need[o.offset]; claimed && prev != a.Value {
				return 0, nil, false
			}
			need[o.offset] = a.Value
		default:
			return 0, nil, false
		}
	}
	return disp, need, true
}
