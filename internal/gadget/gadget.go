// Package gadget models ROP gadgets: short instruction runs ending in a
// control transfer, classified into stack motion and symbolic register
// effects. Gadgets arrive as (address, instruction texts) pairs from an
// extractor; classification here is what the chain machinery consumes.
package gadget

import (
	"fmt"
	"strconv"
	"strings"

	"ropsmith/internal/arch"
)

// MoveSentinel is the stack delta recorded for gadgets that rewrite the
// stack pointer outright (leave). It keeps them out of move-bounded
// searches while preserving their effects for path solving.
const MoveSentinel = 9999999999

// SourceKind tags where an effect's value originates.
type SourceKind int

const (
	// KindMemory reads [Reg + Disp]; a stack slot when Reg is the stack
	// pointer.
	KindMemory SourceKind = iota
	// KindRegister propagates another register's prior value.
	KindRegister
	// KindImmediate is a constant baked into the gadget.
	KindImmediate
)

// Source is the symbolic origin of one register effect.
type Source struct {
	Kind  SourceKind
	Reg   string // memory base or source register
	Disp  int    // memory displacement, bytes
	Value uint64 // immediate value
}

// MemSource reads [base + disp].
func MemSource(base string, disp int) Source {
	return Source{Kind: KindMemory, Reg: base, Disp: disp}
}

// RegSource propagates reg's prior value.
func RegSource(reg string) Source {
	return Source{Kind: KindRegister, Reg: reg}
}

// ImmSource is a constant.
func ImmSource(v uint64) Source {
	return Source{Kind: KindImmediate, Value: v}
}

func (s Source) String() string {
	switch s.Kind {
	case KindMemory:
		return fmt.Sprintf("[%s+%#x]", s.Reg, s.Disp)
	case KindRegister:
		return s.Reg
	default:
		return fmt.Sprintf("%#x", s.Value)
	}
}

// Gadget is one classified gadget.
type Gadget struct {
	Address uint64
	Insns   []string

	// Regs lists the registers the gadget loads, in instruction order.
	// A leave contributes its frame pair.
	Regs []string

	// Move is the stack-pointer delta in bytes. MoveSentinel marks
	// gadgets that assign the stack pointer instead of advancing it.
	Move int

	// Effects maps each written register to its symbolic source.
	Effects map[string]Source
}

// Desc returns the joined disassembly text.
func (g *Gadget) Desc() string {
	return strings.Join(g.Insns, "; ")
}

// Classify derives stack motion and register effects from instruction
// texts. The accepted grammar is the loader's: register pops, immediate
// stack-pointer increments, plain returns, leave, and kernel traps.
// ok is false when any instruction falls outside it.
func Classify(address uint64, insns []string, a *arch.Arch) (Gadget, bool) {
	g := Gadget{
		Address: address,
		Insns:   insns,
		Effects: make(map[string]Source),
	}
	addSP := "add " + a.SP + ", "

	for _, insn := range insns {
		switch {
		case insn == "ret":
			g.Move += a.WordSize

		case insn == "leave":
			bp, sp := a.FramePair[0], a.FramePair[1]
			g.Move += MoveSentinel
			g.Effects[bp] = MemSource(bp, 0)
			g.Effects[sp] = RegSource(bp)
			g.Regs = append(g.Regs, bp, sp)

		case strings.HasPrefix(insn, "pop "):
			reg := strings.TrimSpace(strings.TrimPrefix(insn, "pop "))
			if reg == "" || strings.ContainsAny(reg, " ,[") {
				return Gadget{}, false
			}
			g.Effects[reg] = MemSource(a.SP, g.Move)
			g.Regs = append(g.Regs, reg)
			g.Move += a.WordSize

		case strings.HasPrefix(insn, addSP):
			imm, err := strconv.ParseUint(strings.TrimPrefix(insn, addSP), 0, 32)
			if err != nil {
				return Gadget{}, false
			}
			g.Move += int(imm)

		case isTrap(insn, a):
			// Kernel entry: no stack motion, no register writes.

		default:
			return Gadget{}, false
		}
	}
	return g, true
}

func isTrap(insn string, a *arch.Arch) bool {
	for _, t := range a.SyscallInsns {
		if insn == t {
			return true
		}
	}
	return false
}
