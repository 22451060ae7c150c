package chain

import (
	"fmt"
	"sort"
	"strings"

	"ropsmith/internal/gadget"
)

// Assignment requests one register be loaded with a value. Input order
// is preserved through group keys and tie-breaks.
type Assignment struct {
	Register string
	Value    uint64
}

// RegisterGroup is one fragment of a register-loading plan: the
// flattened stack items for one terminal gadget and the registers it
// serves.
type RegisterGroup struct {
	Key    string   // registers joined by "_", request order
	Regs   []string // registers this group loads
	Values []uint64 // requested values, parallel to Regs
	Items  []any    // *gadget.Gadget | uint64 | Padding
	Move   int      // bytes of stack the group's gadgets consume
}

// SetRegisters plans gadget sequences that load every requested
// register. Registers whose searches end at the same terminal gadget
// merge into one group so that gadget is emitted once. Groups are
// ordered by descending topological position of their terminal
// gadget — a gadget other gadgets depend on runs after the dependents
// that still need the old register values. The ordering is a
// dependency-avoidance heuristic; verification is what actually
// filters bad sequences.
func (b *Builder) SetRegisters(assigns []Assignment) ([]RegisterGroup, error) {
	type groupState struct {
		regs   []string
		values []uint64
		path   []int // the last requested register's path wins
		term   int
	}
	groups := make(map[uint64]*groupState)
	var order []uint64
	seen := make(map[string]bool, len(assigns))

	for _, a := range assigns {
		if seen[a.Register] {
			return nil, fmt.Errorf("%w: register %s assigned twice", ErrBadArgument, a.Register)
		}
		seen[a.Register] = true

		paths := b.searchPath("sp", []string{a.Register})
		if len(paths) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoPath, a.Register)
		}
		path := paths[0]
		term := path[len(path)-1]
		addr := b.set.At(term).Address
		gs, ok := groups[addr]
		if !ok {
			gs = &groupState{}
			groups[addr] = gs
			order = append(order, addr)
		}
		gs.regs = append(gs.regs, a.Register)
		gs.values = append(gs.values, a.Value)
		gs.path = path
		gs.term = term
	}

	dg := b.depgraph()
	sort.SliceStable(order, func(i, j int) bool {
		return dg.pos[groups[order[i]].term] > dg.pos[groups[order[j]].term]
	})

	out := make([]RegisterGroup, 0, len(order))
	for _, addr := range order {
		gs := groups[addr]
		key := strings.Join(gs.regs, "_")
		desired := make([]Assignment, len(gs.regs))
		for i := range gs.regs {
			desired[i] = Assignment{Register: gs.regs[i], Value: gs.values[i]}
		}
		move, need, ok := b.verifyPath(b.gadgets(gs.path), desired)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPath, key)
		}
		out = append(out, RegisterGroup{
			Key:    key,
			Regs:   gs.regs,
			Values: gs.values,
			Items:  b.flatten(gs.path, need, move),
			Move:   move,
		})
	}
	return out, nil
}

// flatten turns a verified path into literal stack items: the entry
// gadget, then one item per consumed word up to but not including the
// final return slot — a solved value, a mid-sequence gadget address
// where one gadget returns into the next, or padding. The final
// return slot belongs to whatever the chain appends next.
func (b *Builder) flatten(path []int, need map[int]uint64, move int) []any {
	word := b.arch.WordSize

	know := make(map[int]*gadget.Gadget)
	run := 0
	for i := 1; i < len(path); i++ {
		run += b.set.At(path[i-1]).Move
		know[run-word] = b.set.At(path[i])
	}

	items := []any{b.set.At(path[0])}
	for off := 0; off < move-word; off += word {
		if v, ok := need[off]; ok {
			items = append(items, v)
		} else if g, ok := know[off]; ok {
			items = append(items, g)
		} else {
			items = append(items, Padding{})
		}
	}
	return items
}
