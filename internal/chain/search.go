package chain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/apex/log"

	"ropsmith/internal/gadget"
)

// readsFrom reports whether any of the gadget's effect sources
// references the named register, matching by substring so "sp" covers
// esp and rsp alike. Memory reads count through their base register.
func readsFrom(g *gadget.Gadget, src string) bool {
	for _, s := range g.Effects {
		switch s.Kind {
		case gadget.KindRegister, gadget.KindMemory:
			if strings.Contains(s.Reg, src) {
				return true
			}
		}
	}
	return false
}

// endSet returns the gadgets that write every target register. Per
// register, candidates are keyed by disassembly so duplicate
// extractions of the same fragment collapse (last address wins), then
// the per-register sets are intersected: the terminal gadget must set
// the whole group at once.
func (b *Builder) endSet(regs []string) map[int]bool {
	n := b.set.Len()
	var ends map[int]bool
	for _, r := range regs {
		byDesc := make(map[string]int)
		for i := 0; i < n; i++ {
			if _, ok := b.set.At(i).Effects[r]; ok {
				byDesc[b.set.At(i).Desc()] = i
			}
		}
		set := make(map[int]bool, len(byDesc))
		for _, i := range byDesc {
			set[i] = true
		}
		if ends == nil {
			ends = set
			continue
		}
		for i := range ends {
			if !set[i] {
				delete(ends, i)
			}
		}
	}
	return ends
}

// searchPath enumerates simple paths through the dependency graph from
// gadgets reading src-relative data to a gadget writing all target
// registers, verifies each candidate with synthetic probe values, and
// ranks the survivors by total instruction-text length, shortest
// first. Nil when nothing survives.
func (b *Builder) searchPath(src string, regs []string) [][]int {
	if len(regs) == 0 {
		return nil
	}
	dg := b.depgraph()
	n := b.set.Len()

	starts := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if readsFrom(b.set.At(i), src) {
			starts = append(starts, i)
		}
	}
	ends := b.endSet(regs)
	if len(starts) == 0 || len(ends) == 0 {
		return nil
	}

	var paths [][]int
	visited := make([]bool, n)
	var walk func(i int, path []int)
	walk = func(i int, path []int) {
		visited[i] = true
		path = append(path, i)
		if ends[i] {
			paths = append(paths, append([]int(nil), path...))
		}
		for _, j := range dg.adj[i] {
			if !visited[j] {
				walk(j, path)
			}
		}
		visited[i] = false
	}
	for _, s := range starts {
		walk(s, nil)
	}

	probes := make([]Assignment, len(regs))
	for i, r := range regs {
		probes[i] = Assignment{Register: r, Value: b.probe()}
	}
	kept := paths[:0]
	for _, p := range paths {
		if _, _, ok := b.verifyPath(b.gadgets(p), probes); ok {
			kept = append(kept, p)
		}
	}
	log.Debugf("search %s -> %v: %d candidates, %d verified", src, regs, len(paths), len(kept))
	if len(kept) == 0 {
		return nil
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return b.pathTextLen(kept[i]) < b.pathTextLen(kept[j])
	})
	return kept
}

// pathTextLen is the length of the path's " + "-joined disassembly,
// the ranking proxy for stack and byte cost.
func (b *Builder) pathTextLen(path []int) int {
	n := 0
	for i, idx := range path {
		if i > 0 {
			n += len(" + ")
		}
		n += len(b.set.At(idx).Desc())
	}
	return n
}

func (b *Builder) gadgets(path []int) []*gadget.Gadget {
	out := make([]*gadget.Gadget, len(path))
	for i, idx := range path {
		out[i] = b.set.At(idx)
	}
	return out
}

// SearchPath returns the ranked, verified gadget sequences that set
// all target registers from values read off src (typically "sp").
func (b *Builder) SearchPath(src string, regs []string) [][]*gadget.Gadget {
	idx := b.searchPath(src, regs)
	if idx == nil {
		return nil
	}
	out := make([][]*gadget.Gadget, len(idx))
	for i, p := range idx {
		out[i] = b.gadgets(p)
	}
	return out
}

// x86Suffixes are the register-name endings the shorthand parser
// accepts as parts of a register-combination key.
var x86Suffixes = []string{
	"ax", "bx", "cx", "dx", "bp", "sp", "di", "si",
	"r8", "r9", "10", "11", "12", "13", "14", "15",
}

func isRegPart(p string) bool {
	if len(p) < 2 {
		return false
	}
	s := p[len(p)-2:]
	for _, x := range x86Suffixes {
		if s == x {
			return true
		}
	}
	return false
}

// Find resolves a shorthand gadget key: "ret" (smallest plain return),
// "ret_N" (return advancing the stack by at least N bytes, N decimal
// or 0x-hex), a syscall trigger name ("int80", "syscall", "sysenter"),
// or an underscore-joined register combination ("rdi", "rdi_rsi")
// matched against popped-register lists.
func (b *Builder) Find(key string) (*gadget.Gadget, error) {
	switch key {
	case "ret":
		return b.searchOne(gadget.Criteria{MinMove: b.arch.WordSize}, key)
	case "int80":
		return b.findInsns("int 0x80")
	case "syscall":
		return b.findInsns("syscall")
	case "sysenter":
		return b.findInsns("sysenter")
	}
	if rest, ok := strings.CutPrefix(key, "ret_"); ok {
		n, err := strconv.ParseInt(rest, 0, 32)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrBadKey, key)
		}
		return b.searchOne(gadget.Criteria{MinMove: int(n)}, key)
	}
	parts := strings.Split(key, "_")
	for _, p := range parts {
		if !isRegPart(p) {
			return nil, fmt.Errorf("%w: %q", ErrBadKey, key)
		}
	}
	return b.searchOne(gadget.Criteria{Regs: parts, Order: gadget.OrderRegs}, key)
}

func (b *Builder) searchOne(c gadget.Criteria, key string) (*gadget.Gadget, error) {
	g, ok := b.set.Search(c)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoGadget, key)
	}
	return g, nil
}

func (b *Builder) findInsns(text string) (*gadget.Gadget, error) {
	g, ok := b.set.FindInsns([]string{text})
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoGadget, text)
	}
	return g, nil
}
