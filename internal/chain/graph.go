package chain

import (
	"fmt"
	"strings"

	"github.com/zboralski/lattice"

	"ropsmith/internal/gadget"
)

// depGraph is the gadget dependency graph over arena indices: an edge
// A→B means a register B reads was written by A, matched on 2-letter
// register-name suffixes so 32- and 64-bit aliases of the same
// register connect. Built once per builder; the edges deleted while
// breaking cycles stay deleted for the builder's lifetime.
type depGraph struct {
	adj     [][]int  // surviving out-edges, ascending target order
	topo    []int    // every node exactly once
	pos     []int    // node index → topo position
	removed [][2]int // edges deleted to break cycles
}

func (b *Builder) depgraph() *depGraph {
	if b.graph == nil {
		b.graph = buildGraph(b.set)
	}
	return b.graph
}

// suffix keys a register name by its last two characters, the part
// shared across operand-width aliases (eax/rax, esp/rsp).
func suffix(reg string) string {
	if len(reg) > 2 {
		return reg[len(reg)-2:]
	}
	return reg
}

// destSuffixes collects the registers a gadget writes. Memory
// destinations do not participate in graph edges.
func destSuffixes(g *gadget.Gadget) []string {
	var out []string
	for dst := range g.Effects {
		if strings.Contains(dst, "[") {
			continue
		}
		out = append(out, suffix(dst))
	}
	return out
}

// sourceSuffixes collects the registers a gadget reads values from.
// Stack and memory reads do not count: they depend on stack contents,
// not on another gadget's register writes.
func sourceSuffixes(g *gadget.Gadget) []string {
	var out []string
	for _, src := range g.Effects {
		if src.Kind == gadget.KindRegister {
			out = append(out, suffix(src.Reg))
		}
	}
	return out
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func buildGraph(set *gadget.Set) *depGraph {
	n := set.Len()
	outs := make([][]string, n)
	ins := make([][]string, n)
	for i := 0; i < n; i++ {
		outs[i] = destSuffixes(set.At(i))
		ins[i] = sourceSuffixes(set.At(i))
	}

	dg := &depGraph{adj: make([][]int, n)}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && intersects(outs[i], ins[j]) {
				dg.adj[i] = append(dg.adj[i], j)
			}
		}
	}
	dg.sort()
	return dg
}

// sort runs Kahn's algorithm with a LIFO frontier. When the frontier
// empties with nodes remaining, one surviving edge into a remaining
// node of maximal in-degree is deleted (first such node, then first
// such predecessor, in arena order) and the deletion recorded; the
// deleted edges are pruned from the adjacency lists.
func (dg *depGraph) sort() {
	n := len(dg.adj)
	indeg := make([]int, n)
	live := make([][]int, n)
	for i, es := range dg.adj {
		live[i] = append([]int(nil), es...)
		for _, j := range es {
			indeg[j]++
		}
	}

	emitted := make([]bool, n)
	var frontier []int
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			frontier = append(frontier, i)
		}
	}

	order := make([]int, 0, n)
	for len(order) < n {
		if len(frontier) == 0 {
			u, v := dg.pickBreak(live, indeg, emitted)
			live[u] = cutEdge(live[u], v)
			dg.removed = append(dg.removed, [2]int{u, v})
			indeg[v]--
			if indeg[v] == 0 {
				frontier = append(frontier, v)
			}
			continue
		}
		i := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		emitted[i] = true
		order = append(order, i)
		for _, j := range live[i] {
			indeg[j]--
			if indeg[j] == 0 {
				frontier = append(frontier, j)
			}
		}
	}

	dg.adj = live
	dg.topo = order
	dg.pos = make([]int, n)
	for p, i := range order {
		dg.pos[i] = p
	}
}

// pickBreak chooses the edge to delete when the frontier stalls: the
// remaining node with the highest in-degree, then its first remaining
// predecessor.
func (dg *depGraph) pickBreak(live [][]int, indeg []int, emitted []bool) (u, v int) {
	v = -1
	for j := range indeg {
		if !emitted[j] && indeg[j] > 0 && (v == -1 || indeg[j] > indeg[v]) {
			v = j
		}
	}
	for i := range live {
		if emitted[i] {
			continue
		}
		for _, j := range live[i] {
			if j == v {
				return i, v
			}
		}
	}
	// unreachable: a positive in-degree implies a live predecessor
	return 0, v
}

func cutEdge(es []int, v int) []int {
	for i, j := range es {
		if j == v {
			return append(es[:i], es[i+1:]...)
		}
	}
	return es
}

// DependencyGraph exports the gadget dependency graph, cycle-break
// deletions applied, for DOT rendering.
func (b *Builder) DependencyGraph() *lattice.Graph {
	dg := b.depgraph()
	g := &lattice.Graph{}
	for i := 0; i < b.set.Len(); i++ {
		g.Nodes = append(g.Nodes, gadgetLabel(b.set.At(i)))
	}
	for i, es := range dg.adj {
		for _, j := range es {
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: gadgetLabel(b.set.At(i)),
				Callee: gadgetLabel(b.set.At(j)),
			})
		}
	}
	g.Dedup()
	return g
}

func gadgetLabel(g *gadget.Gadget) string {
	return fmt.Sprintf("%#x: %s", g.Address, g.Desc())
}
