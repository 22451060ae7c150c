package gadget

// Set is an append-only gadget collection. Gadgets live in an arena and
// are addressed by integer index; a last-wins map provides by-address
// lookup. Duplicate addresses are tolerated: blacklisting bytes in
// addresses sometimes forces re-extraction to keep them.
type Set struct {
	arena  []Gadget
	byAddr map[uint64]int
}

// NewSet returns an empty collection.
func NewSet() *Set {
	return &Set{byAddr: make(map[uint64]int)}
}

// Add appends g and returns its arena index.
func (s *Set) Add(g Gadget) int {
	s.arena = append(s.arena, g)
	i := len(s.arena) - 1
	s.byAddr[g.Address] = i
	return i
}

// Len returns the number of gadgets.
func (s *Set) Len() int { return len(s.arena) }

// At returns the gadget at arena index i.
func (s *Set) At(i int) *Gadget { return &s.arena[i] }

// ByAddress returns the most recently added gadget at addr.
func (s *Set) ByAddress(addr uint64) (*Gadget, bool) {
	i, ok := s.byAddr[addr]
	if !ok {
		return nil, false
	}
	return &s.arena[i], true
}

// FindInsns returns the first gadget whose disassembly matches texts
// exactly.
func (s *Set) FindInsns(texts []string) (*Gadget, bool) {
	for i := range s.arena {
		if equalInsns(s.arena[i].Insns, texts) {
			return &s.arena[i], true
		}
	}
	return nil, false
}

func equalInsns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Order selects the ranking used by Search.
type Order int

const (
	// OrderSize minimizes (move, register count, address).
	OrderSize Order = iota
	// OrderRegs minimizes (register count, move, address).
	OrderRegs
)

// Criteria filters and ranks gadgets for Search.
type Criteria struct {
	// MinMove is the minimum stack delta in bytes. Stack-pointer
	// assigning gadgets (sentinel delta) never satisfy a positive
	// MinMove: they do not advance the stack, they replace it.
	MinMove int

	// Regs must all appear among a gadget's loaded registers.
	Regs []string

	// Order breaks ties between matches; OrderSize by default.
	Order Order
}

// Search returns the best gadget matching c, minimizing stack and
// register footprint beyond what was asked for. ok is false when
// nothing matches.
func (s *Set) Search(c Criteria) (*Gadget, bool) {
	best := -1
	for i := range s.arena {
		g := &s.arena[i]
		if g.Move < c.MinMove {
			continue
		}
		if c.MinMove > 0 && g.Move >= MoveSentinel {
			continue
		}
		if !containsAll(g.Regs, c.Regs) {
			continue
		}
		if best < 0 || lessGadget(g, &s.arena[best], c.Order) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	return &s.arena[best], true
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func lessGadget(a, b *Gadget, o Order) bool {
	var ka, kb [2]int
	if o == OrderRegs {
		ka = [2]int{len(a.Regs), a.Move}
		kb = [2]int{len(b.Regs), b.Move}
	} else {
		ka = [2]int{a.Move, len(a.Regs)}
		kb = [2]int{b.Move, len(b.Regs)}
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return ka[i] < kb[i]
		}
	}
	return a.Address < b.Address
}
