// Package output writes ropsmith results: gadget inventories as text
// or JSONL, raw chain images, and DOT graphs.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"ropsmith/internal/gadget"
)

// GadgetRecord is one JSONL inventory line.
type GadgetRecord struct {
	Address string   `json:"address"`
	Insns   []string `json:"insns"`
	Move    int      `json:"move"`
	Regs    []string `json:"regs,omitempty"`
}

func sortedByAddress(set *gadget.Set) []*gadget.Gadget {
	out := make([]*gadget.Gadget, set.Len())
	for i := 0; i < set.Len(); i++ {
		out[i] = set.At(i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func moveLabel(m int) string {
	if m >= gadget.MoveSentinel {
		return "pivot"
	}
	return strconv.Itoa(m)
}

// WriteGadgetsText writes the inventory as one line per gadget, sorted
// by address.
func WriteGadgetsText(w io.Writer, set *gadget.Set) error {
	for _, g := range sortedByAddress(set) {
		if _, err := fmt.Fprintf(w, "%#010x  move %-6s %s\n", g.Address, moveLabel(g.Move), g.Desc()); err != nil {
			return fmt.Errorf("output: write inventory: %w", err)
		}
	}
	return nil
}

// WriteGadgetsJSONL writes the inventory as JSON lines, sorted by
// address.
func WriteGadgetsJSONL(w io.Writer, set *gadget.Set) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, g := range sortedByAddress(set) {
		rec := GadgetRecord{
			Address: fmt.Sprintf("%#x", g.Address),
			Insns:   g.Insns,
			Move:    g.Move,
			Regs:    g.Regs,
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("output: encode inventory: %w", err)
		}
	}
	return nil
}

// WriteRaw writes payload bytes (a packed chain or frame) to path.
func WriteRaw(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}

// WriteDOT writes a rendered graph to path.
func WriteDOT(path, dot string) error {
	if err := os.WriteFile(path, []byte(dot), 0644); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}
