package chain

import (
	"errors"
	"testing"

	"ropsmith/internal/arch"
)

func TestSearchPathSingleGadget(t *testing.T) {
	set := mkSet(t, arch.AMD64, []gdef{
		{0x1000, "pop rdi; ret"},
		{0x2000, "ret"},
	})
	b := NewBuilder(arch.AMD64, set, nil)

	paths := b.SearchPath("sp", []string{"rdi"})
	if len(paths) != 1 {
		t.Fatalf("paths = %d, want 1", len(paths))
	}
	if len(paths[0]) != 1 || paths[0][0].Address != 0x1000 {
		t.Errorf("path = %v, want the pop rdi gadget alone", paths[0])
	}
}

func TestSearchPathDedupsByDisassembly(t *testing.T) {
	// Identical fragments extracted at two addresses collapse into
	// one terminal candidate; the later extraction wins.
	set := mkSet(t, arch.AMD64, []gdef{
		{0x1000, "pop rdi; ret"},
		{0x2000, "pop rdi; ret"},
	})
	b := NewBuilder(arch.AMD64, set, nil)

	paths := b.SearchPath("sp", []string{"rdi"})
	if len(paths) != 1 {
		t.Fatalf("paths = %d, want 1", len(paths))
	}
	if paths[0][0].Address != 0x2000 {
		t.Errorf("terminal at %#x, want the later 0x2000", paths[0][0].Address)
	}
}

func TestSearchPathRanksByTextLength(t *testing.T) {
	set := mkSet(t, arch.AMD64, []gdef{
		{0x1000, "pop rdi; pop rbp; ret"},
		{0x2000, "pop rdi; ret"},
	})
	b := NewBuilder(arch.AMD64, set, nil)

	paths := b.SearchPath("sp", []string{"rdi"})
	if len(paths) != 2 {
		t.Fatalf("paths = %d, want 2", len(paths))
	}
	if paths[0][0].Address != 0x2000 {
		t.Errorf("best path starts at %#x, want the shorter 0x2000", paths[0][0].Address)
	}
}

func TestSearchPathMultiRegisterTerminal(t *testing.T) {
	// Both registers must come from one terminal gadget; separate
	// single-register pops cannot be combined.
	set := mkSet(t, arch.AMD64, []gdef{
		{0x1000, "pop rdi; ret"},
		{0x2000, "pop rsi; ret"},
	})
	b := NewBuilder(arch.AMD64, set, nil)
	if paths := b.SearchPath("sp", []string{"rdi", "rsi"}); paths != nil {
		t.Fatalf("paths = %v, want none", paths)
	}

	set = mkSet(t, arch.AMD64, []gdef{{0x3000, "pop rdi; pop rsi; ret"}})
	b = NewBuilder(arch.AMD64, set, nil)
	paths := b.SearchPath("sp", []string{"rdi", "rsi"})
	if len(paths) != 1 || paths[0][0].Address != 0x3000 {
		t.Fatalf("paths = %v, want the double pop", paths)
	}
}

func TestSearchPathNoRegs(t *testing.T) {
	b := NewBuilder(arch.AMD64, mkSet(t, arch.AMD64, []gdef{{0x1000, "ret"}}), nil)
	if paths := b.SearchPath("sp", nil); paths != nil {
		t.Errorf("paths = %v, want nil", paths)
	}
}

func TestFindShorthand(t *testing.T) {
	set := mkSet(t, arch.AMD64, []gdef{
		{0x1000, "ret"},
		{0x2000, "pop rdi; ret"},
		{0x3000, "pop rdi; pop rsi; ret"},
		{0x4000, "add rsp, 0x10; ret"},
		{0x5000, "syscall"},
	})
	b := NewBuilder(arch.AMD64, set, nil)

	tests := []struct {
		key  string
		addr uint64
	}{
		{"ret", 0x1000},
		{"ret_8", 0x1000},
		{"ret_16", 0x2000},
		{"ret_0x18", 0x4000},
		{"rdi", 0x2000},
		{"rdi_rsi", 0x3000},
		{"syscall", 0x5000},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			g, err := b.Find(tt.key)
			if err != nil {
				t.Fatal(err)
			}
			if g.Address != tt.addr {
				t.Errorf("Find(%q) = %#x, want %#x", tt.key, g.Address, tt.addr)
			}
		})
	}
}

func TestFindBadKeys(t *testing.T) {
	b := NewBuilder(arch.AMD64, mkSet(t, arch.AMD64, []gdef{{0x1000, "ret"}}), nil)

	for _, key := range []string{"bogus", "ret_", "ret_-4", "ret_zz", "q"} {
		if _, err := b.Find(key); !errors.Is(err, ErrBadKey) {
			t.Errorf("Find(%q) err = %v, want ErrBadKey", key, err)
		}
	}

	// Well-formed keys with no matching gadget fail differently.
	for _, key := range []string{"rsi", "int80", "ret_0x100"} {
		if _, err := b.Find(key); !errors.Is(err, ErrNoGadget) {
			t.Errorf("Find(%q) err = %v, want ErrNoGadget", key, err)
		}
	}
}

func TestFindRetExcludesPivots(t *testing.T) {
	// A leave rewrites the stack pointer; it must never satisfy a
	// move-bounded request.
	set := mkSet(t, arch.AMD64, []gdef{
		{0x1000, "leave; ret"},
		{0x2000, "ret"},
	})
	b := NewBuilder(arch.AMD64, set, nil)

	g, err := b.Find("ret_8")
	if err != nil {
		t.Fatal(err)
	}
	if g.Address != 0x2000 {
		t.Errorf("Find(ret_8) = %#x, want the plain ret", g.Address)
	}
}
