package chain

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"ropsmith/internal/arch"
)

func TestCallLoadsRegisters(t *testing.T) {
	set := mkSet(t, arch.AMD64, []gdef{
		{0x1000, "pop rdi; ret"},
		{0x2000, "pop rsi; ret"},
		{0x3000, "ret"},
	})
	b := NewBuilder(arch.AMD64, set, nil)
	if err := b.Call(uint64(0xdead0000), 0x111, 0x222); err != nil {
		t.Fatal(err)
	}

	st, err := b.Build(0x10000)
	if err != nil {
		t.Fatal(err)
	}

	want := []any{
		uint64(0x1000), uint64(0x111),
		uint64(0x2000), uint64(0x222),
		uint64(0xdead0000),
		fill(40, 8),
	}
	if !reflect.DeepEqual(st.slots, want) {
		t.Errorf("slots = %v, want %v", st.slots, want)
	}
	if got := st.Annotation(0x10000); got != "pop rdi; ret" {
		t.Errorf("Annotation(entry) = %q", got)
	}
	if got := st.Annotation(0x10010); got != "pop rsi; ret" {
		t.Errorf("Annotation(second group) = %q", got)
	}
	if got := st.Annotation(0x10028); got != "<pad>" {
		t.Errorf("Annotation(return slot) = %q", got)
	}
}

func TestCallStackArgumentsAndMarkers(t *testing.T) {
	// On i386 every argument travels on the stack. The blob argument
	// resolves to a pointer at the chain tail; CurrentStackPointer to
	// its own slot address.
	b := NewBuilder(arch.I386, mkSet(t, arch.I386, []gdef{{0x100, "ret"}}), nil)
	if err := b.Call(uint64(0xcafe0000), 0x8, "hi", CurrentStackPointer{}); err != nil {
		t.Fatal(err)
	}

	st, err := b.Build(0x20000)
	if err != nil {
		t.Fatal(err)
	}

	want := []any{
		uint64(0xcafe0000),
		fill(4, 4),      // return slot of the final call
		uint64(0x8),     // arg0
		uint64(0x20014), // arg1: pointer to the appended blob
		uint64(0x20010), // arg2: its own address
		append([]byte("hi"), fill(22, 2)...),
	}
	if !reflect.DeepEqual(st.slots, want) {
		t.Errorf("slots = %v, want %v", st.slots, want)
	}
	if got := st.Annotation(0x20000); got != `0xcafe0000(8, "hi", <stack pointer>)` {
		t.Errorf("Annotation(call) = %q", got)
	}
	if got := st.Annotation(0x20014); got != `"hi"` {
		t.Errorf("Annotation(blob) = %q", got)
	}
}

func TestCallBridgesToNextElement(t *testing.T) {
	// A returning call followed by more chain needs a stack adjust
	// covering the return slot plus arguments; NextGadgetAddress
	// resolves to the landing spot.
	set := mkSet(t, arch.I386, []gdef{{0x5000, "pop eax; ret"}})
	b := NewBuilder(arch.I386, set, nil)
	if err := b.Call(uint64(0xcafe0000), NextGadgetAddress{}); err != nil {
		t.Fatal(err)
	}
	if err := b.Raw(0x99); err != nil {
		t.Fatal(err)
	}

	st, err := b.Build(0)
	if err != nil {
		t.Fatal(err)
	}
	got := words(t, st)
	want := []uint64{0xcafe0000, 0x5000, 0xc, 0x99}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("words = %#x, want %#x", got, want)
	}
	if a := st.Annotation(0x4); a != "<adjust: pop eax; ret>" {
		t.Errorf("Annotation(adjust) = %q", a)
	}
}

func TestCallAdjustmentMissingIsFatal(t *testing.T) {
	// Only a bare ret available: it cannot bridge a one-argument
	// call, and silently continuing would corrupt control flow.
	b := NewBuilder(arch.I386, mkSet(t, arch.I386, []gdef{{0x100, "ret"}}), nil)
	if err := b.Call(uint64(0xcafe0000), 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Raw(0x99); err != nil {
		t.Fatal(err)
	}

	_, err := b.Build(0)
	if !errors.Is(err, ErrNoGadget) {
		t.Fatalf("err = %v, want ErrNoGadget", err)
	}
	// The element list survives a failed build.
	if b.Sealed() {
		t.Error("failed build sealed the chain")
	}
	if _, err := b.Build(0); !errors.Is(err, ErrNoGadget) {
		t.Errorf("second build err = %v, want ErrNoGadget", err)
	}
}

func TestMigratePopSP(t *testing.T) {
	set := mkSet(t, arch.I386, []gdef{{0x100, "pop esp; ret"}})
	b := NewBuilder(arch.I386, set, nil)
	if err := b.Migrate(0x60000); err != nil {
		t.Fatal(err)
	}
	if !b.Sealed() {
		t.Error("migration did not seal the chain")
	}
	if err := b.Raw(1); !errors.Is(err, ErrSealed) {
		t.Errorf("Raw after migrate = %v, want ErrSealed", err)
	}

	st, err := b.Build(0x40000)
	if err != nil {
		t.Fatal(err)
	}
	got := words(t, st)
	want := []uint64{0x100, 0x60000}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("words = %#x, want %#x", got, want)
	}
	if a := st.Annotation(0x40000); a != "pop esp; ret" {
		t.Errorf("Annotation = %q", a)
	}
}

func TestMigrateLeaveFallback(t *testing.T) {
	set := mkSet(t, arch.AMD64, []gdef{
		{0x100, "pop rbp; ret"},
		{0x200, "leave; ret"},
	})
	b := NewBuilder(arch.AMD64, set, nil)
	if err := b.Migrate(0x7f000000); err != nil {
		t.Fatal(err)
	}

	st, err := b.Build(0x50000)
	if err != nil {
		t.Fatal(err)
	}
	got := words(t, st)
	// The base is lowered one word: the leave's frame pop consumes it
	// on the far side.
	want := []uint64{0x100, 0x7f000000 - 8, 0x200}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("words = %#x, want %#x", got, want)
	}
}

func TestMigrateUnavailableLeavesChainOpen(t *testing.T) {
	b := NewBuilder(arch.AMD64, mkSet(t, arch.AMD64, []gdef{{0x100, "ret"}}), nil)
	if err := b.Migrate(0x60000); !errors.Is(err, ErrNoGadget) {
		t.Fatalf("err = %v, want ErrNoGadget", err)
	}
	if b.Sealed() {
		t.Error("failed migration sealed the chain")
	}
	if err := b.Raw(5); err != nil {
		t.Errorf("Raw after failed migrate = %v", err)
	}
}

func TestFrameStackPointerPatching(t *testing.T) {
	b := NewBuilder(arch.AMD64, mkSet(t, arch.AMD64, []gdef{{0x100, "ret"}}), nil)
	f := mustFrame(t, arch.AMD64)
	if err := f.SetPC(0x1234); err != nil {
		t.Fatal(err)
	}
	if err := b.Frame(f); err != nil {
		t.Fatal(err)
	}

	// rsp is slot 20 of the amd64 frame layout.
	const spSlot = 20

	st, err := b.Build(0)
	if err != nil {
		t.Fatal(err)
	}
	if v := words(t, st)[spSlot]; v != 0 {
		t.Errorf("rsp at base 0 = %#x, want 0", v)
	}

	st, err = b.Build(0x7ffe0000)
	if err != nil {
		t.Fatal(err)
	}
	if v := words(t, st)[spSlot]; v != 0x7ffe0000+248 {
		t.Errorf("rsp = %#x, want just past the frame (%#x)", v, 0x7ffe0000+248)
	}
	if a := st.Annotation(0x7ffe0000 + spSlot*8); a != "rsp" {
		t.Errorf("Annotation(rsp slot) = %q", a)
	}

	// An explicit stack pointer is never touched.
	if err := f.SetSP(0x5000); err != nil {
		t.Fatal(err)
	}
	st, err = b.Build(0x7ffe0000)
	if err != nil {
		t.Fatal(err)
	}
	if v := words(t, st)[spSlot]; v != 0x5000 {
		t.Errorf("explicit rsp = %#x, want 0x5000", v)
	}
}

func TestDumpMarksInternalPointers(t *testing.T) {
	b := NewBuilder(arch.AMD64, mkSet(t, arch.AMD64, []gdef{{0x100, "ret"}}), nil)
	if err := b.Raw(0x10008); err != nil {
		t.Fatal(err)
	}
	if err := b.RawBytes([]byte("AB")); err != nil {
		t.Fatal(err)
	}

	st, err := b.Build(0x10000)
	if err != nil {
		t.Fatal(err)
	}
	dump := st.Dump()
	if !strings.Contains(dump, "(+0x8)") {
		t.Errorf("dump lacks self-pointer marker:\n%s", dump)
	}
	if !strings.Contains(dump, `"AB`) {
		t.Errorf("dump lacks quoted blob:\n%s", dump)
	}
}

// TestChainClassicLayout mirrors the canonical i386 scenario: two
// returning calls bridged by stack adjusts, then a syscall with no
// callable target synthesized through sigreturn.
func TestChainClassicLayout(t *testing.T) {
	set := mkSet(t, arch.I386, []gdef{
		{0x8048054, "int 0x80"},
		{0x8048056, "ret"},
		{0x8048057, "add esp, 0x10; ret"},
		{0x804805a, "ret"},
		{0x804805b, "pop eax; ret"},
		{0x804805c, "ret"},
	})
	img := testImage{"funcname": 0x8049288}
	b := NewBuilder(arch.I386, set, img)

	if err := b.Call("funcname", 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := b.Call("funcname", 3); err != nil {
		t.Fatal(err)
	}
	if err := b.Call("execve", 4, 5, 6); err != nil {
		t.Fatal(err)
	}
	if !b.Sealed() {
		t.Fatal("sigreturn call did not seal the chain")
	}
	if err := b.Call("funcname"); !errors.Is(err, ErrSealed) {
		t.Fatalf("call after seal = %v, want ErrSealed", err)
	}

	st, err := b.Build(0)
	if err != nil {
		t.Fatal(err)
	}

	want := []any{
		uint64(0x8049288), // funcname(1, 2)
		uint64(0x8048057), // add esp, 0x10; ret
		uint64(1),
		uint64(2),
		fill(16, 4),
		fill(20, 4),
		uint64(0x8049288), // funcname(3)
		uint64(0x804805b), // pop eax; ret bridges one argument
		uint64(3),
		uint64(0x804805b), // set eax for sigreturn
		uint64(0x77),
		uint64(0x8048054), // int 0x80
		// sigreturn frame
		uint64(0), uint64(0), uint64(0), uint64(0), // gs fs es ds
		uint64(0), uint64(0), uint64(0), uint64(0), // edi esi ebp esp
		uint64(4), uint64(6), uint64(5), uint64(0xb), // ebx edx ecx eax
		uint64(0), uint64(0), // trapno err
		uint64(0x8048054), // eip
		uint64(0x73),      // cs
		uint64(0), uint64(0), // eflags esp_at_signal
		uint64(0x7b), // ss
		uint64(0),    // fpstate
	}
	if !reflect.DeepEqual(st.slots, want) {
		t.Fatalf("slots:\n%s\nwant %v", st.Dump(), want)
	}

	checks := map[uint64]string{
		0x00: "funcname(1, 2)",
		0x04: "<adjust: add esp, 0x10; ret>",
		0x08: "arg0",
		0x10: "<pad>",
		0x18: "funcname(3)",
		0x1c: "<adjust: pop eax; ret>",
		0x24: "pop eax; ret",
		0x2c: "int 0x80",
		0x30: "gs",
		0x68: "eip",
	}
	for addr, note := range checks {
		if got := st.Annotation(addr); got != note {
			t.Errorf("Annotation(%#x) = %q, want %q", addr, got, note)
		}
	}

	// With a real base the frame's unset stack pointer lands just past
	// the frame.
	st, err = b.Build(0x8048000)
	if err != nil {
		t.Fatal(err)
	}
	const espSlot = 12 + 7 // frame start + esp's layout position
	if v, _ := st.slots[espSlot].(uint64); v != 0x8048080 {
		t.Errorf("frame esp = %#x, want 0x8048080", v)
	}
}
