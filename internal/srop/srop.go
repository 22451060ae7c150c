// Package srop builds sigreturn frames. A frame is a complete register
// image the kernel restores wholesale on sigreturn, which makes it the
// strongest primitive a chain can deploy: every register, including the
// program counter and stack pointer, from one block of stack data.
package srop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ropsmith/internal/arch"
)

var (
	ErrUnsupportedArch = errors.New("srop: no sigreturn frame layout for architecture")
	ErrUnknownRegister = errors.New("srop: unknown register")
	ErrUnknownBlock    = errors.New("srop: unknown coprocessor block")
	ErrMisalignedSP    = errors.New("srop: arm stack pointer must be 8-byte aligned")
)

type coproc struct {
	magic uint64
	size  int
}

type layout struct {
	// slots in serialization order; names are ABI-critical.
	slots    []string
	defaults map[string]uint64

	// spAlign constrains stack-pointer values (arm requires 8).
	spAlign uint64

	// coprocessor extension blocks appended past extBase, arm only.
	extBase int
	exts    map[string]coproc
}

// Layouts follow the kernel's sigcontext/ucontext ordering.
var layouts = map[string]*layout{
	"i386": {
		slots: []string{
			"gs", "fs", "es", "ds", "edi", "esi", "ebp", "esp", "ebx",
			"edx", "ecx", "eax", "trapno", "err", "eip", "cs", "eflags",
			"esp_at_signal", "ss", "fpstate",
		},
		defaults: map[string]uint64{"cs": 0x73, "ss": 0x7b},
	},
	"amd64": {
		slots: []string{
			"uc_flags", "&uc", "uc_stack.ss_sp", "uc_stack.ss_flags",
			"uc_stack.ss_size", "r8", "r9", "r10", "r11", "r12", "r13",
			"r14", "r15", "rdi", "rsi", "rbp", "rbx", "rdx", "rax", "rcx",
			"rsp", "rip", "eflags", "csgsfs", "err", "trapno", "oldmask",
			"cr2", "&fpstate", "__reserved", "sigmask",
		},
		defaults: map[string]uint64{"csgsfs": 0x33},
	},
	"arm": {
		slots: []string{
			"uc_flags", "uc_link", "uc_stack.ss_sp", "uc_stack.ss_flags",
			"uc_stack.ss_size", "trap_no", "error_code", "oldmask",
			"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8", "r9",
			"r10", "fp", "ip", "sp", "lr", "pc", "cpsr", "fault_address",
			"uc_sigmask", "__unused", "uc_regspace",
		},
		defaults: map[string]uint64{"trap_no": 0x6, "cpsr": 0x40000010},
		spAlign:  8,
		extBase:  232,
		exts: map[string]coproc{
			"CRUNCH": {magic: 0x5065cf03, size: 0xa8},
			"IWMMXT": {magic: 0x12ef842a, size: 0x98},
			"VFPU":   {magic: 0x56465001, size: 0x120},
		},
	},
}

// Frame is a sigreturn register image for one architecture. The zero
// value is unusable; construct with New.
type Frame struct {
	arch   *arch.Arch
	lay    *layout
	values map[string]uint64
}

// New returns a zeroed frame with the architecture's mandatory defaults
// (segment selectors, trap numbers) preset.
func New(a *arch.Arch) (*Frame, error) {
	lay, ok := layouts[a.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, a.Name)
	}
	f := &Frame{arch: a, lay: lay, values: make(map[string]uint64, len(lay.slots))}
	for reg, v := range lay.defaults {
		f.values[reg] = v
	}
	return f, nil
}

// Arch returns the frame's architecture.
func (f *Frame) Arch() *arch.Arch { return f.arch }

// Registers returns the slot names in serialization order.
func (f *Frame) Registers() []string { return f.lay.slots }

// Set assigns one slot by name.
func (f *Frame) Set(reg string, v uint64) error {
	if !f.known(reg) {
		return fmt.Errorf("%w: %q", ErrUnknownRegister, reg)
	}
	if f.lay.spAlign > 1 && reg == f.arch.SP && v%f.lay.spAlign != 0 {
		return fmt.Errorf("%w: %#x", ErrMisalignedSP, v)
	}
	f.values[reg] = v
	return nil
}

// Get returns the current value of a slot.
func (f *Frame) Get(reg string) (uint64, bool) {
	if !f.known(reg) {
		return 0, false
	}
	return f.values[reg], true
}

func (f *Frame) known(reg string) bool {
	for _, s := range f.lay.slots {
		if s == reg {
			return true
		}
	}
	return false
}

// SetPC assigns the program-counter slot.
func (f *Frame) SetPC(v uint64) error { return f.Set(f.arch.IP, v) }

// SetSP assigns the stack-pointer slot.
func (f *Frame) SetSP(v uint64) error { return f.Set(f.arch.SP, v) }

// SetSyscall assigns the syscall-number slot.
func (f *Frame) SetSyscall(n uint64) error {
	return f.Set(f.arch.SyscallArgs[0], n)
}

// Arguments returns the syscall-argument slots in kernel ABI order, the
// number register excluded.
func (f *Frame) Arguments() []string { return f.arch.SyscallArgs[1:] }

// Size returns the serialized frame length in bytes.
func (f *Frame) Size() int { return len(f.lay.slots) * f.arch.WordSize }

// Bytes serializes the frame: slots in layout order, little-endian words.
func (f *Frame) Bytes() []byte {
	out := make([]byte, 0, f.Size())
	for _, reg := range f.lay.slots {
		out = f.appendWord(out, f.values[reg])
	}
	return out
}

func (f *Frame) appendWord(out []byte, v uint64) []byte {
	var w [8]byte
	binary.LittleEndian.PutUint64(w[:], v)
	return append(out, w[:f.arch.WordSize]...)
}

// BytesWithBlocks serializes the frame and appends the named coprocessor
// blocks (arm: vfpu, iwmmxt, crunch). The frame is padded to the block
// base, then each block's magic and size words are written, blocks
// ordered by size, each padded out to its size bound.
func (f *Frame) BytesWithBlocks(names ...string) ([]byte, error) {
	out := f.Bytes()
	if len(f.lay.exts) == 0 || len(names) == 0 {
		return out, nil
	}

	blocks := make([]coproc, 0, len(names))
	for _, name := range names {
		b, ok := f.lay.exts[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownBlock, name)
		}
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].size < blocks[j].size })

	out = padTo(out, f.lay.extBase)
	for _, b := range blocks {
		out = f.appendWord(out, b.magic)
		out = f.appendWord(out, uint64(b.size))
		out = padTo(out, b.size)
	}
	return out, nil
}

func padTo(out []byte, n int) []byte {
	for len(out) < n {
		out = append(out, 'A')
	}
	return out
}
