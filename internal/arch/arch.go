// Package arch describes the target architectures ropsmith builds chains
// for: word geometry, register names, calling conventions and the syscall
// surface needed for sigreturn synthesis.
package arch

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknown = errors.New("arch: unknown architecture")

// ABI describes one calling convention.
type ABI struct {
	// Args lists argument registers in call order. Empty when arguments
	// travel on the stack (i386 function calls). For syscall conventions
	// the first entry holds the syscall number.
	Args []string

	// SyscallNumber names the register carrying the syscall number; empty
	// for plain function-call conventions.
	SyscallNumber string

	// Returns reports whether control comes back through a return address
	// on the stack. Sigreturn conventions never return: the kernel
	// replaces the entire register file.
	Returns bool
}

// Arch describes one target architecture.
type Arch struct {
	Name     string
	WordSize int

	// SP and IP name the stack and instruction pointer. They double as
	// slot names in sigreturn frames.
	SP, IP string

	// CallArgs are the function-call argument registers, in order.
	CallArgs []string

	// SyscallArgs is the kernel convention: number register first, then
	// argument registers.
	SyscallArgs []string

	// SyscallInsns lists instruction texts that enter the kernel, in
	// preference order.
	SyscallInsns []string

	// FramePair is the frame-pointer/stack-pointer pair a leave-class
	// gadget pops, in pop order.
	FramePair [2]string

	// SigreturnNum is the syscall number of sigreturn (rt_sigreturn where
	// plain sigreturn is gone, as on amd64).
	SigreturnNum uint64

	syscalls map[string]uint64
}

// CallABI returns the default function-call convention.
func (a *Arch) CallABI() ABI {
	return ABI{Args: a.CallArgs, Returns: true}
}

// SyscallABI returns the kernel syscall convention.
func (a *Arch) SyscallABI() ABI {
	return ABI{Args: a.SyscallArgs, SyscallNumber: a.SyscallArgs[0], Returns: true}
}

// SigreturnABI returns the convention for invoking sigreturn itself: only
// the number register is loaded, and control never returns.
func (a *Arch) SigreturnABI() ABI {
	return ABI{Args: a.SyscallArgs[:1], SyscallNumber: a.SyscallArgs[0], Returns: false}
}

// SyscallNumber resolves a syscall name for this architecture. Accepts
// plain names ("execve") and the SYS_-prefixed spelling ("SYS_execve").
func (a *Arch) SyscallNumber(name string) (uint64, bool) {
	name = strings.ToLower(strings.TrimPrefix(name, "SYS_"))
	n, ok := a.syscalls[name]
	return n, ok
}

// Linux syscall numbers, the subset chains commonly invoke.
// i386 and arm (EABI) share the legacy numbering for these entries.
var legacySyscalls = map[string]uint64{
	"exit":         1,
	"fork":         2,
	"read":         3,
	"write":        4,
	"open":         5,
	"close":        6,
	"execve":       11,
	"dup2":         63,
	"sigreturn":    119,
	"mprotect":     125,
	"rt_sigreturn": 173,
	"mmap2":        192,
}

var (
	I386 = &Arch{
		Name:         "i386",
		WordSize:     4,
		SP:           "esp",
		IP:           "eip",
		SyscallArgs:  []string{"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp"},
		SyscallInsns: []string{"int 0x80", "syscall", "sysenter"},
		FramePair:    [2]string{"ebp", "esp"},
		SigreturnNum: 119,
		syscalls:     legacySyscalls,
	}

	AMD64 = &Arch{
		Name:         "amd64",
		WordSize:     8,
		SP:           "rsp",
		IP:           "rip",
		CallArgs:     []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"},
		SyscallArgs:  []string{"rax", "rdi", "rsi", "rdx", "r10", "r8", "r9"},
		SyscallInsns: []string{"syscall", "int 0x80", "sysenter"},
		FramePair:    [2]string{"rbp", "rsp"},
		SigreturnNum: 15,
		syscalls: map[string]uint64{
			"read":         0,
			"write":        1,
			"open":         2,
			"close":        3,
			"mmap":         9,
			"mprotect":     10,
			"rt_sigreturn": 15,
			"sigreturn":    15,
			"dup2":         33,
			"fork":         57,
			"execve":       59,
			"exit":         60,
		},
	}

	ARM = &Arch{
		Name:         "arm",
		WordSize:     4,
		SP:           "sp",
		IP:           "pc",
		CallArgs:     []string{"r0", "r1", "r2", "r3"},
		SyscallArgs:  []string{"r7", "r0", "r1", "r2", "r3", "r4", "r5", "r6"},
		SyscallInsns: []string{"svc 0"},
		FramePair:    [2]string{"fp", "sp"},
		SigreturnNum: 119,
		syscalls:     legacySyscalls,
	}
)

// Lookup returns the descriptor for an architecture name, accepting the
// usual aliases.
func Lookup(name string) (*Arch, error) {
	switch strings.ToLower(name) {
	case "i386", "386", "x86":
		return I386, nil
	case "amd64", "x86_64", "x86-64", "x64":
		return AMD64, nil
	case "arm":
		return ARM, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
}
