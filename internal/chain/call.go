package chain

import (
	"fmt"
	"strings"

	"github.com/apex/log"

	"ropsmith/internal/arch"
	"ropsmith/internal/gadget"
	"ropsmith/internal/srop"
)

// callElem is one function or syscall invocation: target, normalized
// arguments, and the ABI that splits them into register and stack
// arguments.
type callElem struct {
	name   string
	target uint64
	args   []any
	abi    arch.ABI
}

func (c *callElem) String() string {
	parts := make([]string, len(c.args))
	for i, a := range c.args {
		parts[i] = argString(a)
	}
	name := c.name
	if name == "" {
		name = fmt.Sprintf("%#x", c.target)
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

// argIndex returns the ABI argument position of a register, for
// annotating which argument a register-loading fragment serves.
func (c *callElem) argIndex(reg string) int {
	for i, r := range c.abi.Args {
		if r == reg {
			return i
		}
	}
	return -1
}

func argString(a any) string {
	switch v := a.(type) {
	case uint64:
		if v < 10 {
			return fmt.Sprintf("%d", v)
		}
		return fmt.Sprintf("%#x", v)
	case *appendedBlob:
		return fmt.Sprintf("%q", v.data)
	case *appendedArray:
		parts := make([]string, len(v.items))
		for i, item := range v.items {
			parts[i] = argString(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case CurrentStackPointer:
		return "<stack pointer>"
	case NextGadgetAddress:
		return "<next gadget>"
	}
	return fmt.Sprintf("%v", a)
}

// Call appends a call to target with the given arguments. target is an
// address or a symbol name; a name the image cannot resolve but that
// names a syscall ("execve", "SYS_execve") is synthesized through a
// sigreturn frame instead, which seals the chain. Integer arguments
// are passed as words; strings, byte slices, and []any arrays are
// appended at the chain tail with a pointer in the argument slot;
// CurrentStackPointer and NextGadgetAddress resolve at build time.
// Register-argument positions must hold plain words — a tail pointer's
// value is not known when registers are solved.
func (b *Builder) Call(target any, args ...any) error {
	if b.sealed {
		return ErrSealed
	}
	norm := make([]any, len(args))
	for i, a := range args {
		n, err := normalizeArg(a)
		if err != nil {
			return err
		}
		norm[i] = n
	}

	var name string
	var addr uint64
	switch t := target.(type) {
	case uint64:
		addr = t
	case uint:
		addr = uint64(t)
	case int:
		addr = uint64(t)
	case int64:
		addr = uint64(t)
	case string:
		if b.img != nil {
			if a, ok := b.img.Resolve(t); ok && a != 0 {
				name, addr = t, a
				break
			}
		}
		return b.syscallCall(t, norm)
	default:
		return fmt.Errorf("%w: call target %T", ErrBadArgument, target)
	}

	return b.appendCallElem(&callElem{name: name, target: addr, args: norm, abi: b.arch.CallABI()})
}

func (b *Builder) appendCallElem(c *callElem) error {
	nreg := len(c.abi.Args)
	if nreg > len(c.args) {
		nreg = len(c.args)
	}
	for i := 0; i < nreg; i++ {
		if _, ok := c.args[i].(uint64); !ok {
			return fmt.Errorf("%w: register argument %d must be a word", ErrBadArgument, i)
		}
	}
	b.elems = append(b.elems, c)
	return nil
}

// syscallCall synthesizes a syscall with no callable target through a
// sigreturn frame: a short chain loads the sigreturn number, a
// syscall-trigger gadget fires it, and the kernel restores the whole
// register file from the frame that follows — program counter back at
// the trigger gadget, syscall registers holding the real request. The
// chain seals: nothing survives a full register rewrite.
func (b *Builder) syscallCall(name string, args []any) error {
	num, ok := b.arch.SyscallNumber(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnresolved, name)
	}
	log.Infof("using sigreturn to call %q", name)

	var trigger *gadget.Gadget
	for _, insn := range b.arch.SyscallInsns {
		if g, ok := b.set.FindInsns([]string{insn}); ok {
			trigger = g
			break
		}
	}
	if trigger == nil {
		return fmt.Errorf("%w: syscall trigger among %q", ErrNoGadget, b.arch.SyscallInsns)
	}

	frame, err := srop.New(b.arch)
	if err != nil {
		return err
	}
	if err := frame.SetPC(trigger.Address); err != nil {
		return err
	}
	if err := frame.SetSyscall(num); err != nil {
		return err
	}
	fargs := frame.Arguments()
	if len(args) > len(fargs) {
		return fmt.Errorf("%w: %d arguments, %s syscalls pass at most %d", ErrBadArgument, len(args), b.arch.Name, len(fargs))
	}
	for i, a := range args {
		v, ok := a.(uint64)
		if !ok {
			return fmt.Errorf("%w: sigreturn argument %d must be a word", ErrBadArgument, i)
		}
		if err := frame.Set(fargs[i], v); err != nil {
			return err
		}
	}

	sig := &callElem{
		name:   "SYS_sigreturn",
		target: trigger.Address,
		args:   []any{b.arch.SigreturnNum},
		abi:    b.arch.SigreturnABI(),
	}
	if err := b.appendCallElem(sig); err != nil {
		return err
	}
	b.elems = append(b.elems, frame)
	b.sealed = true
	return nil
}
