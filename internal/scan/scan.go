// Package scan extracts ROP gadget candidates from x86 code bytes. It
// performs a linear sweep, accumulating runs of instructions the chain
// grammar accepts and emitting every suffix of a run when a terminator
// (ret or a syscall trigger) closes it. Candidates are (address,
// instruction texts) pairs; classification into stack effects happens
// in the gadget package.
package scan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"
	"golang.org/x/arch/x86/x86asm"

	"ropsmith/internal/arch"
	"ropsmith/internal/elfx"
	"ropsmith/internal/gadget"
)

// ErrUnsupported marks architectures the x86 gadget grammar does not
// cover.
var ErrUnsupported = errors.New("scan: gadget grammar covers i386 and amd64 only")

// Candidate is one potential gadget: the address of its first
// instruction and the Intel-syntax texts of its run.
type Candidate struct {
	Address uint64   `json:"address"`
	Insns   []string `json:"insns"`
}

// Options controls scanning.
type Options struct {
	Base uint64 // VA of the first byte of the code

	// MaxInsns caps the instruction count per candidate; 0 = 8.
	// Longer runs still emit, truncated to their final MaxInsns
	// instructions.
	MaxInsns int
}

const defaultMaxInsns = 8

func (o Options) effectiveMax() int {
	if o.MaxInsns > 0 {
		return o.MaxInsns
	}
	return defaultMaxInsns
}

func bits(a *arch.Arch) (int, bool) {
	switch a.Name {
	case "i386":
		return 32, true
	case "amd64":
		return 64, true
	}
	return 0, false
}

// Scan decodes code linearly and returns the gadget candidates found.
// A decode failure resynchronizes one byte forward and drops the
// accumulated run; a decodable instruction outside the grammar drops
// the run but keeps stride. Returns nil for architectures without the
// x86 grammar.
func Scan(code []byte, a *arch.Arch, opts Options) []Candidate {
	mode, ok := bits(a)
	if !ok {
		return nil
	}

	type step struct {
		off  int
		text string
	}
	var out []Candidate
	var run []step

	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], mode)
		if err != nil {
			run = run[:0]
			i++
			continue
		}
		text := strings.ToLower(x86asm.IntelSyntax(inst, 0, nil))

		switch {
		case text == "ret" || isTrigger(text, a):
			run = append(run, step{i, text})
			lo := 0
			if n := opts.effectiveMax(); len(run) > n {
				lo = len(run) - n
			}
			for s := lo; s < len(run); s++ {
				texts := make([]string, len(run)-s)
				for k := s; k < len(run); k++ {
					texts[k-s] = run[k].text
				}
				out = append(out, Candidate{
					Address: opts.Base + uint64(run[s].off),
					Insns:   texts,
				})
			}
			run = run[:0]
		case grammatical(text, a):
			run = append(run, step{i, text})
		default:
			run = run[:0]
		}
		i += inst.Len
	}
	return out
}

func isTrigger(text string, a *arch.Arch) bool {
	for _, t := range a.SyscallInsns {
		if text == t {
			return true
		}
	}
	return false
}

// grammatical reports whether one instruction belongs to the chain
// grammar: a register pop, an immediate stack-pointer increment, or a
// leave. Terminators are handled separately.
func grammatical(text string, a *arch.Arch) bool {
	if text == "leave" {
		return true
	}
	if reg, ok := strings.CutPrefix(text, "pop "); ok {
		return reg != "" && !strings.ContainsAny(reg, " ,[")
	}
	if imm, ok := strings.CutPrefix(text, "add "+a.SP+", "); ok {
		return strings.HasPrefix(imm, "0x")
	}
	return false
}

// File scans every executable segment of an ELF image and classifies
// the candidates into a gadget collection.
func File(f *elfx.File, opts Options) (*gadget.Set, error) {
	a := f.Arch()
	if _, ok := bits(a); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, a.Name)
	}
	segs, err := f.ExecSegments()
	if err != nil {
		return nil, err
	}

	set := gadget.NewSet()
	total := 0
	for _, seg := range segs {
		o := opts
		o.Base = seg.Vaddr
		cands := Scan(seg.Data, a, o)
		total += len(cands)
		for _, c := range cands {
			if g, ok := gadget.Classify(c.Address, c.Insns, a); ok {
				set.Add(g)
			}
		}
	}
	log.Debugf("scan: %d candidates in %d exec segments, %d classified", total, len(segs), set.Len())
	return set, nil
}
