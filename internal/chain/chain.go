// Package chain synthesizes return-oriented-programming chains. Callers
// append high-level elements — raw words, byte blobs, function or
// syscall calls, sigreturn frames — and Build lays them out as a
// concrete little-endian stack image: gadget sequences that load the
// requested register values are discovered over a dependency graph,
// verified symbolically, and flattened in place, with an annotation per
// slot for diagnostics.
package chain

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"ropsmith/internal/arch"
	"ropsmith/internal/cyclic"
	"ropsmith/internal/gadget"
	"ropsmith/internal/srop"
)

var (
	ErrSealed      = errors.New("chain: sealed after migration or sigreturn")
	ErrNoGadget    = errors.New("chain: no gadget found")
	ErrNoPath      = errors.New("chain: no gadget path sets register")
	ErrUnresolved  = errors.New("chain: could not resolve call target")
	ErrBadArgument = errors.New("chain: unsupported argument")
	ErrBadKey      = errors.New("chain: unrecognized gadget key")
)

// Image resolves symbol names for call targets and maps addresses back
// to names for dump annotations. *elfx.File satisfies it.
type Image interface {
	Resolve(name string) (uint64, bool)
	Symbolize(addr uint64) (string, bool)
}

// Padding marks a slot the builder fills with position-identifying
// cyclic bytes at resolve time.
type Padding struct{}

// CurrentStackPointer is a call argument that resolves to the absolute
// address of the slot holding it.
type CurrentStackPointer struct{}

// NextGadgetAddress is a call argument that resolves to the address
// just past the call's stack-argument region, where the next gadget
// lands.
type NextGadgetAddress struct{}

// appendedBlob is a slot that resolves to a pointer at the chain tail,
// where its bytes are appended word-padded.
type appendedBlob struct {
	data []byte
}

// appendedArray is a slot that resolves to a pointer to a word array
// appended at the chain tail; elements may themselves be appended
// blobs or arrays.
type appendedArray struct {
	items []any
}

// Builder accumulates chain elements and resolves them against a
// gadget inventory. A builder is single-threaded; the gadget set must
// not grow once the first search has run, because the dependency graph
// is computed lazily and cached for the builder's lifetime.
type Builder struct {
	arch *arch.Arch
	set  *gadget.Set
	img  Image

	// ProbeMin and ProbeMax bound the synthetic values used to verify
	// candidate gadget paths during search.
	ProbeMin uint64
	ProbeMax uint64

	elems  []any
	sealed bool

	graph *depGraph
}

// NewBuilder returns a builder over the given gadget inventory. img may
// be nil; call targets must then be addresses, not names.
func NewBuilder(a *arch.Arch, set *gadget.Set, img Image) *Builder {
	return &Builder{
		arch:     a,
		set:      set,
		img:      img,
		ProbeMin: 1 << 16,
		ProbeMax: 1 << 32,
	}
}

// Arch returns the builder's architecture.
func (b *Builder) Arch() *arch.Arch { return b.arch }

// Sealed reports whether the chain can no longer be appended to.
func (b *Builder) Sealed() bool { return b.sealed }

// Raw appends one literal stack word.
func (b *Builder) Raw(v uint64) error {
	if b.sealed {
		return ErrSealed
	}
	b.elems = append(b.elems, v)
	return nil
}

// RawBytes appends a byte blob in place. The blob is padded to word
// alignment with cyclic filler and split into word-sized chunks during
// Build.
func (b *Builder) RawBytes(p []byte) error {
	if b.sealed {
		return ErrSealed
	}
	b.elems = append(b.elems, append([]byte(nil), p...))
	return nil
}

// Frame appends a sigreturn frame. The frame's registers are laid out
// in their architecture-defined order.
func (b *Builder) Frame(f *srop.Frame) error {
	if b.sealed {
		return ErrSealed
	}
	if f.Arch().Name != b.arch.Name {
		return fmt.Errorf("%w: %s frame on %s chain", ErrBadArgument, f.Arch().Name, b.arch.Name)
	}
	b.elems = append(b.elems, f)
	return nil
}

// probe returns one synthetic verification value.
func (b *Builder) probe() uint64 {
	lo, hi := b.ProbeMin, b.ProbeMax
	if hi <= lo {
		hi = lo + 1
	}
	return lo + rand.Uint64N(hi-lo)
}

// fill returns n bytes of the cyclic pattern at the given chain offset.
func fill(off, n int) []byte {
	if n <= 0 {
		return nil
	}
	if max := cyclic.Max() - n; max > 0 && off > max {
		off %= max
	}
	return cyclic.At(off, n)
}

// symbolize maps an address to a name via the image, or returns "".
func (b *Builder) symbolize(addr uint64) string {
	if b.img == nil {
		return ""
	}
	name, ok := b.img.Symbolize(addr)
	if !ok {
		return ""
	}
	return name
}

// describeAddr renders an address for annotations: the image symbol
// when one matches, the disassembly when the address is a known
// gadget, "" otherwise.
func (b *Builder) describeAddr(addr uint64) string {
	if d := b.symbolize(addr); d != "" {
		return d
	}
	if g, ok := b.set.ByAddress(addr); ok {
		return g.Desc()
	}
	return ""
}

// normalizeArg converts a caller-supplied argument to its internal
// form: integers become words, strings and byte slices become
// tail-appended blobs, []any becomes a tail-appended pointer array.
func normalizeArg(a any) (any, error) {
	switch v := a.(type) {
	case uint64:
		return v, nil
	case uint:
		return uint64(v), nil
	case int:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case string:
		return &appendedBlob{data: []byte(v)}, nil
	case []byte:
		return &appendedBlob{data: append([]byte(nil), v...)}, nil
	case CurrentStackPointer:
		return v, nil
	case NextGadgetAddress:
		return v, nil
	case []any:
		arr := &appendedArray{items: make([]any, 0, len(v))}
		for _, item := range v {
			n, err := normalizeArg(item)
			if err != nil {
				return nil, err
			}
			arr.items = append(arr.items, n)
		}
		return arr, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrBadArgument, a)
}
