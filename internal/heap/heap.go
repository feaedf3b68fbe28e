// Package heap implements CodeSwitch's managed heap: a page-based bump
// allocator over a fixed-size arena, and a stop-the-world copying
// collector that relocates every reachable block precisely, using the
// pointer maps internal/block and internal/visit describe.
//
// The allocator keeps a single bump region per semispace rather than
// per-thread caches, since CodeSwitch has no concurrent mutators.
package heap

import (
	"log"

	"golang.org/x/tools/container/intsets"
	"golang.org/x/xerrors"

	"codeswitch/internal/block"
	"codeswitch/internal/visit"
)

const wordSize = block.WordSize

// Options configures a Heap at construction time.
type Options struct {
	// SemispaceWords is the capacity, in words, of each of the two
	// copying-collector semispaces.
	SemispaceWords int
	Logger         *log.Logger
}

// Stats tracks cumulative allocator/collector activity, exposed for
// diagnostics and for WriteHeapProfile.
type Stats struct {
	BytesAllocated uint64
	Collections    int
	LiveWords      uintptr // live words after the most recent collection
}

// liveRecord is one surviving object's position and Meta, gathered
// during a collection's scan phase for WriteHeapProfile's benefit.
type liveRecord struct {
	ref    block.Ref
	meta   *block.Meta
	length uintptr
}

// Heap owns the two semispaces, the registry of known Metas, and the
// root sources (handles, the interpreter stack) a collection sweeps.
type Heap struct {
	opts Options
	log  *log.Logger

	spaceA, spaceB     []uintptr
	fromSpace, toSpace []uintptr
	fromBase, toBase   block.Ref
	top                uintptr // next free word offset in fromSpace

	metas    map[block.Ref]*block.Meta
	builtins map[block.BlockType]*block.Meta
	nextMeta block.Ref

	allowAlloc bool

	roots      RootSource
	stackRoots StackRootSource

	stats Stats
	live  []liveRecord

	// liveOffsets records, for the most recent collection, the set of
	// toSpace word offsets at which a live object begins. Collect fills
	// it; WriteHeapProfile builds its histogram from live instead. A
	// Sparse set is the right shape here: most of a large semispace's
	// offsets are never object starts.
	liveOffsets *intsets.Sparse
}

// RootSource supplies every root a collection must trace: the handle
// storage (locals + persistents) and, if one is attached, the
// interpreter stack.
type RootSource interface {
	Each(fn func(get func() block.Ref, set func(block.Ref)))
}

// StackRootSource is implemented by internal/stack.Stack; kept as a
// narrow interface here so internal/heap does not need to depend on
// internal/function (which StackPointerMap resolution requires).
type StackRootSource interface {
	RelocateRoots(forward func(block.Ref) block.Ref)
}

// New creates a Heap with two semispaces of opts.SemispaceWords words
// each. Word 0 of the arena's numbering is never handed out (it is
// block.Null), matching every other package's convention that Ref
// zero never denotes an allocated block.
func New(opts Options, roots RootSource) *Heap {
	if opts.SemispaceWords <= 0 {
		panic("heap: SemispaceWords must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	h := &Heap{
		opts:     opts,
		log:      logger,
		spaceA:   mmapWords(opts.SemispaceWords),
		spaceB:   mmapWords(opts.SemispaceWords),
		metas:    map[block.Ref]*block.Meta{},
		builtins: map[block.BlockType]*block.Meta{},
		nextMeta: block.Ref(1) << 40, // a range that never collides with object refs in any test-scale arena
		roots:    roots,
	}
	h.fromSpace = h.spaceA
	h.toSpace = h.spaceB
	h.fromBase = block.Ref(1)
	h.toBase = block.Ref(1) + block.Ref(opts.SemispaceWords)
	h.top = 0
	return h
}

// Close releases the arena's backing memory.
func (h *Heap) Close() {
	munmapWords(h.spaceA)
	munmapWords(h.spaceB)
}

// RegisterBuiltin installs one of the small set of self-describing
// root Metas — today, BlockTypeStack.
func (h *Heap) RegisterBuiltin(bt block.BlockType, meta *block.Meta) {
	h.builtins[bt] = meta
}

// RegisterClass installs meta in the Meta registry and returns the Ref
// object allocations will use to refer to it. Metas live in a
// host-side registry rather than as heap-resident, relocatable blocks
// themselves — a deliberate simplification: no
// collection invariant requires a Meta block itself to be copied, and
// the meta-word tag-decoding behavior is already covered standalone in
// block_test.go.
func (h *Heap) RegisterClass(meta *block.Meta) block.Ref {
	ref := h.nextMeta
	h.nextMeta++
	meta.Self = ref
	h.metas[ref] = meta
	return ref
}

// AllowAllocationScope runs fn with allocation enabled, restoring the
// previous gate state on return (including via panic). Every
// Allocate/AllocateUninitialized call outside such a scope is a fatal
// invariant violation: it means a caller reached the allocator without
// having first recorded a safepoint.
func (h *Heap) AllowAllocationScope(fn func()) {
	prev := h.allowAlloc
	h.allowAlloc = true
	defer func() { h.allowAlloc = prev }()
	fn()
}

// Allocate allocates and zero-fills a new instance of meta's class,
// with the given element-region length (0 for classes with no
// variable-length tail).
func (h *Heap) Allocate(meta *block.Meta, length uintptr) (block.Ref, error) {
	return h.allocate(meta, length, true)
}

// AllocateUninitialized is identical to Allocate except the fixed
// region beyond the meta-word and length field is not cleared. In this
// heap the words above the bump pointer are always already zero (fresh
// arena pages, or a semispace Collect cleared before copying into it),
// so the skipped clearing is never observable. Callers must overwrite every
// field before it can be observed — used for the rare allocation
// whose caller immediately stores into every slot.
func (h *Heap) AllocateUninitialized(meta *block.Meta, length uintptr) (block.Ref, error) {
	return h.allocate(meta, length, false)
}

func (h *Heap) allocate(meta *block.Meta, length uintptr, zero bool) (block.Ref, error) {
	if !h.allowAlloc {
		panic("heap: allocation attempted outside an AllowAllocationScope")
	}
	size := block.SizeOf(meta, length)
	if h.top+size > uintptr(len(h.fromSpace)) {
		h.Collect()
		if h.top+size > uintptr(len(h.fromSpace)) {
			return block.Null, xerrors.Errorf("heap: out of memory allocating %d words: %w", size, ErrOutOfMemory)
		}
	}

	ref := h.fromBase + block.Ref(h.top)
	base := h.top
	if zero {
		for i := uintptr(0); i < size; i++ {
			h.fromSpace[base+i] = 0
		}
	}
	h.fromSpace[base] = block.EncodeMetaRef(meta.Self)
	if meta.HasElements {
		h.fromSpace[base+meta.LengthOffset] = uintptr(length)
	}
	h.top += size
	h.stats.BytesAllocated += uint64(size) * wordSize
	return ref, nil
}

// ErrOutOfMemory is wrapped into the error Allocate/AllocateUninitialized
// return once a collection has run and space still cannot be found.
var ErrOutOfMemory = xerrors.New("heap: out of memory")

func (h *Heap) wordIndex(ref block.Ref) uintptr { return uintptr(ref - h.fromBase) }

// Word implements visit.Memory.
func (h *Heap) Word(ref block.Ref, wordOffset uintptr) uintptr {
	return h.fromSpace[h.wordIndex(ref)+wordOffset]
}

// SetWord implements visit.Memory.
func (h *Heap) SetWord(ref block.Ref, wordOffset uintptr, v uintptr) {
	h.fromSpace[h.wordIndex(ref)+wordOffset] = v
}

// MetaFor implements visit.Memory, resolving a block's Meta by
// decoding its meta-word's tag.
func (h *Heap) MetaFor(ref block.Ref) *block.Meta {
	return h.metaForRaw(h.Word(ref, 0))
}

func (h *Heap) metaForRaw(raw uintptr) *block.Meta {
	mw := block.DecodeMetaWord(raw)
	switch mw.Kind {
	case block.MetaWordBuiltin:
		return h.builtins[mw.Type]
	case block.MetaWordMeta:
		return h.metas[mw.Meta]
	default:
		return nil
	}
}

// Stats returns a snapshot of cumulative allocator/collector activity.
func (h *Heap) Stats() Stats { return h.stats }
