// Package visit implements the generic block-traversal driver used by
// every consumer that needs to find the managed references inside a
// block: the collector's mark and fix-up phases, debug reference
// counters, and anything else that walks the heap.
//
// The design follows a producer/consumer split: a Visitor is handed
// one slot at a time and decides what to do with it (mark it, relocate
// it, count it) without knowing how the slot was found. Walk is the
// thing that knows how to find slots, driven entirely off a block's
// Meta.
package visit

import "codeswitch/internal/block"

// Memory is the minimal read/write surface Walk needs from whatever
// heap a block lives in.
type Memory interface {
	// Word reads word wordOffset (0 is the meta-word) of the block at ref.
	Word(ref block.Ref, wordOffset uintptr) uintptr
	// SetWord writes word wordOffset of the block at ref.
	SetWord(ref block.Ref, wordOffset uintptr, v uintptr)
	// MetaFor resolves a block's Meta, following the meta-word's tag
	// (a direct Meta Ref, or decoding a built-in BlockType to its
	// well-known Meta).
	MetaFor(ref block.Ref) *block.Meta
}

// Slot names one reference-sized word of a block: the word at ref+offset.
// Visitors read and overwrite it through Get/Set without needing to
// know whether that word is part of the fixed region, an element, or
// (for VisitMetaWord) the meta-word itself.
type Slot struct {
	Mem    Memory
	Ref    block.Ref
	Offset uintptr
}

// Get returns the slot's current value, interpreted as a Ref.
func (s Slot) Get() block.Ref { return block.Ref(s.Mem.Word(s.Ref, s.Offset)) }

// Set overwrites the slot's value.
func (s Slot) Set(v block.Ref) { s.Mem.SetWord(s.Ref, s.Offset, uintptr(v)) }

// Visitor is supplied by callers of Walk. VisitPointer is mandatory;
// VisitMetaWord defaults to a no-op via BaseVisitor so most visitors
// only need to implement the one method they care about.
type Visitor interface {
	VisitPointer(slot Slot)
	VisitMetaWord(ref block.Ref, mw block.MetaWord)
}

// BaseVisitor supplies a no-op VisitMetaWord. Embed it in concrete
// visitors that don't need to look at the meta-word.
type BaseVisitor struct{}

func (BaseVisitor) VisitMetaWord(block.Ref, block.MetaWord) {}

// StackScanner is invoked by Walk in place of the ordinary
// pointer-map-driven traversal whenever it reaches a block whose Meta
// sets NeedsRelocation — today, exactly the interpreter Stack, whose
// slot layout is described per-frame by a StackPointerMap rather than
// by a single static bitmap.
type StackScanner func(mem Memory, v Visitor, ref block.Ref)

// Walk visits block ref: the meta-word, then every reference slot the
// block's Meta identifies (fixed-region slots via ObjectPointerMap,
// then, if HasElementPointers, every element's slots via
// ElementPointerMap). If the block's Meta sets NeedsRelocation, scan
// delegates to stackScanner instead of the bitmap-driven walk.
func Walk(mem Memory, v Visitor, ref block.Ref, stackScanner StackScanner) {
	raw := mem.Word(ref, 0)
	mw := block.DecodeMetaWord(raw)
	v.VisitMetaWord(ref, mw)

	meta := mem.MetaFor(ref)
	if meta == nil {
		return
	}

	if meta.NeedsRelocation {
		if stackScanner == nil {
			panic("visit: block requires relocation scanning but no StackScanner was supplied")
		}
		stackScanner(mem, v, ref)
		return
	}

	if meta.HasPointers {
		walkBitmap(mem, v, ref, 0, meta.ObjectPointerMap)
	}

	if meta.HasElementPointers {
		length := uintptr(0)
		if meta.HasElements {
			length = uintptr(mem.Word(ref, meta.LengthOffset))
		}
		elemBase := meta.InstanceSize
		for i := uintptr(0); i < length; i++ {
			walkBitmap(mem, v, ref, elemBase+i*meta.ElementSize, meta.ElementPointerMap)
		}
	}
}

// walkBitmap calls v.VisitPointer for every bit set in bitmap,
// treating bit i as word base+i of the block at ref.
func walkBitmap(mem Memory, v Visitor, ref block.Ref, base uintptr, bitmap uint64) {
	for i := uintptr(0); bitmap != 0; i++ {
		if bitmap&1 != 0 {
			v.VisitPointer(Slot{Mem: mem, Ref: ref, Offset: base + i})
		}
		bitmap >>= 1
	}
}
