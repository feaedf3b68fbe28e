package heap

import (
	"golang.org/x/tools/container/intsets"

	"codeswitch/internal/block"
	"codeswitch/internal/visit"
)

// AttachStack registers s as an additional root source scanned by
// every collection, alongside the handle storage passed to New.
func (h *Heap) AttachStack(s StackRootSource) { h.stackRoots = s }

// Collect runs one stop-the-world copying collection: trace every
// root (handle storage, then the interpreter stack if attached) into
// the currently idle semispace, breadth-first scan the copied objects
// to copy what they in turn reference, then swap semispaces.
//
// The scan phase reuses internal/visit.Walk against a Memory view of
// the destination semispace — the same traversal the collector's
// fix-up phase and every other block-walking consumer share, so
// "trace a block's reference slots" is implemented exactly once.
func (h *Heap) Collect() {
	for i := range h.toSpace {
		h.toSpace[i] = 0
	}
	toTop := uintptr(0)
	toBase := h.toBase

	forward := func(ref block.Ref) block.Ref {
		return h.forwardInto(ref, &toTop, toBase)
	}

	h.roots.Each(func(get func() block.Ref, set func(block.Ref)) {
		old := get()
		if !old.IsNull() {
			set(forward(old))
		}
	})
	if h.stackRoots != nil {
		h.stackRoots.RelocateRoots(forward)
	}

	toView := heapView{h: h, space: h.toSpace, base: toBase}
	relocator := relocatingVisitor{forward: forward}
	h.live = h.live[:0]
	if h.liveOffsets == nil {
		h.liveOffsets = &intsets.Sparse{}
	}
	h.liveOffsets.Clear()

	scanPtr := uintptr(0)
	for scanPtr < toTop {
		ref := toBase + block.Ref(scanPtr)
		meta := h.metaForRaw(h.toSpace[scanPtr])
		if meta == nil {
			panic("heap: scan encountered a block with no registered Meta")
		}

		length := uintptr(0)
		if meta.HasElements {
			length = h.toSpace[scanPtr+meta.LengthOffset]
		}
		h.liveOffsets.Insert(int(scanPtr))
		h.live = append(h.live, liveRecord{ref: ref, meta: meta, length: length})

		visit.Walk(toView, relocator, ref, nil)

		scanPtr += block.SizeOf(meta, length)
	}

	h.fromSpace, h.toSpace = h.toSpace, h.fromSpace
	h.fromBase, h.toBase = h.toBase, h.fromBase
	h.top = toTop

	h.stats.Collections++
	h.stats.LiveWords = toTop
}

// forwardInto copies ref's object (if not already forwarded) to the
// next free word of the destination semispace, installs a forwarding
// pointer at the old location, and returns the new Ref. Safe to call
// more than once for the same ref — a block that has already been
// forwarded is detected via its (now-overwritten) meta-word.
func (h *Heap) forwardInto(ref block.Ref, toTop *uintptr, toBase block.Ref) block.Ref {
	if ref.IsNull() {
		return ref
	}
	idx := h.wordIndex(ref)
	raw := h.fromSpace[idx]
	mw := block.DecodeMetaWord(raw)
	if mw.Kind == block.MetaWordForwarded {
		return mw.Fwd
	}

	meta := h.metaForRaw(raw)
	if meta == nil {
		panic("heap: forwarding a block with no registered Meta")
	}
	length := uintptr(0)
	if meta.HasElements {
		length = h.fromSpace[idx+meta.LengthOffset]
	}
	size := block.SizeOf(meta, length)

	newRef := toBase + block.Ref(*toTop)
	copy(h.toSpace[*toTop:*toTop+size], h.fromSpace[idx:idx+size])
	*toTop += size

	h.fromSpace[idx] = block.EncodeForwarded(newRef)
	return newRef
}

// heapView is a visit.Memory view over one semispace, used so the
// scan phase can drive the ordinary visit.Walk traversal against
// already-copied (toSpace) data.
type heapView struct {
	h     *Heap
	space []uintptr
	base  block.Ref
}

func (v heapView) Word(ref block.Ref, wordOffset uintptr) uintptr {
	return v.space[uintptr(ref-v.base)+wordOffset]
}

func (v heapView) SetWord(ref block.Ref, wordOffset uintptr, val uintptr) {
	v.space[uintptr(ref-v.base)+wordOffset] = val
}

func (v heapView) MetaFor(ref block.Ref) *block.Meta {
	return v.h.metaForRaw(v.Word(ref, 0))
}

// relocatingVisitor rewrites every pointer slot it's shown to the
// forwarded address of whatever it currently holds.
type relocatingVisitor struct {
	visit.BaseVisitor
	forward func(block.Ref) block.Ref
}

func (r relocatingVisitor) VisitPointer(slot visit.Slot) {
	old := slot.Get()
	if !old.IsNull() {
		slot.Set(r.forward(old))
	}
}
