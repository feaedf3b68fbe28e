package stack

import (
	"codeswitch/internal/block"
	"codeswitch/internal/function"
	"codeswitch/internal/visit"
)

// PointerMapResolver resolves the StackPointerMap for the Function a
// frame runs, given that function's Ref. Supplied by whatever owns
// the function registry (internal/vm), so internal/stack does not
// need to depend on it.
type PointerMapResolver func(fn block.Ref) *function.StackPointerMap

// RelocateRoots implements heap.StackRootSource: it forwards every
// live reference the most recent SetScanContext pc describes, writing
// each forwarded Ref back in place. This is how the collector treats
// the stack as a root source without walking it through the generic
// block.Meta/visit.Walk machinery the rest of the heap uses — the
// stack's NeedsRelocation Meta exists for Scan/visit.Walk callers that
// want the general traversal shape, but the collector's root pass
// calls this directly.
func (s *Stack) RelocateRoots(forward func(block.Ref) block.Ref) {
	if s.scanResolve == nil {
		return
	}
	v := forwardingVisitor{forward: forward}
	s.Scan(v, s.scanPC, s.scanResolve)
}

// SetScanContext records the pc and PointerMapResolver the next
// RelocateRoots call should scan with. The owning VM calls this
// whenever the interpreter's live pc changes in a way a collection
// could observe (i.e. at every safepoint).
func (s *Stack) SetScanContext(pc int, resolve PointerMapResolver) {
	s.scanPC = pc
	s.scanResolve = resolve
}

type forwardingVisitor struct {
	visit.BaseVisitor
	forward func(block.Ref) block.Ref
}

func (v forwardingVisitor) VisitPointer(sl visit.Slot) {
	old := sl.Get()
	if !old.IsNull() {
		sl.Set(v.forward(old))
	}
}

// Scan visits every live reference on the stack: walking the frame
// chain from the innermost frame outward, consulting each frame's
// function's StackPointerMap at the pc it was suspended at (the
// callee frame's recorded caller-pc, or innermostPC for the truly
// innermost frame, which is wherever the interpreter's own program
// counter currently sits) to find which parameter and locals/operand
// slots hold references.
//
// Scan does not have the visit.StackScanner signature and nothing in
// this module passes it to visit.Walk; the collector reaches it through
// RelocateRoots.
func (s *Stack) Scan(v visit.Visitor, innermostPC int, resolve PointerMapResolver) {
	pc := innermostPC
	for fp := s.fp; fp != block.Null; {
		fnRef := block.Ref(s.wordAt(fp + FunctionOffset))
		pm := resolve(fnRef)

		params := pm.GetParametersRegion()
		paramBase := fp - block.Ref(params.Count())
		for i := 0; i < params.Count(); i++ {
			if params.IsReference(i) {
				v.VisitPointer(visit.Slot{Mem: s, Ref: paramBase, Offset: uintptr(i)})
			}
		}

		locals := pm.GetLocalsRegion(pc)
		localsBase := fp + FrameControlSize
		for i := 0; i < locals.Count(); i++ {
			if locals.IsReference(i) {
				v.VisitPointer(visit.Slot{Mem: s, Ref: localsBase, Offset: uintptr(i)})
			}
		}

		pc = int(s.wordAt(fp + CallerPCOffset))
		fp = block.Ref(s.wordAt(fp + FpOffset))
	}
}
