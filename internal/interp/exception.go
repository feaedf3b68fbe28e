package interp

import (
	"codeswitch/internal/block"
	"codeswitch/internal/types"
)

// classOfException resolves the runtime Class of a thrown instance:
// one of Interp's own well-known builtin classes, or whatever the
// Linker's package registry says for a user-allocated instance.
func (in *Interp) classOfException(ref block.Ref) *types.Class {
	meta := in.heap.MetaFor(ref)
	for i, m := range in.builtins.metas {
		if m == meta {
			return in.builtins.classes[i]
		}
	}
	return in.linker.ClassOf(meta)
}

// doThrow implements exception unwinding: walk the
// frame chain outward from the current frame, searching each
// Function's static Handlers table (the protected-range exception
// table, see internal/function.Handler's doc comment) for an entry
// whose range covers the frame's current pc and whose Catch class the
// thrown instance is assignable to. The first match wins: the operand
// stack is reset to just past the frame's locals, the exception Ref is
// pushed, and execution resumes at the handler's pc. Frames with no
// matching handler are left (their arguments reclaimed, exactly as an
// ordinary return would) and the search continues in the caller.
//
// Returns true if a handler was found and execution can continue via
// run's dispatch loop; false if the exception reached the outermost
// frame unhandled, in which case the caller (run) surfaces it to the
// embedder as an exception handle.
func (in *Interp) doThrow(exc block.Ref) bool {
	cls := in.classOfException(exc)

	for {
		for _, h := range in.fn.Handlers {
			if in.pc < h.StartPC || in.pc >= h.EndPC {
				continue
			}
			if h.Catch != nil && (cls == nil || !classAssignable(cls, h.Catch)) {
				continue
			}
			in.stack.ResetOperandStack(in.fn.LocalsSize)
			in.stack.PushRef(exc)
			in.pc = h.HandlerPC
			return true
		}
		if !in.leave() {
			return false
		}
	}
}

func classAssignable(cls *types.Class, catch *types.Class) bool {
	return cls.IsSubclassOf(catch)
}
