// Package interp implements the bytecode interpreter: dispatch, frame
// enter/leave, object allocation, exception unwinding, and the
// safepoint discipline that keeps the heap, stack and handle storage
// coherent across an allocation that may relocate the world.
//
// Exception handlers are recorded in a statically compiled table
// (function.Function.Handlers) rather than a runtime-pushed handler
// stack, since CodeSwitch bytecode carries no push/pop-handler
// instruction (internal/bytecode defines none).
package interp

import (
	"codeswitch/internal/block"
	"codeswitch/internal/function"
	"codeswitch/internal/types"
)

// Linker resolves the cross-package information the interpreter needs
// but that internal/function and internal/stack deliberately don't
// depend on, to avoid an import cycle with whatever owns the function
// and class registries (internal/vm). One VM implements this once.
type Linker interface {
	// Function resolves a frame-header Ref back to the Function it
	// names.
	Function(ref block.Ref) *function.Function
	// PointerMapFor returns (building and caching, if needed) fn's
	// StackPointerMap.
	PointerMapFor(fn *function.Function) *function.StackPointerMap
	// ResolveCallee resolves an OpCallG operand (a package-local global
	// function index, relative to caller's owning package) to the
	// callee's Ref and Function.
	ResolveCallee(caller *function.Function, globalIndex int64) (block.Ref, *function.Function)
	// MetaForClass returns the block.Meta describing instances of c.
	MetaForClass(c *types.Class) *block.Meta
	// ClassOf returns the runtime Class a loaded instance's Meta
	// describes, for doThrow's handler-matching lookup, or nil if meta
	// does not belong to any loaded package (e.g. an interpreter
	// builtin exception, which Interp resolves itself).
	ClassOf(meta *block.Meta) *types.Class
}
