package interp

import (
	"codeswitch/internal/block"
	"codeswitch/internal/types"
)

// BuiltinId names one of the interpreter's own well-known runtime
// conditions, each backed by a well-known managed exception class.
// This is restricted to the runtime-error builtins: CodeSwitch
// bytecode has no opcode that invokes a non-error builtin routine like
// string concatenation or I/O directly, so that half of the dispatch
// table has no caller in this module and is not implemented.
type BuiltinId int

const (
	BuiltinArithmeticException BuiltinId = iota
	BuiltinNullReferenceException
	BuiltinOutOfMemory
)

// classArithmeticException, classNullReferenceException and
// classOutOfMemory give the three well-known exception
// classes their own BlockType tags, registered as ordinary (non-root)
// Metas — unlike block.BlockTypeStack, an exception instance's
// meta-word is an ordinary Meta Ref, not a self-describing tag.
const (
	classArithmeticException = iota + 0x20
	classNullReferenceException
	classOutOfMemory
)

// builtins holds the three well-known exception classes' runtime
// Type/Class/Meta triples, constructed once per Interp since object
// layout (even for built-in exceptions) is a loader concern this
// module leaves unspecified beyond the mechanism. Each exception carries
// a single extra field: a message string Ref. stringMeta is the
// single-field layout OpNumToString boxes its result into; the actual
// character data is tracked out-of-band (Interp.strings) rather than
// as heap element words, since a real string layout is likewise a
// loader concern out of scope here.
type builtins struct {
	classes    [3]*types.Class
	metas      [3]*block.Meta
	stringCls  *types.Class
	stringMeta *block.Meta
}

const classString = classOutOfMemory + 1

func newBuiltins(registerClass func(*block.Meta) block.Ref) *builtins {
	b := &builtins{}
	names := [3]string{"ArithmeticException", "NullReferenceException", "OutOfMemoryError"}
	for i, name := range names {
		c := types.NewClass(name, nil)
		m := block.NewMeta(block.BlockType(classArithmeticException+i), 2, 0, 0)
		m.SetObjectPointerMap(1 << 1) // word 1: message string Ref
		registerClass(m)
		b.classes[i] = c
		b.metas[i] = m
	}
	b.stringCls = types.NewClass("String", nil)
	b.stringMeta = block.NewMeta(block.BlockType(classString), 1, 0, 0)
	registerClass(b.stringMeta)
	return b
}

func (b *builtins) class(id BuiltinId) *types.Class { return b.classes[id] }
func (b *builtins) meta(id BuiltinId) *block.Meta    { return b.metas[id] }
