package interp

import (
	"log"
	"math"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"codeswitch/internal/block"
	"codeswitch/internal/bytecode"
	"codeswitch/internal/function"
	"codeswitch/internal/handle"
	"codeswitch/internal/heap"
	"codeswitch/internal/stack"
	"codeswitch/internal/types"
)

// Interp is a single-threaded bytecode interpreter driving one VM's
// Heap, Stack and HandleStorage. It is not safe for concurrent use,
// matching the VM's single-threaded execution model.
type Interp struct {
	heap    *heap.Heap
	stack   *stack.Stack
	storage *handle.Storage
	linker  Linker
	log     *log.Logger

	builtins *builtins
	strings  map[block.Ref]string

	fn *function.Function
	pc int

	// pendingExc is set by throwBuiltin when doThrow finds no handler
	// anywhere up the frame chain (in.fn goes nil as a side effect of
	// unwinding past the outermost frame): run's dispatch loop checks it
	// on the next iteration so the exception reaches the embedder as a
	// Result instead of being dropped in favor of the generic
	// no-active-frame error.
	pendingExc block.Ref
}

// New constructs an Interp bound to one VM's components. Callers
// (internal/vm) own the Heap/Stack/HandleStorage lifetime; Interp only
// drives them.
func New(h *heap.Heap, s *stack.Stack, storage *handle.Storage, linker Linker, logger *log.Logger) *Interp {
	if logger == nil {
		logger = log.Default()
	}
	in := &Interp{heap: h, stack: s, storage: storage, linker: linker, log: logger, strings: map[block.Ref]string{}}
	in.builtins = newBuiltins(h.RegisterClass)
	return in
}

// BuiltinClass exposes one of the interpreter's well-known exception
// classes, so a loaded package's Function.Handlers can name one as a
// Catch target.
func (in *Interp) BuiltinClass(id BuiltinId) *types.Class { return in.builtins.class(id) }

// Result is the outcome of a top-level Call: either a return value or
// an unhandled exception, never both.
type Result struct {
	Value     int64
	Exception block.Ref
}

// Call invokes fn with args pushed as raw words (a block.Ref argument
// is its bit pattern), synchronously, returning its result or an
// unhandled exception that reached the outermost frame.
//
// The entire call runs inside one AllowAllocationScope and one
// HandleScope: every allocation anywhere in the call chain is
// permitted, and every local handle taken anywhere in the chain (by
// this interpreter or builtin routines) is reclaimed when the call
// returns.
func (in *Interp) Call(fnRef block.Ref, fn *function.Function, args []int64) (res Result, err error) {
	sc := handle.OpenScope(in.storage)
	defer sc.Close()

	in.heap.AllowAllocationScope(func() {
		for _, a := range args {
			in.stack.PushWord(uintptr(a))
		}
		in.enter(fnRef, fn, stack.OutermostCallerPC)
		res, err = in.run()
	})
	return res, err
}

// resolveFrame implements stack.PointerMapResolver.
func (in *Interp) resolveFrame(ref block.Ref) *function.StackPointerMap {
	fn := in.linker.Function(ref)
	return in.linker.PointerMapFor(fn)
}

// enter pushes a frame-control header for callee and switches the
// interpreter's current fn/pc to it. Arguments are expected to
// already sit on top of the operand stack, immediately below where
// the new header will go.
func (in *Interp) enter(calleeRef block.Ref, callee *function.Function, callerPC int) {
	in.stack.EnterFrame(calleeRef, callerPC, callee.LocalsSize)
	in.fn = callee
	in.pc = 0
}

// leave pops the innermost frame, reclaims its arguments, and switches
// back to the caller. It returns false if the frame left was
// outermost (nothing to resume).
func (in *Interp) leave() (ok bool) {
	left := in.fn
	callerFP, callerPC := in.stack.LeaveFrame()
	in.stack.DropWords(len(left.ParamTypes))
	if callerFP.IsNull() {
		in.fn = nil
		return false
	}
	in.fn = in.linker.Function(in.stack.FunctionRef())
	in.pc = callerPC
	return true
}

// safepoint records the interpreter's current live pc before an
// operation that may allocate or call, so a collection triggered
// anywhere below this point in the call chain can scan this frame
// precisely via the StackPointerMap recorded at pc.
func (in *Interp) safepoint(pc int) {
	in.stack.SetScanContext(pc, in.resolveFrame)
}

// run dispatches bytecode from the current fn/pc until the outermost
// frame returns or an exception escapes unhandled.
func (in *Interp) run() (Result, error) {
	for {
		if in.fn == nil {
			if !in.pendingExc.IsNull() {
				exc := in.pendingExc
				in.pendingExc = block.Null
				return Result{Exception: exc}, nil
			}
			return Result{}, xerrors.New("interp: run with no active frame")
		}
		ins, next := bytecode.Decode(in.fn.Bytecode, in.pc, bytecode.NumOperands)

		switch ins.Op {
		case bytecode.OpPushConstI8, bytecode.OpPushConstI64, bytecode.OpPushConstF64:
			in.stack.PushWord(uintptr(ins.Operands[0]))
			in.pc = next

		case bytecode.OpLoadLocal:
			addr := in.stack.LocalAddr(int(ins.Operands[0]))
			in.stack.PushWord(in.stack.Word(addr, 0))
			in.pc = next

		case bytecode.OpStoreLocal:
			v := in.stack.PopWord()
			addr := in.stack.LocalAddr(int(ins.Operands[0]))
			in.stack.SetWord(addr, 0, v)
			in.pc = next

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpShl, bytecode.OpShrSigned, bytecode.OpShrUnsigned,
			bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor,
			bytecode.OpCmpEq, bytecode.OpCmpLt, bytecode.OpCmpLe:
			if !in.binaryOp(ins.Op) {
				continue // exception raised; pc already redirected to a handler
			}
			in.pc = next

		case bytecode.OpNeg, bytecode.OpNot, bytecode.OpTruncate, bytecode.OpSignExtend, bytecode.OpConvert:
			in.unaryOp(ins)
			in.pc = next

		case bytecode.OpAllocObj:
			if !in.allocObj(ins.Operands[0], next) {
				continue
			}
			in.pc = next

		case bytecode.OpLoadField:
			if !in.loadField(int(ins.Operands[0])) {
				continue
			}
			in.pc = next

		case bytecode.OpStoreField:
			if !in.storeField(int(ins.Operands[0])) {
				continue
			}
			in.pc = next

		case bytecode.OpStringCmp:
			in.safepoint(next)
			b := in.stack.PopRef()
			a := in.stack.PopRef()
			in.stack.PushInt(int64(strings.Compare(in.strings[a], in.strings[b])))
			in.pc = next

		case bytecode.OpNumToString:
			if !in.numToString(next) {
				continue
			}
			in.pc = next

		case bytecode.OpBranch:
			in.pc = int(ins.Operands[0])

		case bytecode.OpBranchIfFalse:
			cond := in.stack.PopWord()
			if cond == 0 {
				in.pc = int(ins.Operands[0])
			} else {
				in.pc = next
			}

		case bytecode.OpCallG:
			calleeRef, callee := in.linker.ResolveCallee(in.fn, ins.Operands[0])
			in.enter(calleeRef, callee, next)

		case bytecode.OpReturn:
			var result int64
			hasResult := in.fn.ResultType != nil && in.fn.ResultType.Kind != types.KindUnit
			if hasResult {
				result = int64(in.stack.PopWord())
			}
			if !in.leave() {
				return Result{Value: result}, nil
			}
			if hasResult {
				in.stack.PushWord(uintptr(result))
			}

		case bytecode.OpThrow:
			exc := in.stack.PopRef()
			if !in.doThrow(exc) {
				return Result{Exception: exc}, nil
			}

		case bytecode.OpSafepoint:
			in.safepoint(next)
			in.pc = next

		case bytecode.OpEnter, bytecode.OpLeave:
			in.pc = next

		default:
			return Result{}, xerrors.Errorf("interp: unhandled opcode %v", ins.Op)
		}
	}
}

// unaryOp executes a single-operand arithmetic/conversion instruction.
func (in *Interp) unaryOp(ins bytecode.Instruction) {
	switch ins.Op {
	case bytecode.OpNeg:
		in.stack.PushInt(-in.stack.PopInt())
	case bytecode.OpNot:
		in.stack.PushWord(^in.stack.PopWord())
	case bytecode.OpTruncate:
		width := ins.Operands[0]
		v := uint64(in.stack.PopWord())
		if width < 64 {
			v &= (uint64(1) << uint(width)) - 1
		}
		in.stack.PushWord(uintptr(v))
	case bytecode.OpSignExtend:
		width := uint(ins.Operands[0])
		v := in.stack.PopWord()
		shift := 64 - width
		in.stack.PushWord(uintptr(int64(uint64(v)<<shift) >> shift))
	case bytecode.OpConvert:
		switch ins.Operands[0] {
		case ConvertIntToFloat:
			f := float64(in.stack.PopInt())
			in.stack.PushWord(uintptr(math.Float64bits(f)))
		case ConvertFloatToInt:
			f := math.Float64frombits(uint64(in.stack.PopWord()))
			in.stack.PushInt(int64(f))
		}
	}
}

// ConvertIntToFloat and ConvertFloatToInt are the two numeric-kind
// conversions OpConvert's operand selects between.
const (
	ConvertIntToFloat = iota
	ConvertFloatToInt
)

// binaryOp executes a two-operand arithmetic/logical/comparison
// instruction. It returns false if the operation raised an exception
// (division by zero, or MinInt64/-1) that was redirected to a handler
// rather than completing normally.
func (in *Interp) binaryOp(op bytecode.Opcode) bool {
	switch op {
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor,
		bytecode.OpCmpEq, bytecode.OpCmpLt, bytecode.OpCmpLe,
		bytecode.OpShl, bytecode.OpShrSigned, bytecode.OpShrUnsigned:
		b := in.stack.PopInt()
		a := in.stack.PopInt()
		in.stack.PushWord(uintptr(intBinary(op, a, b)))
		return true
	case bytecode.OpDiv, bytecode.OpMod:
		b := in.stack.PopInt()
		a := in.stack.PopInt()
		if b == 0 || (a == math.MinInt64 && b == -1) {
			return in.throwBuiltin(BuiltinArithmeticException, "division overflow or by zero")
		}
		if op == bytecode.OpDiv {
			in.stack.PushInt(a / b)
		} else {
			in.stack.PushInt(a % b)
		}
		return true
	}
	return true
}

func intBinary(op bytecode.Opcode, a, b int64) int64 {
	switch op {
	case bytecode.OpAdd:
		return a + b
	case bytecode.OpSub:
		return a - b
	case bytecode.OpMul:
		return a * b
	case bytecode.OpAnd:
		return a & b
	case bytecode.OpOr:
		return a | b
	case bytecode.OpXor:
		return a ^ b
	case bytecode.OpShl:
		return a << uint(b&63)
	case bytecode.OpShrSigned:
		return a >> uint(b&63)
	case bytecode.OpShrUnsigned:
		return int64(uint64(a) >> uint(b&63))
	case bytecode.OpCmpEq:
		return boolToInt(a == b)
	case bytecode.OpCmpLt:
		return boolToInt(a < b)
	case bytecode.OpCmpLe:
		return boolToInt(a <= b)
	}
	panic("interp: unreachable intBinary opcode")
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// allocObj executes OpAllocObj: resolve the class named by the
// function's type table at index classIdx, allocate an instance, and
// push its Ref. resumePC is the pc the collector's StackPointerMap
// should scan this frame at if the allocation triggers a collection.
func (in *Interp) allocObj(classIdx int64, resumePC int) bool {
	t := in.fn.TypeTable[classIdx]
	meta := in.linker.MetaForClass(t.Class)
	in.safepoint(resumePC)
	ref, err := in.heap.Allocate(meta, 0)
	if err != nil {
		return in.throwOOM(err)
	}
	in.stack.PushRef(ref)
	return true
}

// numToString executes OpNumToString: pop an integer, format it as
// decimal text, box the text in a boxed String instance (the content
// itself lives in Interp.strings, keyed by the instance's Ref — see
// builtins.stringMeta's doc comment), and push the Ref.
func (in *Interp) numToString(resumePC int) bool {
	v := in.stack.PopInt()
	in.safepoint(resumePC)
	ref, err := in.heap.Allocate(in.builtins.stringMeta, 0)
	if err != nil {
		return in.throwOOM(err)
	}
	in.strings[ref] = strconv.FormatInt(v, 10)
	in.stack.PushRef(ref)
	return true
}

func (in *Interp) loadField(idx int) bool {
	recv := in.stack.PopRef()
	if recv.IsNull() {
		return in.throwBuiltin(BuiltinNullReferenceException, "field load on null reference")
	}
	in.stack.PushWord(in.heap.Word(recv, 1+uintptr(idx)))
	return true
}

func (in *Interp) storeField(idx int) bool {
	v := in.stack.PopWord()
	recv := in.stack.PopRef()
	if recv.IsNull() {
		return in.throwBuiltin(BuiltinNullReferenceException, "field store on null reference")
	}
	in.heap.SetWord(recv, 1+uintptr(idx), v)
	return true
}

// throwBuiltin allocates a fresh instance of one of the interpreter's
// well-known exception classes and enters the unwind path
// (doThrow). Returns false always, so callers can write
// `return in.throwBuiltin(...)` from a bool-returning op handler: run's
// dispatch loop must not advance pc normally either way, since doThrow
// has already redirected it to a handler, or left in.fn nil for run to
// notice via pendingExc on its next iteration.
func (in *Interp) throwBuiltin(id BuiltinId, message string) bool {
	meta := in.builtins.meta(id)
	ref, err := in.heap.Allocate(meta, 0)
	if err != nil {
		// Allocating the exception itself failed: out of memory takes
		// priority, so an OutOfMemory exception is thrown instead.
		id = BuiltinOutOfMemory
		meta = in.builtins.meta(id)
		ref, err = in.heap.AllocateUninitialized(meta, 0)
		if err != nil {
			panic("interp: cannot allocate even the OutOfMemory exception")
		}
	}
	in.strings[ref] = message
	if !in.doThrow(ref) {
		in.pendingExc = ref
	}
	return false
}

func (in *Interp) throwOOM(cause error) bool {
	in.log.Printf("interp: allocation failed: %v", cause)
	return in.throwBuiltin(BuiltinOutOfMemory, cause.Error())
}
