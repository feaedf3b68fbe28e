package function

import (
	"fmt"
	"sort"

	"golang.org/x/tools/container/intsets"

	"codeswitch/internal/bytecode"
)

// CalleeResolver answers the questions a call instruction's abstract
// interpretation needs about the function it calls, without the
// function package needing to know about the vm package's Package
// type.
type CalleeResolver interface {
	// ParamCount returns the callee's parameter count.
	ParamCount(globalIndex int64) int
	// ResultIsReference reports whether the callee's single result
	// value is a reference.
	ResultIsReference(globalIndex int64) bool
}

// record is one safepoint's window into the shared bitmap: bits
// [Offset, Offset+Count) describe, in order, the function's live
// locals followed by the live operand-stack slots at that PC.
type record struct {
	pc     int
	offset int
	count  int
}

// Region names a window into a StackPointerMap's bitmap: either the
// fixed parameter region or a per-safepoint locals+stack region.
type Region struct {
	m      *StackPointerMap
	isParm bool
	offset int
	count  int
}

// Count returns the number of slots in the region.
func (r Region) Count() int { return r.count }

// IsReference reports whether slot i (0-based within the region) holds
// a reference.
func (r Region) IsReference(i int) bool {
	if i < 0 || i >= r.count {
		return false
	}
	if r.isParm {
		return r.m.paramBits.Has(i)
	}
	return r.m.shared.Has(r.offset + i)
}

// StackPointerMap answers, for a given Function and a given live PC
// within it, which parameter slots and which locals+stack slots are
// references — the information a stack scan needs to relocate a live
// frame precisely.
type StackPointerMap struct {
	paramBits  *intsets.Sparse
	paramCount int
	shared     *intsets.Sparse
	nextOffset int
	records    []record
}

// GetParametersRegion returns the region describing the function's
// parameter slots (fixed: parameter reference-ness never changes
// across a function's body).
func (m *StackPointerMap) GetParametersRegion() Region {
	return Region{m: m, isParm: true, count: m.paramCount}
}

// GetLocalsRegion returns the region recorded for the safepoint at pc.
// It panics if pc is not an offset this map recorded a safepoint at —
// a stack scan only ever queries a frame's saved caller-pc, which is
// always the pc immediately following the call/alloc instruction that
// pushed it, and those are exactly the offsets this map records.
func (m *StackPointerMap) GetLocalsRegion(pc int) Region {
	i := sort.Search(len(m.records), func(i int) bool { return m.records[i].pc >= pc })
	if i >= len(m.records) || m.records[i].pc != pc {
		panic(fmt.Sprintf("stack pointer map has no safepoint record at pc %d", pc))
	}
	r := m.records[i]
	return Region{m: m, offset: r.offset, count: r.count}
}

// slotState is the abstract value tracked for each live operand-stack
// slot during construction: only whether it is a reference.
type slotState = bool

// frameState is the abstract interpreter's state at one program point:
// which locals have been definitely assigned since function entry
// (storelocal sets the bit; a local's static reference-ness per
// LocalIsRef only matters once it has actually been written — reading a
// not-yet-assigned slot's stale reference-ness would make the collector
// scan garbage as if it were a live object), plus the operand stack's
// shape, expressed as a sequence of slotStates.
type frameState struct {
	assigned []bool
	stack    []slotState
}

func (s frameState) equal(o frameState) bool {
	if len(s.stack) != len(o.stack) || len(s.assigned) != len(o.assigned) {
		return false
	}
	for i := range s.stack {
		if s.stack[i] != o.stack[i] {
			return false
		}
	}
	for i := range s.assigned {
		if s.assigned[i] != o.assigned[i] {
			return false
		}
	}
	return true
}

func (s frameState) clone() frameState {
	return frameState{
		assigned: append([]bool(nil), s.assigned...),
		stack:    append([]slotState(nil), s.stack...),
	}
}

// Build constructs fn's StackPointerMap by abstractly interpreting its
// bytecode: a worklist of (pc, operand-stack shape) states, seeded at
// offset 0 and every recorded block entry, walking straight-line runs
// of instructions until a branch/return/throw ends the run and
// queuing successors. Two paths reaching the same pc must agree on
// stack shape — CodeSwitch bytecode is verified at load time (out of
// scope here) to guarantee this, so a mismatch indicates a malformed
// function and panics rather than silently picking one shape.
func Build(fn *Function, resolver CalleeResolver) *StackPointerMap {
	m := &StackPointerMap{
		paramBits:  &intsets.Sparse{},
		paramCount: len(fn.ParamTypes),
		shared:     &intsets.Sparse{},
	}
	for i, t := range fn.ParamTypes {
		if IsReferenceType(t) {
			m.paramBits.Insert(i)
		}
	}

	localBits := make([]bool, fn.LocalsSize)
	for i := 0; i < fn.LocalsSize; i++ {
		localBits[i] = fn.LocalIsRef(i)
	}

	visited := map[int]frameState{}
	type pending struct {
		pc    int
		state frameState
	}
	entryState := frameState{assigned: make([]bool, fn.LocalsSize)}
	seeds := append([]int{0}, fn.BlockEntries...)
	var queue []pending
	for _, pc := range sortedUniqueInts(seeds) {
		if pc >= 0 && pc < len(fn.Bytecode) {
			queue = append(queue, pending{pc: pc, state: entryState.clone()})
		}
	}

	// emit records a safepoint's live slots: a local only counts as a
	// reference if it is both reference-typed (localBits) and has
	// actually been assigned by this point (state.assigned) — a
	// not-yet-stored local holds whatever garbage the frame's fresh
	// slot started with, not a reference the collector should chase.
	emit := func(pc int, state frameState) {
		offset := m.nextOffset
		for i, ref := range localBits {
			if ref && state.assigned[i] {
				m.shared.Insert(offset + i)
			}
		}
		base := len(localBits)
		for i, ref := range state.stack {
			if ref {
				m.shared.Insert(offset + base + i)
			}
		}
		m.records = append(m.records, record{pc: pc, offset: offset, count: base + len(state.stack)})
		m.nextOffset = offset + base + len(state.stack)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if prev, ok := visited[cur.pc]; ok {
			if !prev.equal(cur.state) {
				panic(fmt.Sprintf("stack pointer map: conflicting stack shapes reaching pc %d", cur.pc))
			}
			continue
		}
		visited[cur.pc] = cur.state

		pc := cur.pc
		state := cur.state.clone()
		for pc < len(fn.Bytecode) {
			ins, next := bytecode.Decode(fn.Bytecode, pc, bytecode.NumOperands)
			stack := state.stack

			// Safepoint records key on the return-address pc (the
			// frame-control header's saved caller-pc, kCallerPcOffsetOffset),
			// and capture the stack shape with the instruction's arguments
			// still present — what's actually live in this frame while the
			// allocation or call is in progress — before any result it
			// will push is modeled.
			switch ins.Op {
			case bytecode.OpPushConstI8, bytecode.OpPushConstI64, bytecode.OpPushConstF64:
				stack = append(stack, false)
			case bytecode.OpAllocObj:
				state.stack = stack
				emit(next, state)
				stack = append(stack, true)
			case bytecode.OpLoadLocal:
				idx := int(ins.Operands[0])
				stack = append(stack, fn.LocalIsRef(idx))
			case bytecode.OpStoreLocal:
				idx := int(ins.Operands[0])
				stack = stack[:len(stack)-1]
				if idx >= 0 && idx < len(state.assigned) {
					state.assigned[idx] = true
				}
			case bytecode.OpLoadField:
				stack = stack[:len(stack)-1]
				stack = append(stack, true) // conservative: fields treated as references
			case bytecode.OpStoreField:
				stack = stack[:len(stack)-2]
			case bytecode.OpStringCmp:
				stack = stack[:len(stack)-2]
				state.stack = stack
				emit(next, state)
				stack = append(stack, false)
			case bytecode.OpNumToString:
				stack = stack[:len(stack)-1]
				state.stack = stack
				emit(next, state)
				stack = append(stack, true)
			case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
				bytecode.OpShl, bytecode.OpShrSigned, bytecode.OpShrUnsigned,
				bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor,
				bytecode.OpCmpEq, bytecode.OpCmpLt, bytecode.OpCmpLe:
				stack = stack[:len(stack)-2]
				stack = append(stack, false)
			case bytecode.OpNeg, bytecode.OpNot, bytecode.OpTruncate, bytecode.OpSignExtend, bytecode.OpConvert:
				stack = stack[:len(stack)-1]
				stack = append(stack, false)
			case bytecode.OpBranch:
				target := int(ins.Operands[0])
				state.stack = stack
				queue = append(queue, pending{pc: target, state: state.clone()})
				pc = -1 // no fallthrough
			case bytecode.OpBranchIfFalse:
				stack = stack[:len(stack)-1]
				target := int(ins.Operands[0])
				state.stack = stack
				queue = append(queue, pending{pc: target, state: state.clone()})
				queue = append(queue, pending{pc: next, state: state.clone()})
				pc = -1
			case bytecode.OpCallG:
				globalIdx := ins.Operands[0]
				n := resolver.ParamCount(globalIdx)
				state.stack = stack
				emit(next, state)
				stack = stack[:len(stack)-n]
				stack = append(stack, resolver.ResultIsReference(globalIdx))
			case bytecode.OpReturn:
				pc = -1
			case bytecode.OpThrow:
				pc = -1
			case bytecode.OpSafepoint:
				state.stack = stack
				emit(next, state)
			case bytecode.OpEnter, bytecode.OpLeave:
				// No stack effect modeled; these are boundary markers
				// rather than part of a callee's own straight-line code.
			default:
				panic(fmt.Sprintf("stack pointer map: unhandled opcode %v", ins.Op))
			}

			state.stack = stack
			if pc == -1 {
				break
			}
			pc = next
		}
	}

	sort.Slice(m.records, func(i, j int) bool { return m.records[i].pc < m.records[j].pc })
	return m
}
