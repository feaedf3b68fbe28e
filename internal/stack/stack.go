// Package stack implements the interpreter's call stack: a single
// relocatable block holding every frame, addressed the same way every
// other block is (a base Ref plus word offsets), so the collector can
// move it like any other block instead of needing special-cased
// "pinned" memory.
//
// Frame headers are laid out word-indexed: the header constants below
// are word offsets, not kWordSize-scaled byte offsets:
//
//	word 0: FpOffset         — saved caller fp (block.Null at the
//	                           outermost frame)
//	word 1: FunctionOffset   — the Ref of the Function this frame runs
//	word 2: CallerPCOffset   — the pc, in the *caller*, to resume at
//	                           when this frame returns (the sentinel
//	                           all-ones "~0" pattern at the outermost
//	                           frame)
package stack

import "codeswitch/internal/block"

const (
	FpOffset         = 0
	FunctionOffset   = 1
	CallerPCOffset   = 2
	FrameControlSize = 3
)

// OutermostCallerPC is the sentinel caller-pc recorded in the
// outermost frame's header: there is no caller to resume, so the slot
// holds the all-ones "~0" bit pattern rather than any real pc offset.
// Casting -1 to uintptr (the frame header's storage
// type) produces exactly that pattern, and the round trip back to int
// is lossless on any platform because both types share a width.
const OutermostCallerPC = -1

// Stack is the interpreter's frame stack: one growable word region,
// a stack pointer (next free word) and a frame pointer (the innermost
// frame's header base), all expressed as block.Refs — absolute
// addresses into the stack's own word region — so that relocating the
// block (Relocate) is a matter of shifting those three kinds of
// stored address uniformly.
type Stack struct {
	ref   block.Ref
	words []uintptr
	sp    block.Ref
	fp    block.Ref

	// scanPC/scanResolve are the context RelocateRoots scans with;
	// SetScanContext (scan.go) keeps them current as the interpreter runs.
	scanPC      int
	scanResolve PointerMapResolver
}

// New creates a Stack whose word region begins at ref — the address
// the owning heap has assigned this block — with room for capacityWords
// before the backing slice must grow.
func New(ref block.Ref, capacityWords int) *Stack {
	if ref.IsNull() {
		panic("stack: ref must be non-null")
	}
	return &Stack{
		ref:   ref,
		words: make([]uintptr, 0, capacityWords),
		sp:    ref,
		fp:    block.Null,
	}
}

// Ref returns the stack block's current address.
func (s *Stack) Ref() block.Ref { return s.ref }

// SP returns the current stack pointer: the address one past the last
// live word.
func (s *Stack) SP() block.Ref { return s.sp }

// FP returns the innermost frame's base address, or block.Null if no
// frame has been entered.
func (s *Stack) FP() block.Ref { return s.fp }

func (s *Stack) idx(addr block.Ref) int { return int(addr - s.ref) }

func (s *Stack) wordAt(addr block.Ref) uintptr {
	return s.words[s.idx(addr)]
}

func (s *Stack) setWordAt(addr block.Ref, v uintptr) {
	i := s.idx(addr)
	for i >= len(s.words) {
		s.words = append(s.words, 0)
	}
	s.words[i] = v
}

// Word implements visit.Memory so a Stack can stand in as the Memory
// for tests and tools that scan its contents directly; ref+wordOffset
// is simply an absolute address within (or referring into) the
// stack's own region.
func (s *Stack) Word(ref block.Ref, wordOffset uintptr) uintptr {
	return s.wordAt(ref + block.Ref(wordOffset))
}

// SetWord implements visit.Memory.
func (s *Stack) SetWord(ref block.Ref, wordOffset uintptr, v uintptr) {
	s.setWordAt(ref+block.Ref(wordOffset), v)
}

// MetaFor always returns nil: nothing ever resolves a Meta through a
// Stack directly — NeedsRelocation blocks are scanned by a
// StackScanner supplied to Walk, not by Walk's ordinary bitmap path.
func (s *Stack) MetaFor(block.Ref) *block.Meta { return nil }

// PushWord pushes a raw word and returns the address it was stored at.
func (s *Stack) PushWord(v uintptr) block.Ref {
	addr := s.sp
	s.setWordAt(addr, v)
	s.sp++
	return addr
}

// PopWord pops and returns the top word.
func (s *Stack) PopWord() uintptr {
	s.sp--
	return s.wordAt(s.sp)
}

// PushRef pushes a block.Ref.
func (s *Stack) PushRef(r block.Ref) { s.PushWord(uintptr(r)) }

// PopRef pops a block.Ref.
func (s *Stack) PopRef() block.Ref { return block.Ref(s.PopWord()) }

// PushInt pushes a signed 64-bit integer, bit-reinterpreted into a word.
func (s *Stack) PushInt(v int64) { s.PushWord(uintptr(v)) }

// PopInt pops a signed 64-bit integer.
func (s *Stack) PopInt() int64 { return int64(s.PopWord()) }

// EnterFrame pushes a new frame-control header for a call to fn,
// recording callerPC (the pc in the *current* frame to resume at when
// the new frame returns — OutermostCallerPC if there is no caller),
// then reserves localsCount zeroed words for the callee's locals.
// It returns the new frame's base address (its fp).
func (s *Stack) EnterFrame(fn block.Ref, callerPC int, localsCount int) block.Ref {
	newFP := s.sp
	s.PushWord(uintptr(s.fp))
	s.PushWord(uintptr(fn))
	s.PushWord(uintptr(callerPC))
	s.fp = newFP
	for i := 0; i < localsCount; i++ {
		s.PushWord(0)
	}
	return newFP
}

// LeaveFrame discards the innermost frame's locals and header,
// restoring sp and fp to the caller's, and returns the caller's
// recorded resume pc (OutermostCallerPC if the callee was outermost).
func (s *Stack) LeaveFrame() (callerFP block.Ref, callerPC int) {
	callerFP = block.Ref(s.wordAt(s.fp + FpOffset))
	callerPC = int(s.wordAt(s.fp + CallerPCOffset))
	s.sp = s.fp
	s.fp = callerFP
	return callerFP, callerPC
}

// FunctionRef returns the Ref of the Function the innermost frame runs.
func (s *Stack) FunctionRef() block.Ref {
	return block.Ref(s.wordAt(s.fp + FunctionOffset))
}

// LocalAddr returns the address of slot i in the innermost frame. A
// non-negative i names a local, stored above the frame header (fp+3,
// fp+4, ...). A negative i names one of the caller-pushed argument
// slots sitting just below the header: -1 is the last argument word
// pushed (at fp-1), -2 the one before it, and so on.
func (s *Stack) LocalAddr(i int) block.Ref {
	if i < 0 {
		return s.fp + block.Ref(i)
	}
	return s.fp + FrameControlSize + block.Ref(i)
}

// DropWords discards the top n words without reading them, used by the
// interpreter to reclaim a callee's argument slots once its frame has
// already been left: arguments live in the caller's region, just below
// the callee's own header, so LeaveFrame alone does not reclaim them.
func (s *Stack) DropWords(n int) { s.sp -= block.Ref(n) }

// ResetOperandStack discards every expression-stack slot pushed since
// the innermost frame's locals, restoring sp to just past the last
// local — the shape doThrow requires before placing the caught
// exception on the stack and resuming at a handler's pc.
func (s *Stack) ResetOperandStack(localsCount int) {
	s.sp = s.fp + FrameControlSize + block.Ref(localsCount)
}

// Relocate adjusts every stored address in the stack by delta: the
// stack's own ref, its sp and fp, and the saved-fp chain threaded
// through every frame header currently on the stack. Nothing else
// stored in a frame (locals, operand-stack slots, including the
// object references among them) is touched — those are relocated by
// the ordinary collector trace/relocate pass via Scan, the same as
// any other block's reference slots.
//
// The walk below reads each frame's *old* saved-fp value to find the
// next frame up before overwriting that same word with the adjusted
// value, never holding a stale address across the mutation that
// invalidates it.
func (s *Stack) Relocate(delta int64) {
	d := block.Ref(uintptr(delta))

	// Walk the chain with the *old* ref still in effect, so idx()
	// keeps translating addresses correctly throughout; only once
	// every header is fixed up do we shift ref/sp/fp themselves.
	for fp := s.fp; fp != block.Null; {
		saved := block.Ref(s.wordAt(fp + FpOffset))
		next := saved
		if saved != block.Null {
			s.setWordAt(fp+FpOffset, uintptr(saved+d))
		}
		fp = next
	}

	s.ref += d
	s.sp += d
	s.fp += d
}
