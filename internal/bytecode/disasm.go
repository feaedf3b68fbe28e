package bytecode

import "fmt"

var opcodeNames = map[Opcode]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod",
	OpShl: "shl", OpShrSigned: "shrs", OpShrUnsigned: "shru",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpNeg: "neg", OpNot: "not",
	OpCmpEq: "cmpeq", OpCmpLt: "cmplt", OpCmpLe: "cmple",
	OpTruncate: "truncate", OpSignExtend: "signextend", OpConvert: "convert",
	OpPushConstI8: "pushconsti8", OpPushConstI64: "pushconsti64", OpPushConstF64: "pushconstf64",
	OpLoadLocal: "loadlocal", OpStoreLocal: "storelocal",
	OpAllocObj: "allocobj", OpLoadField: "loadfield", OpStoreField: "storefield",
	OpStringCmp: "strcmp", OpNumToString: "numtostring",
	OpBranch: "branch", OpBranchIfFalse: "branchiffalse", OpCallG: "callg",
	OpReturn: "return", OpThrow: "throw",
	OpEnter: "enter", OpLeave: "leave", OpSafepoint: "safepoint",
}

// String returns op's mnemonic, or a numeric placeholder for an
// opcode this package doesn't define (a caller-extended opcode space).
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

// Disassemble decodes buf from offset 0 to the end, returning one
// textual line per instruction in the form "<pc>: <mnemonic> <operands>".
// Decoding stops early, with a trailing "; truncated" line, if Decode
// would run past the end of buf — the caller handed this a malformed
// or partial stream.
func Disassemble(buf []byte, numOperands func(Opcode) int) []string {
	var lines []string
	pc := 0
	for pc < len(buf) {
		ins, next, ok := decodeSafe(buf, pc, numOperands)
		if !ok {
			lines = append(lines, fmt.Sprintf("%04d: ; truncated", pc))
			break
		}
		line := fmt.Sprintf("%04d: %s", pc, ins.Op)
		for _, operand := range ins.Operands {
			line += fmt.Sprintf(" %d", operand)
		}
		lines = append(lines, line)
		pc = next
	}
	return lines
}

// decodeSafe wraps Decode with a bounds check Decode itself doesn't
// make, so Disassemble can report a truncated stream instead of
// panicking on tool input that didn't come from this module's own
// Assembler.
func decodeSafe(buf []byte, pc int, numOperands func(Opcode) int) (ins Instruction, next int, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	ins, next = Decode(buf, pc, numOperands)
	return ins, next, true
}
