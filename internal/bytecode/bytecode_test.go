package bytecode

import "testing"

func TestVBNRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 63, -64, 64, -65, 100, -100, 12345, -12345, 1 << 40, -(1 << 40)}
	for _, v := range values {
		enc := EncodeVBN(v)
		got, n := DecodeVBN(enc, 0)
		if got != v {
			t.Fatalf("VBN round trip for %d: got %d", v, got)
		}
		if n != len(enc) {
			t.Fatalf("VBN round trip for %d: consumed %d, encoded %d bytes", v, n, len(enc))
		}
	}
}

func TestSmallVBNIsOneByte(t *testing.T) {
	for v := int64(-64); v <= 63; v++ {
		if enc := EncodeVBN(v); len(enc) != 1 {
			t.Fatalf("EncodeVBN(%d) used %d bytes, want 1", v, len(enc))
		}
	}
	if enc := EncodeVBN(64); len(enc) == 1 {
		t.Fatalf("EncodeVBN(64) fit in one byte, expected out of [-64,63] range")
	}
}

func TestAssemblerEmitAndDecode(t *testing.T) {
	var asm Assembler
	off0 := asm.Emit(OpImm(OpPushConstI8, 0))
	off1 := asm.Emit(OpImm(OpAllocObj, 3))
	off2 := asm.Emit(Op(OpReturn))

	if off0 != 0 {
		t.Fatalf("first instruction offset = %d, want 0", off0)
	}
	if off1 <= off0 || off2 <= off1 {
		t.Fatal("instruction offsets must be strictly increasing")
	}

	buf := asm.Bytes()
	ins, next := Decode(buf, off0, NumOperands)
	if ins.Op != OpPushConstI8 || len(ins.Operands) != 1 || ins.Operands[0] != 0 {
		t.Fatalf("decoded first instruction = %+v", ins)
	}
	if next != off1 {
		t.Fatalf("decoded next pc = %d, want %d", next, off1)
	}

	ins2, next2 := Decode(buf, off1, NumOperands)
	if ins2.Op != OpAllocObj || ins2.Operands[0] != 3 {
		t.Fatalf("decoded second instruction = %+v", ins2)
	}
	if next2 != off2 {
		t.Fatalf("decoded next pc = %d, want %d", next2, off2)
	}
}

func TestOpcodeClassification(t *testing.T) {
	if !OpAllocObj.IsSafepoint() || !OpAllocObj.Allocates() {
		t.Fatal("OpAllocObj must be a safepoint that allocates")
	}
	if !OpCallG.IsSafepoint() || !OpCallG.IsCall() {
		t.Fatal("OpCallG must be a safepoint that is a call")
	}
	if OpAdd.IsSafepoint() {
		t.Fatal("OpAdd must not be a safepoint")
	}
}
