package visit

import (
	"testing"

	"codeswitch/internal/block"
)

// fakeMemory is a trivial word-addressable arena used only by tests in
// this package, standing in for a real heap.
type fakeMemory struct {
	words []uintptr
	metas map[block.Ref]*block.Meta
}

func newFakeMemory(words []uintptr) *fakeMemory {
	return &fakeMemory{words: words, metas: map[block.Ref]*block.Meta{}}
}

func (m *fakeMemory) Word(ref block.Ref, off uintptr) uintptr {
	return m.words[uintptr(ref)+off]
}

func (m *fakeMemory) SetWord(ref block.Ref, off uintptr, v uintptr) {
	m.words[uintptr(ref)+off] = v
}

func (m *fakeMemory) MetaFor(ref block.Ref) *block.Meta {
	mw := block.DecodeMetaWord(m.words[ref])
	switch mw.Kind {
	case block.MetaWordMeta:
		return m.metas[mw.Meta]
	case block.MetaWordBuiltin:
		return m.metas[block.Ref(mw.Type)]
	default:
		return nil
	}
}

// incrementingVisitor adds 4 to every visited pointer slot, and
// optionally to the meta-word too.
type incrementingVisitor struct {
	BaseVisitor
	incrementMeta bool
	mem           *fakeMemory // written through when incrementMeta is set
}

func (v incrementingVisitor) VisitPointer(s Slot) {
	s.Set(s.Get() + 4)
}

func (v incrementingVisitor) VisitMetaWord(ref block.Ref, mw block.MetaWord) {
	if !v.incrementMeta {
		return
	}
	v.mem.words[ref] += 4
}

// TestEncodedMetaVisitorIdempotence checks that a meta-ignoring
// visitor never perturbs the meta-meta root's self-referential
// meta-word.
func TestEncodedMetaVisitorIdempotence(t *testing.T) {
	mem := newFakeMemory([]uintptr{block.EncodeBuiltin(block.BlockTypeMetaMeta)})
	metaMetaMeta := &block.Meta{BlockType: block.BlockTypeMetaMeta, InstanceSize: 1}
	mem.metas[block.Ref(block.BlockTypeMetaMeta)] = metaMetaMeta

	v := incrementingVisitor{}
	Walk(mem, v, block.Ref(0), nil)

	got := block.DecodeMetaWord(mem.words[0])
	if got.Kind != block.MetaWordBuiltin || got.Type != block.BlockTypeMetaMeta {
		t.Fatalf("meta-meta word mutated: %+v", got)
	}

	// Visiting again must be idempotent.
	Walk(mem, v, block.Ref(0), nil)
	got2 := block.DecodeMetaWord(mem.words[0])
	if got2 != got {
		t.Fatalf("second visit changed meta-meta word: %+v -> %+v", got, got2)
	}
}

// TestRegularMetaIncrement is S2: visiting a block whose single word
// is a meta pointer M with a meta-incrementing visitor leaves M+4 in
// that word.
func TestRegularMetaIncrement(t *testing.T) {
	metaRef := block.Ref(5)
	mem := newFakeMemory([]uintptr{block.EncodeMetaRef(metaRef)})
	mem.metas[metaRef] = &block.Meta{InstanceSize: 1}

	Walk(mem, incrementingVisitor{incrementMeta: true, mem: mem}, block.Ref(0), nil)

	if got, want := mem.words[0], block.EncodeMetaRef(metaRef)+4; got != want {
		t.Fatalf("meta-word after visit = %#x, want M+4 = %#x", got, want)
	}
}

// TestPointerMapScanOfElementedBlock is S3: a Meta with both fixed and
// element pointer maps walks exactly the marked slots.
func TestPointerMapScanOfElementedBlock(t *testing.T) {
	metaRef := block.Ref(0)
	// Fixed region: words 0-5 (meta, length, four more); each element
	// is three words, so two elements fill words 6-11.
	m := block.NewMeta(0, 6, 3, 1)
	m.SetObjectPointerMap(0x34)
	m.SetElementPointerMap(0x5)

	// [M, 2, 0,0,0,0,0,0,0,0,0,0] — meta, length=2, ten words fixed+elements.
	words := []uintptr{
		block.EncodeMetaRef(metaRef), // overwritten below once we know layout
		2,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	mem := newFakeMemory(words)
	mem.metas[metaRef] = m
	// Re-point word 0 at metaRef now that mem exists (metaRef is itself
	// word 0, a self-contained trick only valid in this synthetic test).
	mem.words[0] = block.EncodeMetaRef(metaRef)

	Walk(mem, incrementingVisitor{}, block.Ref(0), nil)

	want := []uintptr{mem.words[0], 2, 4, 0, 4, 4, 4, 0, 4, 4, 0, 4}
	for i, w := range want {
		if mem.words[i] != w {
			t.Fatalf("word %d = %d, want %d (all words: %v)", i, mem.words[i], w, mem.words)
		}
	}
}
