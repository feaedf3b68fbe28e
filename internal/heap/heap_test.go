package heap_test

import (
	"bytes"
	"testing"

	"codeswitch/internal/block"
	"codeswitch/internal/handle"
	"codeswitch/internal/heap"
)

// pairMeta describes a two-word object holding a single reference
// field at word 1 (word 0 is the meta-word).
func pairMeta(bt block.BlockType) *block.Meta {
	m := block.NewMeta(bt, 2, 0, 0)
	m.SetObjectPointerMap(1 << 1)
	return m
}

func newTestHeap(t *testing.T, semispaceWords int) (*heap.Heap, *handle.Storage) {
	t.Helper()
	storage := handle.NewStorage()
	h := heap.New(heap.Options{SemispaceWords: semispaceWords}, storage)
	t.Cleanup(h.Close)
	return h, storage
}

func TestAllocateWritesMetaWord(t *testing.T) {
	h, _ := newTestHeap(t, 64)
	m := pairMeta(10)
	h.RegisterClass(m)

	var ref block.Ref
	var err error
	h.AllowAllocationScope(func() {
		ref, err = h.Allocate(m, 0)
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ref.IsNull() {
		t.Fatal("Allocate returned Null")
	}
	got := h.MetaFor(ref)
	if got != m {
		t.Fatalf("MetaFor = %v, want %v", got, m)
	}
	if h.Word(ref, 1) != 0 {
		t.Fatalf("field not zeroed: %d", h.Word(ref, 1))
	}
}

func TestAllocateOutsideScopePanics(t *testing.T) {
	h, _ := newTestHeap(t, 64)
	m := pairMeta(10)
	h.RegisterClass(m)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic allocating outside AllowAllocationScope")
		}
	}()
	h.Allocate(m, 0)
}

// TestCollectRelocatesRootAndSurvivesGarbage builds a two-object chain
// (a persistent handle root -> a second pair object), makes a third,
// unreferenced object garbage, forces a collection, and checks that
// the live objects survive with their cross-reference intact and the
// root handle has been rewritten to the new address.
func TestCollectRelocatesRootAndSurvivesGarbage(t *testing.T) {
	h, storage := newTestHeap(t, 64)
	m := pairMeta(20)
	h.RegisterClass(m)

	var root, tail block.Ref
	h.AllowAllocationScope(func() {
		tail, _ = h.Allocate(m, 0)
		root, _ = h.Allocate(m, 0)
		h.SetWord(root, 1, uintptr(tail))
		// garbage: unreferenced by anything
		h.Allocate(m, 0)
	})

	ph := storage.CreatePersistent(root)

	h.Collect()

	newRoot := ph.Get()
	if newRoot == root {
		t.Fatalf("expected root to move across collection, stayed at %d", newRoot)
	}
	if h.MetaFor(newRoot) != m {
		t.Fatal("relocated root lost its Meta")
	}
	newTail := block.Ref(h.Word(newRoot, 1))
	if newTail.IsNull() {
		t.Fatal("relocated root lost its reference to tail")
	}
	if h.MetaFor(newTail) != m {
		t.Fatal("relocated tail lost its Meta")
	}

	stats := h.Stats()
	if stats.Collections != 1 {
		t.Fatalf("Collections = %d, want 1", stats.Collections)
	}
	// Only root and tail (4 words total) should have survived; the
	// third, unreferenced allocation must not have been copied.
	if stats.LiveWords != 4 {
		t.Fatalf("LiveWords = %d, want 4 (garbage not reclaimed)", stats.LiveWords)
	}
}

// fakeStackRoot is a minimal heap.StackRootSource used to check that
// AttachStack's source is consulted during a collection.
type fakeStackRoot struct {
	ref     block.Ref
	forward func(block.Ref) block.Ref
}

func (f *fakeStackRoot) RelocateRoots(forward func(block.Ref) block.Ref) {
	f.forward = forward
	f.ref = forward(f.ref)
}

func TestCollectConsultsAttachedStackRoot(t *testing.T) {
	h, storage := newTestHeap(t, 64)
	m := pairMeta(30)
	h.RegisterClass(m)

	var obj block.Ref
	h.AllowAllocationScope(func() {
		obj, _ = h.Allocate(m, 0)
	})

	stackRoot := &fakeStackRoot{ref: obj}
	h.AttachStack(stackRoot)

	h.Collect()

	if stackRoot.ref == obj {
		t.Fatal("stack root was not relocated by Collect")
	}
	if h.MetaFor(stackRoot.ref) != m {
		t.Fatal("object reachable only via the stack root did not survive collection")
	}
}

func TestAllocateTriggersCollectionWhenArenaFull(t *testing.T) {
	// A semispace with room for only a handful of 2-word objects: once
	// exhausted, further allocation must force a Collect rather than
	// fail, as long as earlier objects are actually garbage.
	h, storage := newTestHeap(t, 6)
	m := pairMeta(40)
	h.RegisterClass(m)

	var anchor handle.Persistent
	h.AllowAllocationScope(func() {
		first, err := h.Allocate(m, 0)
		if err != nil {
			t.Fatalf("Allocate anchor: %v", err)
		}
		anchor = storage.CreatePersistent(first)
		for i := 0; i < 20; i++ {
			if _, err := h.Allocate(m, 0); err != nil {
				t.Fatalf("Allocate #%d: %v", i, err)
			}
		}
	})

	if h.Stats().Collections == 0 {
		t.Fatal("expected at least one collection to have been forced by allocation pressure")
	}
	if h.MetaFor(anchor.Get()) != m {
		t.Fatal("anchor allocation did not survive repeated collection")
	}
}

func TestWriteHeapProfile(t *testing.T) {
	h, storage := newTestHeap(t, 64)
	m := pairMeta(50)
	h.RegisterClass(m)

	var ref block.Ref
	h.AllowAllocationScope(func() {
		ref, _ = h.Allocate(m, 0)
	})
	storage.CreatePersistent(ref)
	h.Collect()

	var buf bytes.Buffer
	if err := h.WriteHeapProfile(&buf); err != nil {
		t.Fatalf("WriteHeapProfile: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("WriteHeapProfile wrote no data")
	}
}
