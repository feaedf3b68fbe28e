// Package block defines the uniform object header shared by every block
// in the managed heap, and the per-class Meta descriptor that gives a
// block its shape.
//
// A block is addressed by a Ref: a 1-based word index into the owning
// heap's arena. Refs play the role a raw pointer would in a native
// collector — an index that survives the underlying storage moving out
// from under it, provided the index itself is patched up afterward.
package block

import "math/bits"

// WordSize is the width, in bytes, of one heap word. All block layouts
// in this package are expressed in words, not bytes.
const WordSize = 8

// Ref is a word-indexed reference to a block in some heap arena. The
// zero Ref is the null sentinel; it never denotes an allocated block.
type Ref uintptr

// Null is the null-reference sentinel.
const Null Ref = 0

// IsNull reports whether r is the null sentinel.
func (r Ref) IsNull() bool { return r == Null }

// metaWordTag occupies the low two bits of every stored meta-word.
type metaWordTag uintptr

const (
	tagMetaRef  metaWordTag = 0 // bits[2:) hold a Ref to a Meta block
	tagBuiltin1 metaWordTag = 1 // bits[2:) hold a BlockType id (root meta)
	tagBuiltin2 metaWordTag = 2 // bits[2:) hold a BlockType id (root meta)
	tagForward  metaWordTag = 3 // bits[2:) hold a forwarding Ref (GC only)
)

const tagBits = 2
const tagMask = uintptr(1)<<tagBits - 1

// BlockType identifies one of the small set of self-describing "root"
// metas — blocks whose class is encoded directly in their meta-word
// rather than by pointing at a separate Meta block. The meta-meta root
// (the Meta that describes Meta blocks themselves) is one of these.
type BlockType uint8

const (
	// BlockTypeMetaMeta is the root meta describing Meta blocks. Its
	// own meta-word decodes to itself (see DecodeMetaWord).
	BlockTypeMetaMeta BlockType = iota + 1
	// BlockTypeStack is the built-in root meta describing the
	// relocatable interpreter Stack block (the sole block that sets
	// NeedsRelocation).
	BlockTypeStack
)

// MetaWord is the decoded interpretation of a block's first word.
type MetaWord struct {
	// Kind selects which field below is meaningful.
	Kind MetaWordKind
	Meta Ref       // valid when Kind == MetaWordMeta
	Type BlockType // valid when Kind == MetaWordBuiltin
	Fwd  Ref       // valid when Kind == MetaWordForwarded
}

// MetaWordKind distinguishes the three ways a meta-word can be encoded.
type MetaWordKind uint8

const (
	MetaWordMeta MetaWordKind = iota
	MetaWordBuiltin
	MetaWordForwarded
)

// EncodeMetaRef packs a reference to a Meta block into a storable word.
func EncodeMetaRef(meta Ref) uintptr {
	return uintptr(meta)<<tagBits | uintptr(tagMetaRef)
}

// EncodeBuiltin packs a root BlockType into a storable word. The first
// two BlockType values round-robin between the two tag patterns the
// spec reserves for built-ins (01/10); which one is used is an
// implementation detail callers never need to know, since DecodeMetaWord
// hides it again.
func EncodeBuiltin(bt BlockType) uintptr {
	tag := tagBuiltin1
	if bt%2 == 0 {
		tag = tagBuiltin2
	}
	return uintptr(bt)<<tagBits | uintptr(tag)
}

// EncodeForwarded packs a forwarding reference, used only while a
// collection's trace/relocate phase is in flight. No word read outside
// of a collection should ever observe this encoding.
func EncodeForwarded(to Ref) uintptr {
	return uintptr(to)<<tagBits | uintptr(tagForward)
}

// DecodeMetaWord interprets a raw stored word as a MetaWord.
func DecodeMetaWord(w uintptr) MetaWord {
	tag := metaWordTag(w & tagMask)
	payload := w >> tagBits
	switch tag {
	case tagMetaRef:
		return MetaWord{Kind: MetaWordMeta, Meta: Ref(payload)}
	case tagForward:
		return MetaWord{Kind: MetaWordForwarded, Fwd: Ref(payload)}
	default: // tagBuiltin1, tagBuiltin2
		return MetaWord{Kind: MetaWordBuiltin, Type: BlockType(payload)}
	}
}

// Meta describes a class of blocks: their fixed size, optional
// variable-length element region, and the pointer bitmaps a
// visit.Visitor needs to find every reference slot.
//
// A Meta is itself an ordinary block: its own meta-word points at the
// meta-meta root (or, for the meta-meta block itself, is the
// self-referential BlockTypeMetaMeta encoding).
type Meta struct {
	// Self is the Ref of the Meta block this descriptor was loaded
	// from, cached so Meta values can be passed around by value
	// without losing the ability to name themselves.
	Self Ref

	BlockType BlockType

	// InstanceSize is the size, in words, of the fixed-size portion of
	// every instance, meta-word included.
	InstanceSize uintptr

	// ElementSize is the size, in words, of one element of the
	// variable-length tail, if any.
	ElementSize uintptr

	// LengthOffset is the word offset (from the block's base) of the
	// instance's length field, when HasElements is true.
	LengthOffset uintptr

	// ObjectPointerMap marks, bit i, whether fixed-region word i is a
	// managed reference.
	ObjectPointerMap uint64

	// ElementPointerMap marks, bit i, whether word i of a single
	// element is a managed reference.
	ElementPointerMap uint64

	HasPointers        bool
	HasElementPointers bool
	HasElements        bool
	NeedsRelocation    bool
}

// NewMeta constructs a Meta from its construction-time parameters.
// Pointer bitmaps are zero until the caller sets them explicitly —
// construction and pointer-map initialization are deliberately two
// steps.
func NewMeta(bt BlockType, instanceSize, elementSize, lengthOffset uintptr) *Meta {
	return &Meta{
		BlockType:    bt,
		InstanceSize: instanceSize,
		ElementSize:  elementSize,
		LengthOffset: lengthOffset,
		HasElements:  elementSize > 0,
	}
}

// SetObjectPointerMap installs the fixed-region pointer bitmap.
func (m *Meta) SetObjectPointerMap(bitmap uint64) {
	m.ObjectPointerMap = bitmap
	m.HasPointers = bitmap != 0
}

// SetElementPointerMap installs the per-element pointer bitmap.
func (m *Meta) SetElementPointerMap(bitmap uint64) {
	m.ElementPointerMap = bitmap
	m.HasElementPointers = bitmap != 0
}

// SizeOf returns the total size, in words, of an instance of m whose
// variable-length field (if any) currently holds the given length.
func SizeOf(m *Meta, length uintptr) uintptr {
	size := m.InstanceSize
	if m.HasElements {
		size += length * m.ElementSize
	}
	return size
}

// PopCount reports how many pointer slots a bitmap marks; used by
// tests and by the visitor's invariant checks.
func PopCount(bitmap uint64) int {
	return bits.OnesCount64(bitmap)
}
