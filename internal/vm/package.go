// Package vm ties the lower components together into the embedding
// surface: VM owns the Heap, the root handle storage, and the
// interpreter Stack, and Package is the boundary type an external
// loader (out of scope here) hands to VM.Load.
package vm

import (
	"encoding/binary"
	"math"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"

	"codeswitch/internal/block"
	"codeswitch/internal/function"
	"codeswitch/internal/types"
)

// ConstantKind distinguishes the shapes a Package's constant pool can
// hold. The pool's concrete encoding is the loader's concern; VM only
// needs enough of it to expose constants to bytecode that references
// them (no opcode in this module's interpreter currently reads the
// pool directly, but the boundary type is specified so a loader has
// somewhere to put literals too large to fit a VBN operand, e.g.
// string literals and 64-bit floats.
type ConstantKind uint8

const (
	ConstantString ConstantKind = iota
	ConstantInt64
	ConstantFloat64
)

// Constant is one boundary constant-pool entry.
type Constant struct {
	Kind  ConstantKind
	Str   string
	Int   int64
	Float float64
}

// Package is the boundary type produced by the external bytecode
// loader (out of scope here) and consumed by VM.Load. Constructing one
// is the loader's job; internal/vm only defines the shape and
// validates it at load time.
type Package struct {
	Name            string
	LanguageVersion string // semver, validated against VM's supported floor at Load
	Digest          [32]byte
	Functions       []*function.Function
	Constants       []Constant

	// Classes and ClassLayouts are parallel: ClassLayouts[i] is the
	// Meta describing instances of Classes[i]. A nil entry falls back
	// to a zero-field, pointer-free instance (DefaultClassLayout).
	Classes      []*types.Class
	ClassLayouts []*block.Meta
}

// resolver implements function.CalleeResolver against one package's
// flat function table — correct because a callg operand is a
// package-local index, so a call instruction's abstract interpretation
// never needs to resolve outside its own package.
type resolver struct {
	pkg *Package
}

func (r resolver) ParamCount(globalIndex int64) int {
	return len(r.pkg.Functions[globalIndex].ParamTypes)
}

func (r resolver) ResultIsReference(globalIndex int64) bool {
	return function.IsReferenceType(r.pkg.Functions[globalIndex].ResultType)
}

// Resolver returns the function.CalleeResolver that StackPointerMap
// construction for any Function in pkg should use.
func (pkg *Package) Resolver() function.CalleeResolver { return resolver{pkg: pkg} }

// ComputeDigest hashes pkg's functions' bytecode and constant pool, in
// load order, with blake2b-256. A loader calls this to stamp pkg.Digest
// before handing the package to VM.Load, which recomputes and checks
// the same hash (see verifyDigest in vm.go) to catch a Package assembled
// from a stale or partially-patched bytecode stream.
func ComputeDigest(pkg *Package) ([32]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, xerrors.Errorf("vm: blake2b init: %w", err)
	}
	for _, fn := range pkg.Functions {
		h.Write(fn.Bytecode)
	}
	for _, c := range pkg.Constants {
		h.Write([]byte{byte(c.Kind)})
		h.Write([]byte(c.Str))
		var num [16]byte
		binary.LittleEndian.PutUint64(num[:8], uint64(c.Int))
		binary.LittleEndian.PutUint64(num[8:], math.Float64bits(c.Float))
		h.Write(num[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
