// Package types implements the runtime type system: primitive kinds,
// nominal classes with single-inheritance subtyping, and generic type
// parameters whose bounds are resolved after construction.
//
// A type parameter's bounds are set post-construction via
// SetUpperBound/SetLowerBound, because the bootstrap loader must allocate type
// parameters before it can construct the types that reference them —
// the type parameter and its bound form a cyclic graph that no
// single-pass, fully-immutable construction order can produce.
package types

// Kind distinguishes the primitive scalar kinds from class types and
// type-parameter references.
type Kind uint8

const (
	KindBool Kind = iota
	KindUnit
	KindInt
	KindFloat
	KindClass
	KindTypeParam
)

// Type is a variant: a primitive kind (optionally bit-width
// parameterised, for Int/Float), a class reference with a
// type-argument vector, or a reference to a TypeParameter.
type Type struct {
	Kind Kind

	// BitWidth is meaningful for KindInt (8/16/32/64, signed via
	// Signed) and KindFloat (32/64).
	BitWidth uint8
	Signed   bool

	// Class and TypeArgs are meaningful for KindClass.
	Class    *Class
	TypeArgs []*Type

	// Param is meaningful for KindTypeParam.
	Param *TypeParameter
}

// Bool is the boolean primitive type.
var Bool = &Type{Kind: KindBool}

// Unit is the zero-size unit/void primitive type.
var Unit = &Type{Kind: KindUnit}

// Int returns the signed or unsigned integer primitive of the given
// bit width (8, 16, 32, or 64).
func Int(bitWidth uint8, signed bool) *Type {
	return &Type{Kind: KindInt, BitWidth: bitWidth, Signed: signed}
}

// Float returns the IEEE-754 float primitive of the given bit width
// (32 or 64).
func Float(bitWidth uint8) *Type {
	return &Type{Kind: KindFloat, BitWidth: bitWidth}
}

// ClassType returns a class reference with the given type arguments.
func ClassType(c *Class, args ...*Type) *Type {
	return &Type{Kind: KindClass, Class: c, TypeArgs: args}
}

// ParamType returns a reference to a type parameter.
func ParamType(p *TypeParameter) *Type {
	return &Type{Kind: KindTypeParam, Param: p}
}

// Equals reports whether a and b denote the same type: identical
// bit-field for primitives, identical Class identity and type
// arguments for class types, identical TypeParameter identity for
// type-parameter references.
func Equals(a, b *Type) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindBool, KindUnit:
		return true
	case KindInt:
		return a.BitWidth == b.BitWidth && a.Signed == b.Signed
	case KindFloat:
		return a.BitWidth == b.BitWidth
	case KindClass:
		if a.Class != b.Class || len(a.TypeArgs) != len(b.TypeArgs) {
			return false
		}
		for i := range a.TypeArgs {
			if !Equals(a.TypeArgs[i], b.TypeArgs[i]) {
				return false
			}
		}
		return true
	case KindTypeParam:
		return a.Param == b.Param
	default:
		return false
	}
}

// IsSubtypeOf reports whether a is a subtype of b: reflexive for any
// type, invariant for primitives (a primitive is only a subtype of
// itself), and deferred to Class.IsSubclassOf for class types.
// Type-parameter references are subtypes only of themselves and of
// whatever their upper bound is a subtype of.
func IsSubtypeOf(a, b *Type) bool {
	if Equals(a, b) {
		return true
	}
	if a.Kind == KindTypeParam {
		return IsSubtypeOf(a.Param.Upper, b)
	}
	if a.Kind != KindClass || b.Kind != KindClass {
		return false // primitives are invariant
	}
	return a.Class.IsSubclassOf(b.Class)
}

// Class describes a nominal, single-inheritance class: its superclass
// (nil for the root class) and its own type parameter list.
type Class struct {
	Name       string
	Super      *Class
	TypeParams []*TypeParameter
}

// NewClass constructs a class with the given superclass (nil for a
// root class).
func NewClass(name string, super *Class) *Class {
	return &Class{Name: name, Super: super}
}

// IsSubclassOf reports whether c is other or a (possibly indirect)
// subclass of other.
func (c *Class) IsSubclassOf(other *Class) bool {
	for cur := c; cur != nil; cur = cur.Super {
		if cur == other {
			return true
		}
	}
	return false
}

// TypeParameterFlags captures variance/constraint metadata orthogonal
// to the bound types themselves.
type TypeParameterFlags uint8

const (
	// FlagCovariant marks a type parameter as covariant in its
	// declaring class's subtyping rule. Non-goal: variance-aware
	// subtyping of generic instantiations is not implemented (only
	// invariant primitives and class-identity subtyping are); the flag
	// is retained so a loader can record declared variance without this
	// package silently dropping it.
	FlagCovariant TypeParameterFlags = 1 << iota
	FlagContravariant
)

// TypeParameter is a generic type parameter. Its bounds are mutable
// after construction — see the package doc comment — so that a
// bootstrap loader can allocate a TypeParameter, then build the Types
// (possibly referencing this same TypeParameter) that become its
// bounds, then finally install them with SetUpperBound/SetLowerBound.
//
// These setters must only be called during loading; calling them
// during steady-state interpretation would let a live Type's meaning
// change out from under already-compiled code.
type TypeParameter struct {
	Name  string
	Flags TypeParameterFlags
	Upper *Type
	Lower *Type
}

// NewTypeParameter returns a TypeParameter with no bounds set. Bounds
// default to Unit (Upper) and nil (Lower, meaning unconstrained from
// below) until installed.
func NewTypeParameter(name string) *TypeParameter {
	return &TypeParameter{Name: name, Upper: Unit}
}

// SetUpperBound installs t as the parameter's upper bound.
func (p *TypeParameter) SetUpperBound(t *Type) { p.Upper = t }

// SetLowerBound installs t as the parameter's lower bound.
func (p *TypeParameter) SetLowerBound(t *Type) { p.Lower = t }
