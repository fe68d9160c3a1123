package ir

import (
	"fmt"
	"strings"
)

// Type is the semantic value type carried by every node.
type Type uint8

const (
	TypeUndef Type = iota
	TypeVoid
	TypeBool
	TypeByte
	TypeUByte
	TypeShort
	TypeUShort
	TypeInt
	TypeUInt
	TypeLong
	TypeULong
	TypeFloat
	TypeDouble
	TypeRef
	TypeByRef
	TypeStruct
	TypeSIMD8
	TypeSIMD12
	TypeSIMD16
	TypeSIMD32
	typeCount
)

type typeFlags uint16

const (
	tfIntegral typeFlags = 1 << iota
	tfUnsigned
	tfFloating
	tfGC
	tfSIMD
	tfStruct
	tfI
)

type typeInfo struct {
	name   string
	size   int
	flags  typeFlags
	actual Type
}

// typeTable is populated once and never written afterwards.
var typeTable = [typeCount]typeInfo{
	TypeUndef:  {name: "undef"},
	TypeVoid:   {name: "void"},
	TypeBool:   {name: "bool", size: 1, flags: tfIntegral | tfUnsigned, actual: TypeInt},
	TypeByte:   {name: "byte", size: 1, flags: tfIntegral, actual: TypeInt},
	TypeUByte:  {name: "ubyte", size: 1, flags: tfIntegral | tfUnsigned, actual: TypeInt},
	TypeShort:  {name: "short", size: 2, flags: tfIntegral, actual: TypeInt},
	TypeUShort: {name: "ushort", size: 2, flags: tfIntegral | tfUnsigned, actual: TypeInt},
	TypeInt:    {name: "int", size: 4, flags: tfIntegral, actual: TypeInt},
	TypeUInt:   {name: "uint", size: 4, flags: tfIntegral | tfUnsigned, actual: TypeInt},
	TypeLong:   {name: "long", size: 8, flags: tfIntegral | tfI, actual: TypeLong},
	TypeULong:  {name: "ulong", size: 8, flags: tfIntegral | tfUnsigned | tfI, actual: TypeLong},
	TypeFloat:  {name: "float", size: 4, flags: tfFloating, actual: TypeFloat},
	TypeDouble: {name: "double", size: 8, flags: tfFloating, actual: TypeDouble},
	TypeRef:    {name: "ref", size: 8, flags: tfGC | tfI, actual: TypeRef},
	TypeByRef:  {name: "byref", size: 8, flags: tfGC | tfI, actual: TypeByRef},
	TypeStruct: {name: "struct", flags: tfStruct, actual: TypeStruct},
	TypeSIMD8:  {name: "simd8", size: 8, flags: tfSIMD, actual: TypeSIMD8},
	TypeSIMD12: {name: "simd12", size: 12, flags: tfSIMD, actual: TypeSIMD12},
	TypeSIMD16: {name: "simd16", size: 16, flags: tfSIMD, actual: TypeSIMD16},
	TypeSIMD32: {name: "simd32", size: 32, flags: tfSIMD, actual: TypeSIMD32},
}

var typeByName = func() map[string]Type {
	m := make(map[string]Type, len(typeTable))
	for t := Type(0); t < typeCount; t++ {
		m[typeTable[t].name] = t
	}
	return m
}()

func (t Type) info() typeInfo {
	if t >= typeCount {
		return typeTable[TypeUndef]
	}
	return typeTable[t]
}

func (t Type) String() string {
	if t >= typeCount {
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
	return typeTable[t].name
}

// ParseType maps a textual type name (as printed by String) back to a Type.
func ParseType(name string) (Type, error) {
	if t, ok := typeByName[strings.ToLower(strings.TrimSpace(name))]; ok && t != TypeUndef {
		return t, nil
	}
	return TypeUndef, fmt.Errorf("ir: unknown type %q", name)
}

// Size returns the size in bytes of a value of type t. Struct types report 0;
// their size lives on the node or local that carries them.
func (t Type) Size() int { return t.info().size }

func (t Type) IsIntegral() bool { return t.info().flags&tfIntegral != 0 }
func (t Type) IsUnsigned() bool { return t.info().flags&tfUnsigned != 0 }
func (t Type) IsFloating() bool { return t.info().flags&tfFloating != 0 }
func (t Type) IsGC() bool       { return t.info().flags&tfGC != 0 }
func (t Type) IsSIMD() bool     { return t.info().flags&tfSIMD != 0 }
func (t Type) IsStruct() bool   { return t == TypeStruct || t.IsSIMD() }

// IsSmallInt reports integral types narrower than 32 bits. Values of these
// types live in wider registers and stack slots and need explicit sign or zero
// extension when widened.
func (t Type) IsSmallInt() bool { return t.IsIntegral() && t.Size() < 4 }

// IsPointerSized reports integral or GC types that occupy a full pointer.
func (t Type) IsPointerSized() bool { return t.info().flags&tfI != 0 }

// IsIntOrI reports types that live in integer registers.
func (t Type) IsIntOrI() bool { return t.IsIntegral() || t.IsGC() }

// ActualType widens small integral types to Int; the register-resident form of
// every value has ActualType.
func (t Type) ActualType() Type {
	if a := t.info().actual; a != TypeUndef {
		return a
	}
	return t
}

// ToUnsigned returns the unsigned counterpart of an integral type.
func (t Type) ToUnsigned() Type {
	switch t {
	case TypeByte:
		return TypeUByte
	case TypeShort:
		return TypeUShort
	case TypeInt:
		return TypeUInt
	case TypeLong:
		return TypeULong
	}
	return t
}

// RegClass is the register file a value of a given type occupies.
type RegClass uint8

const (
	RegClassNone RegClass = iota
	RegClassInt
	RegClassFloat
)

func (c RegClass) String() string {
	switch c {
	case RegClassInt:
		return "int"
	case RegClassFloat:
		return "float"
	}
	return "none"
}

// RegClass returns the register class a value of type t is held in. SIMD
// vectors share the floating-point file.
func (t Type) RegClass() RegClass {
	switch {
	case t == TypeVoid || t == TypeUndef || t == TypeStruct:
		return RegClassNone
	case t.IsFloating() || t.IsSIMD():
		return RegClassFloat
	}
	return RegClassInt
}

// GCKind classifies one pointer-sized slot of a struct layout.
type GCKind uint8

const (
	GCNone GCKind = iota
	GCRef
	GCByRef
)

func (k GCKind) String() string {
	switch k {
	case GCRef:
		return "ref"
	case GCByRef:
		return "byref"
	}
	return "none"
}
