// Package tag implements the Tag entity (C2): an immutable-after-create
// description of one addressable data point, its address option parsing,
// and its optional static value.
package tag

import "fmt"

// Type is the declared data type of a Tag. It governs which AddressOption
// variant, if any, is legal for the tag's address.
type Type string

// The closed set of tag types.
const (
	TypeBit    Type = "BIT"
	TypeBool   Type = "BOOL"
	TypeInt8   Type = "INT8"
	TypeUint8  Type = "UINT8"
	TypeInt16  Type = "INT16"
	TypeUint16 Type = "UINT16"
	TypeInt32  Type = "INT32"
	TypeUint32 Type = "UINT32"
	TypeInt64  Type = "INT64"
	TypeUint64 Type = "UINT64"
	TypeFloat  Type = "FLOAT"
	TypeDouble Type = "DOUBLE"
	TypeString Type = "STRING"
	TypeBytes  Type = "BYTES"
	TypeWord   Type = "WORD"
	TypeDword  Type = "DWORD"
	TypeLword  Type = "LWORD"
)

var validTypes = map[Type]bool{
	TypeBit: true, TypeBool: true, TypeInt8: true, TypeUint8: true,
	TypeInt16: true, TypeUint16: true, TypeInt32: true, TypeUint32: true,
	TypeInt64: true, TypeUint64: true, TypeFloat: true, TypeDouble: true,
	TypeString: true, TypeBytes: true, TypeWord: true, TypeDword: true,
	TypeLword: true,
}

// Valid reports whether t is one of the closed set of declared types.
func (t Type) Valid() bool {
	return validTypes[t]
}

func (t Type) String() string {
	return string(t)
}

// ErrUnknownType is returned when a Type value outside the closed set is
// used where a concrete type is required.
func ErrUnknownType(t Type) error {
	return fmt.Errorf("tag: unknown type %q", t)
}

// addressOptionKind classifies which AddressOption shape, if any, a Type
// accepts (spec §3 "Address option").
type addressOptionKind int

const (
	optNone addressOptionKind = iota
	optString
	optBytes
	optEndian16
	optEndian32
	optEndian64
	optBit
)

func (t Type) addressOptionKind() addressOptionKind {
	switch t {
	case TypeString:
		return optString
	case TypeBytes:
		return optBytes
	case TypeInt16, TypeUint16, TypeWord:
		return optEndian16
	case TypeInt32, TypeUint32, TypeFloat, TypeDword:
		return optEndian32
	case TypeInt64, TypeUint64, TypeDouble, TypeLword:
		return optEndian64
	case TypeBit:
		return optBit
	default:
		return optNone
	}
}
