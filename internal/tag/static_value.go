package tag

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/neurogate/gateway/internal/gatewayerr"
)

// StaticValue is an explicit, typed optional field on Tag (spec §9:
// "Surface the static value as an explicit optional typed field on the Tag
// entity" rather than a macro-stuffed byte blob). Exactly one of the
// fields below is meaningful, selected by Type.
type StaticValue struct {
	Type   Type
	Bool   bool
	Int    int64
	Uint   uint64
	Float  float64 // holds both FLOAT (narrowed on use) and DOUBLE
	Str    string
	Bytes  []byte
}

// NewBoolStatic, NewIntStatic, ... construct typed static values.
func NewBoolStatic(v bool) StaticValue        { return StaticValue{Type: TypeBool, Bool: v} }
func NewIntStatic(t Type, v int64) StaticValue  { return StaticValue{Type: t, Int: v} }
func NewUintStatic(t Type, v uint64) StaticValue { return StaticValue{Type: t, Uint: v} }
func NewFloatStatic(v float64) StaticValue    { return StaticValue{Type: TypeFloat, Float: v} }
func NewDoubleStatic(v float64) StaticValue   { return StaticValue{Type: TypeDouble, Float: v} }
func NewStringStatic(v string) StaticValue    { return StaticValue{Type: TypeString, Str: v} }
func NewBytesStatic(v []byte) StaticValue     { return StaticValue{Type: TypeBytes, Bytes: append([]byte(nil), v...)} }

// jsonStaticValue is the wire shape used by Dump/Load, keyed so that a
// round trip through JSON never loses the type discriminant.
type jsonStaticValue struct {
	Type  Type    `json:"type"`
	Bool  *bool   `json:"bool,omitempty"`
	Int   *int64  `json:"int,omitempty"`
	Uint  *uint64 `json:"uint,omitempty"`
	Float *float64 `json:"float,omitempty"`
	Str   *string `json:"str,omitempty"`
	Bytes *string `json:"bytes,omitempty"` // base64
}

// DumpStaticValueAsJSON renders v as a JSON document that
// LoadStaticValueFromJSON can parse back into an equal StaticValue.
func DumpStaticValueAsJSON(v StaticValue) ([]byte, error) {
	out := jsonStaticValue{Type: v.Type}
	switch v.Type {
	case TypeBool:
		out.Bool = &v.Bool
	case TypeString:
		out.Str = &v.Str
	case TypeBytes:
		enc := base64.StdEncoding.EncodeToString(v.Bytes)
		out.Bytes = &enc
	case TypeFloat, TypeDouble:
		out.Float = &v.Float
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		out.Int = &v.Int
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64, TypeWord, TypeDword, TypeLword, TypeBit:
		out.Uint = &v.Uint
	default:
		return nil, ErrUnknownType(v.Type)
	}
	return json.Marshal(out)
}

// LoadStaticValueFromJSON parses a document produced by
// DumpStaticValueAsJSON back into a StaticValue.
func LoadStaticValueFromJSON(data []byte) (StaticValue, error) {
	var in jsonStaticValue
	if err := json.Unmarshal(data, &in); err != nil {
		return StaticValue{}, gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
	}
	out := StaticValue{Type: in.Type}
	switch in.Type {
	case TypeBool:
		if in.Bool != nil {
			out.Bool = *in.Bool
		}
	case TypeString:
		if in.Str != nil {
			out.Str = *in.Str
		}
	case TypeBytes:
		if in.Bytes != nil {
			b, err := base64.StdEncoding.DecodeString(*in.Bytes)
			if err != nil {
				return StaticValue{}, gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
			}
			out.Bytes = b
		}
	case TypeFloat, TypeDouble:
		if in.Float != nil {
			out.Float = *in.Float
		}
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		if in.Int != nil {
			out.Int = *in.Int
		}
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64, TypeWord, TypeDword, TypeLword, TypeBit:
		if in.Uint != nil {
			out.Uint = *in.Uint
		}
	default:
		return StaticValue{}, ErrUnknownType(in.Type)
	}
	return out, nil
}

// Equal reports whether a and b carry the same type and value, for use in
// the round-trip law tests (spec §8).
func (v StaticValue) Equal(o StaticValue) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeBool:
		return v.Bool == o.Bool
	case TypeString:
		return v.Str == o.Str
	case TypeBytes:
		return string(v.Bytes) == string(o.Bytes)
	case TypeFloat, TypeDouble:
		return v.Float == o.Float
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return v.Int == o.Int
	default:
		return v.Uint == o.Uint
	}
}

func (v StaticValue) String() string {
	data, err := DumpStaticValueAsJSON(v)
	if err != nil {
		return fmt.Sprintf("<invalid static value: %v>", err)
	}
	return string(data)
}
