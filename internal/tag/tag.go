package tag

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/neurogate/gateway/internal/gatewayerr"
)

// validate holds the struct-tag rules New checks on every constructed Tag;
// a package-level instance since validator.New() builds and caches its
// reflection metadata once.
var validate = validator.New()

// Attribute is a bitset drawn from {READ, WRITE, SUBSCRIBE, STATIC}.
type Attribute uint8

// The closed set of attributes a Tag can carry.
const (
	AttrRead Attribute = 1 << iota
	AttrWrite
	AttrSubscribe
	AttrStatic
)

// Has reports whether a includes want.
func (a Attribute) Has(want Attribute) bool {
	return a&want != 0
}

func (a Attribute) String() string {
	var parts []string
	if a.Has(AttrRead) {
		parts = append(parts, "READ")
	}
	if a.Has(AttrWrite) {
		parts = append(parts, "WRITE")
	}
	if a.Has(AttrSubscribe) {
		parts = append(parts, "SUBSCRIBE")
	}
	if a.Has(AttrStatic) {
		parts = append(parts, "STATIC")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Tag describes one readable/writable point (spec §3).
type Tag struct {
	Name        string `validate:"required"`
	Address     string `validate:"required"`
	Type        Type
	Attribute   Attribute
	Precision   int `validate:"gte=0"`
	Decimal     int `validate:"gte=0"`
	Option      string
	Description string

	// StaticValue is present iff Attribute.Has(AttrStatic).
	StaticValue StaticValue `validate:"-"`
	hasStatic   bool
}

// New constructs a Tag, validating that Type is in the closed set and that
// a STATIC attribute is always paired with a value of the declared type.
func New(name, address string, typ Type, attr Attribute, static *StaticValue) (Tag, error) {
	if !typ.Valid() {
		return Tag{}, gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, ErrUnknownType(typ))
	}
	t := Tag{
		Name:      name,
		Address:   address,
		Type:      typ,
		Attribute: attr,
	}
	if attr.Has(AttrStatic) {
		if static == nil {
			return Tag{}, gatewayerr.New(gatewayerr.GroupParameterInvalid)
		}
		if static.Type != typ {
			return Tag{}, gatewayerr.New(gatewayerr.GroupParameterInvalid)
		}
		t.StaticValue = *static
		t.hasStatic = true
	}
	if err := validate.Struct(t); err != nil {
		return Tag{}, gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
	}
	return t, nil
}

// HasStaticValue reports whether the tag carries a static value.
func (t Tag) HasStaticValue() bool {
	return t.hasStatic
}

// GetStaticValue returns the tag's static value and whether it has one.
func (t Tag) GetStaticValue() (StaticValue, bool) {
	return t.StaticValue, t.hasStatic
}

// SetStaticValue replaces the tag's static value, marking STATIC on
// Attribute if it wasn't already set.
func (t *Tag) SetStaticValue(v StaticValue) error {
	if v.Type != t.Type {
		return gatewayerr.New(gatewayerr.GroupParameterInvalid)
	}
	t.StaticValue = v
	t.hasStatic = true
	t.Attribute |= AttrStatic
	return nil
}

// ParseAddressOption parses t.Address's trailing suffix according to t.Type.
func (t Tag) ParseAddressOption() (AddressOption, error) {
	return t.Type.ParseAddressOption(t.Address)
}

// tagAlias mirrors Tag's exported fields for JSON encoding; hasStatic is
// unexported and never round-trips, so UnmarshalJSON rederives it from
// Attribute below rather than carrying a redundant wire field.
type tagAlias struct {
	Name        string
	Address     string
	Type        Type
	Attribute   Attribute
	Precision   int
	Decimal     int
	Option      string
	Description string
	StaticValue StaticValue
}

// MarshalJSON implements json.Marshaler.
func (t Tag) MarshalJSON() ([]byte, error) {
	return json.Marshal(tagAlias{
		Name:        t.Name,
		Address:     t.Address,
		Type:        t.Type,
		Attribute:   t.Attribute,
		Precision:   t.Precision,
		Decimal:     t.Decimal,
		Option:      t.Option,
		Description: t.Description,
		StaticValue: t.StaticValue,
	})
}

// UnmarshalJSON implements json.Unmarshaler, restoring hasStatic from the
// decoded Attribute bitset (the invariant New/SetStaticValue both maintain:
// hasStatic is always in lockstep with Attribute.Has(AttrStatic)).
func (t *Tag) UnmarshalJSON(data []byte) error {
	var a tagAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = Tag{
		Name:        a.Name,
		Address:     a.Address,
		Type:        a.Type,
		Attribute:   a.Attribute,
		Precision:   a.Precision,
		Decimal:     a.Decimal,
		Option:      a.Option,
		Description: a.Description,
		StaticValue: a.StaticValue,
		hasStatic:   a.Attribute.Has(AttrStatic),
	}
	return nil
}

// Dup returns a deep copy of t. Tag has no reference fields requiring deep
// copy beyond the StaticValue.Bytes slice, but Dup always copies it so
// callers never alias another Tag's backing array.
func (t Tag) Dup() Tag {
	out := t
	if len(t.StaticValue.Bytes) > 0 {
		out.StaticValue.Bytes = append([]byte(nil), t.StaticValue.Bytes...)
	}
	return out
}

// Copy overwrites dst's fields with a deep copy of src, the Go analogue of
// the original's copy(dst <- src) that mutated a preallocated struct.
func Copy(dst *Tag, src Tag) {
	*dst = src.Dup()
}
