package tag

import (
	"regexp"
	"strconv"

	"github.com/neurogate/gateway/internal/gatewayerr"
)

// Endian is one of the two byte orders an AddressOption can name.
type Endian byte

// The two legal endian markers.
const (
	EndianBig    Endian = 'B'
	EndianLittle Endian = 'L'
)

// StringMode selects how a STRING tag's bytes are decoded. Mode E ("escape")
// folds to ModeD at parse time per spec §8 scenario 6 — the design treats
// them as the same decoding and only keeps one internal representation.
type StringMode byte

// The three string decode modes the parser ever stores (E folds into D).
const (
	ModeH StringMode = 'H' // raw/hex bytes, the default
	ModeL StringMode = 'L' // Latin-1
	ModeD StringMode = 'D' // UTF-8, also covers the folded "E" suffix
)

// AddressOption is the parsed view of the trailing suffix of a Tag's
// address, selected by the tag's declared Type (spec §3).
type AddressOption struct {
	// String/Bytes
	Length int
	Mode   StringMode // STRING only

	// Bit
	Bit    int
	HasBit bool

	// 16-bit integers and 64-bit integers/DOUBLE use Endian.
	// 32-bit integers/FLOAT use Endian1 (outer) and Endian2 (inner).
	Endian  Endian
	Endian1 Endian
	Endian2 Endian
}

var (
	reString = regexp.MustCompile(`\.(\d+)([HLDE])?$`)
	reBytes  = regexp.MustCompile(`\.(\d+)$`)
	reBit    = regexp.MustCompile(`\.(\d+)$`)
	reEnd16  = regexp.MustCompile(`#([BL])?$`)
	reEnd32  = regexp.MustCompile(`#([BL])([BL])?$`)
	reEnd64  = regexp.MustCompile(`#([BL])?$`)
)

// ParseAddressOption extracts the optional trailing address option from
// address, according to the shape t's Type prescribes. A Type with no
// address-option variant (optNone) always returns a zero AddressOption
// with no error, since the suffix, if any, is then just part of the
// protocol-specific address and none of the core's business.
func (t Type) ParseAddressOption(address string) (AddressOption, error) {
	switch t.addressOptionKind() {
	case optString:
		m := reString.FindStringSubmatch(address)
		if m == nil {
			return AddressOption{Mode: ModeH}, nil
		}
		length, err := strconv.Atoi(m[1])
		if err != nil {
			return AddressOption{}, gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
		}
		mode := ModeH
		if m[2] != "" {
			mode = StringMode(m[2][0])
		}
		if mode == 'E' {
			mode = ModeD
		}
		return AddressOption{Length: length, Mode: mode}, nil

	case optBytes:
		m := reBytes.FindStringSubmatch(address)
		if m == nil {
			return AddressOption{}, nil
		}
		length, err := strconv.Atoi(m[1])
		if err != nil {
			return AddressOption{}, gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
		}
		return AddressOption{Length: length}, nil

	case optBit:
		m := reBit.FindStringSubmatch(address)
		if m == nil {
			return AddressOption{}, nil
		}
		bit, err := strconv.Atoi(m[1])
		if err != nil {
			return AddressOption{}, gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
		}
		return AddressOption{Bit: bit, HasBit: true}, nil

	case optEndian16:
		m := reEnd16.FindStringSubmatch(address)
		endian := EndianLittle
		if m != nil && m[1] != "" {
			endian = Endian(m[1][0])
		}
		return AddressOption{Endian: endian}, nil

	case optEndian32:
		m := reEnd32.FindStringSubmatch(address)
		e1, e2 := EndianLittle, EndianLittle
		if m != nil {
			if m[1] != "" {
				e1 = Endian(m[1][0])
			}
			if m[2] != "" {
				e2 = Endian(m[2][0])
			}
		}
		return AddressOption{Endian1: e1, Endian2: e2}, nil

	case optEndian64:
		m := reEnd64.FindStringSubmatch(address)
		endian := EndianLittle
		if m != nil && m[1] != "" {
			endian = Endian(m[1][0])
		}
		return AddressOption{Endian: endian}, nil

	default:
		return AddressOption{}, nil
	}
}
