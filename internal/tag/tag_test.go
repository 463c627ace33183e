package tag_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/tag"
)

func TestStaticValueRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []tag.StaticValue{
		tag.NewBoolStatic(true),
		tag.NewIntStatic(tag.TypeInt16, -42),
		tag.NewUintStatic(tag.TypeUint64, 1<<40),
		tag.NewFloatStatic(3.14),
		tag.NewDoubleStatic(2.718281828),
		tag.NewStringStatic("hello"),
		tag.NewBytesStatic([]byte{0x01, 0x02, 0xff}),
	}

	for _, v := range cases {
		data, err := tag.DumpStaticValueAsJSON(v)
		require.NoError(t, err)

		got, err := tag.LoadStaticValueFromJSON(data)
		require.NoError(t, err)
		require.True(t, v.Equal(got), "round trip mismatch for %+v -> %s -> %+v", v, data, got)
	}
}

func TestParseAddressOptionString(t *testing.T) {
	t.Parallel()

	opt, err := tag.TypeString.ParseAddressOption("4!400010.20H")
	require.NoError(t, err)
	require.Equal(t, 20, opt.Length)
	require.Equal(t, tag.ModeH, opt.Mode)

	// E folds to D per spec §8 scenario 6.
	opt, err = tag.TypeString.ParseAddressOption("4!400010.20E")
	require.NoError(t, err)
	require.Equal(t, 20, opt.Length)
	require.Equal(t, tag.ModeD, opt.Mode)

	// No suffix defaults to H.
	opt, err = tag.TypeString.ParseAddressOption("4!400010.20")
	require.NoError(t, err)
	require.Equal(t, 20, opt.Length)
	require.Equal(t, tag.ModeH, opt.Mode)
}

func TestParseAddressOptionEndian(t *testing.T) {
	t.Parallel()

	opt, err := tag.TypeInt16.ParseAddressOption("1!400001#B")
	require.NoError(t, err)
	require.Equal(t, tag.EndianBig, opt.Endian)

	// default
	opt, err = tag.TypeInt16.ParseAddressOption("1!400001")
	require.NoError(t, err)
	require.Equal(t, tag.EndianLittle, opt.Endian)

	opt, err = tag.TypeFloat.ParseAddressOption("1!400001#BL")
	require.NoError(t, err)
	require.Equal(t, tag.EndianBig, opt.Endian1)
	require.Equal(t, tag.EndianLittle, opt.Endian2)

	// default LL
	opt, err = tag.TypeFloat.ParseAddressOption("1!400001")
	require.NoError(t, err)
	require.Equal(t, tag.EndianLittle, opt.Endian1)
	require.Equal(t, tag.EndianLittle, opt.Endian2)

	opt, err = tag.TypeDouble.ParseAddressOption("1!400001#B")
	require.NoError(t, err)
	require.Equal(t, tag.EndianBig, opt.Endian)
}

func TestEndianRoundTrip16(t *testing.T) {
	t.Parallel()
	for _, endian := range []tag.Endian{tag.EndianBig, tag.EndianLittle} {
		b := tag.Encode16(0xBEEF, endian)
		require.Equal(t, uint16(0xBEEF), tag.Decode16(b, endian))
	}
}

func TestEndianRoundTrip32(t *testing.T) {
	t.Parallel()
	combos := [][2]tag.Endian{
		{tag.EndianBig, tag.EndianBig},
		{tag.EndianBig, tag.EndianLittle},
		{tag.EndianLittle, tag.EndianLittle},
		{tag.EndianLittle, tag.EndianBig},
	}
	for _, c := range combos {
		b := tag.Encode32(0xDEADBEEF, c[0], c[1])
		require.Equal(t, uint32(0xDEADBEEF), tag.Decode32(b, c[0], c[1]))
	}
}

func TestNewRejectsEmptyNameOrAddress(t *testing.T) {
	t.Parallel()

	_, err := tag.New("", "1!400001", tag.TypeInt16, tag.AttrRead, nil)
	require.Error(t, err)

	_, err = tag.New("t1", "", tag.TypeInt16, tag.AttrRead, nil)
	require.Error(t, err)
}

func TestTagJSONRoundTrip(t *testing.T) {
	t.Parallel()

	sv := tag.NewFloatStatic(2.5)
	want, err := tag.New("t1", "1!400001", tag.TypeFloat, tag.AttrStatic|tag.AttrRead, &sv)
	require.NoError(t, err)

	data, err := json.Marshal(want)
	require.NoError(t, err)

	var got tag.Tag
	require.NoError(t, json.Unmarshal(data, &got))

	if diff := cmp.Diff(want, got, cmp.AllowUnexported(tag.Tag{})); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRequiresStaticValueForStaticAttribute(t *testing.T) {
	t.Parallel()

	_, err := tag.New("t2", "static", tag.TypeFloat, tag.AttrStatic|tag.AttrRead, nil)
	require.Error(t, err)

	sv := tag.NewFloatStatic(3.14)
	got, err := tag.New("t2", "static", tag.TypeFloat, tag.AttrStatic|tag.AttrRead, &sv)
	require.NoError(t, err)
	v, ok := got.GetStaticValue()
	require.True(t, ok)
	require.True(t, v.Equal(sv))
}
