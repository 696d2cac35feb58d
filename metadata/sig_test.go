package metadata

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestMethodSigBytes(t *testing.T) {
	sig := &MethodSig{
		CallConv: CallDefault,
		Return:   Primitive(ElementVoid),
		Params:   []*Type{ByRefTo(Primitive(ElementI4))},
	}
	blob, err := sig.Encode()
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x01, 0x01, 0x10, 0x08}, blob)

	standalone := &MethodSig{
		CallConv: CallStdCall,
		Return:   Primitive(ElementI4),
		Params:   []*Type{PointerTo(Primitive(ElementI4)), Primitive(ElementR4)},
	}
	blob, err = standalone.Encode()
	require.NoError(t, err)
	require.Equal(t, []byte{0x02, 0x02, 0x08, 0x0f, 0x08, 0x0c}, blob)
}

func TestMethodSigRoundTrip(t *testing.T) {
	vec := NewToken(TableTypeDef, 3)
	list := NewToken(TableTypeRef, 7)
	sigs := []*MethodSig{
		{
			CallConv: CallDefault,
			Return:   Primitive(ElementBoolean),
			Params: []*Type{
				Primitive(ElementI4),
				ByRefTo(ValueTypeOf(vec)),
				Primitive(ElementString),
				Primitive(ElementI),
			},
		},
		{
			CallConv:          CallDefault | CallGeneric | CallHasThis,
			GenericParamCount: 1,
			Return:            &Type{Kind: ElementMVar, Number: 0},
			Params: []*Type{
				{Kind: ElementGenericInst, Elem: ClassOf(list), Args: []*Type{{Kind: ElementMVar}}},
				{Kind: ElementSzArray, Elem: Primitive(ElementU1)},
			},
		},
		{
			CallConv: CallDefault,
			Return:   Primitive(ElementVoid),
			Params: []*Type{
				{Kind: ElementArray, Elem: Primitive(ElementR8), Shape: &ArrayShape{Rank: 2, Sizes: []uint32{4}, LowerBounds: []int32{0, -3}}},
				{Kind: ElementFnPtr, Method: &MethodSig{CallConv: CallUnmanagedC, Return: Primitive(ElementVoid)}},
				{Kind: ElementI4, Mods: []CustomMod{{Required: true, Type: list}}},
			},
		},
		{
			CallConv:    CallVarArg,
			Return:      Primitive(ElementVoid),
			Params:      []*Type{Primitive(ElementI4), Primitive(ElementR8)},
			HasSentinel: true,
			Sentinel:    1,
		},
	}
	for i, sig := range sigs {
		blob, err := sig.Encode()
		require.NoError(t, err, "sig %d", i)
		back, err := ParseMethodSig(blob)
		require.NoError(t, err, "sig %d", i)
		if diff := cmp.Diff(sig, back); diff != "" {
			t.Fatalf("sig %d round trip mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestLocalVarSigPinned(t *testing.T) {
	locals := []*Type{PinnedOf(ByRefTo(Primitive(ElementI4))), Primitive(ElementI)}
	blob, err := EncodeLocalVarSig(locals)
	require.NoError(t, err)
	require.Equal(t, []byte{0x07, 0x02, 0x45, 0x10, 0x08, 0x18}, blob)

	back, err := ParseLocalVarSig(blob)
	require.NoError(t, err)
	if diff := cmp.Diff(locals, back); diff != "" {
		t.Fatalf("locals mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "int32& pinned", back[0].String())
}

func TestFieldSig(t *testing.T) {
	blob, err := EncodeFieldSig(Primitive(ElementI))
	require.NoError(t, err)
	require.Equal(t, []byte{0x06, 0x18}, blob)

	typ, err := ParseFieldSig(blob)
	require.NoError(t, err)
	require.True(t, typ.IsPointerSized())

	_, err = ParseFieldSig([]byte{0x07, 0x18})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseMethodSigRejectsGarbage(t *testing.T) {
	for _, blob := range [][]byte{
		{},
		{0x00, 0x02, 0x01, 0x08},
		{0x00, 0x00, 0x01, 0xff},
		{0x00, 0x01, 0x01, 0x42},
		{0x00, 0x00, 0x01, 0x01},
	} {
		_, err := ParseMethodSig(blob)
		require.Error(t, err, "blob % x", blob)
	}
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "int32*", PointerTo(Primitive(ElementI4)).String())
	require.Equal(t, "valuetype TypeDef[0x000004]&", ByRefTo(ValueTypeOf(NewToken(TableTypeDef, 4))).String())
	sig := &MethodSig{CallConv: CallStdCall, Return: Primitive(ElementVoid), Params: []*Type{Primitive(ElementU)}}
	require.Equal(t, "unmanaged stdcall void(native uint)", sig.String())
}
