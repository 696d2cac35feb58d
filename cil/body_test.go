package cil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/nativepatch/metadata"
)

type fakeSigs struct {
	blobs [][]byte
}

func (f *fakeSigs) AddStandAloneSig(blob []byte) (metadata.Token, error) {
	f.blobs = append(f.blobs, blob)
	return metadata.NewToken(metadata.TableStandAloneSig, uint32(len(f.blobs))), nil
}

func stdcall(ret *metadata.Type, params ...*metadata.Type) *metadata.MethodSig {
	return &metadata.MethodSig{CallConv: metadata.CallStdCall, Return: ret, Params: params}
}

func TestLoadArgForms(t *testing.T) {
	sigs := &fakeSigs{}
	for i, want := range [][]byte{{0x02}, {0x03}, {0x04}, {0x05}, {0xfe, 0x09, 0x04, 0x00}, {0xfe, 0x09, 0x2c, 0x01}} {
		arg := i
		if i == 5 {
			arg = 300
		}
		code, err := encodeCode([]Instruction{LoadArg(arg)}, sigs)
		require.NoError(t, err)
		require.Equal(t, want, code, "ldarg %d", arg)
	}

	code, err := encodeCode([]Instruction{StoreLocal(0), LoadLocal(0), StoreLocal(4), LoadLocal(4)}, sigs)
	require.NoError(t, err)
	require.Equal(t, []byte{0x0a, 0x06, 0xfe, 0x0e, 0x04, 0x00, 0xfe, 0x0c, 0x04, 0x00}, code)
}

func TestEncodeTinyBody(t *testing.T) {
	sigs := &fakeSigs{}
	field := metadata.NewToken(metadata.TableField, 1)
	body := &Body{
		MaxStack: 1,
		Instructions: []Instruction{
			OpToken(Ldsfld, field),
			CallIndirect(stdcall(metadata.Primitive(metadata.ElementVoid))),
			Op(Ret),
		},
	}
	out, err := Encode(body, sigs)
	require.NoError(t, err)
	require.Equal(t, []byte{
		11<<2 | 0x2,
		0x7e, 0x01, 0x00, 0x00, 0x04,
		0x29, 0x01, 0x00, 0x00, 0x11,
		0x2a,
	}, out)
	require.Equal(t, [][]byte{{0x02, 0x00, 0x01}}, sigs.blobs)
}

func TestEncodeFatBodyWithPinnedLocal(t *testing.T) {
	sigs := &fakeSigs{}
	i4 := metadata.Primitive(metadata.ElementI4)
	body := &Body{
		MaxStack:   2,
		InitLocals: true,
		Locals:     []*metadata.Type{metadata.PinnedOf(metadata.ByRefTo(i4))},
		Instructions: []Instruction{
			LoadArg(0),
			StoreLocal(0),
			LoadLocal(0),
			Op(ConvU),
			OpToken(Ldsfld, metadata.NewToken(metadata.TableField, 2)),
			CallIndirect(stdcall(metadata.Primitive(metadata.ElementVoid), metadata.PointerTo(i4))),
			Op(Ret),
		},
	}
	out, err := Encode(body, sigs)
	require.NoError(t, err)
	require.Len(t, sigs.blobs, 2)
	require.Equal(t, [][]byte{
		{0x07, 0x01, 0x45, 0x10, 0x08},
		{0x02, 0x01, 0x01, 0x0f, 0x08},
	}, sigs.blobs)

	dec, err := Decode(out)
	require.NoError(t, err)
	require.True(t, dec.Fat)
	require.True(t, dec.InitLocals)
	require.Equal(t, uint16(2), dec.MaxStack)
	require.Equal(t, 12, dec.HeaderSize)
	require.Equal(t, len(out)-12, dec.CodeSize)
	require.Equal(t, metadata.NewToken(metadata.TableStandAloneSig, 1), dec.LocalVarSig)

	var names []string
	for _, instr := range dec.Instructions {
		names = append(names, instr.OpCode.Name)
	}
	require.Equal(t, []string{"ldarg.0", "stloc.0", "ldloc.0", "conv.u", "ldsfld", "calli", "ret"}, names)
	require.Equal(t, metadata.NewToken(metadata.TableStandAloneSig, 2), dec.Instructions[5].Operand)
}

func TestEncodeLongCodeIsFat(t *testing.T) {
	instrs := make([]Instruction, 0, 70)
	for range 64 {
		instrs = append(instrs, Op(Nop))
	}
	instrs = append(instrs, Op(Ret))
	out, err := Encode(&Body{MaxStack: 0, Instructions: instrs}, &fakeSigs{})
	require.NoError(t, err)
	require.Equal(t, byte(0x03), out[0]&0x3)
	require.Len(t, out, 12+65)
}

func TestEncodeRejectsBadOperand(t *testing.T) {
	_, err := Encode(&Body{Instructions: []Instruction{{OpCode: Ldsfld, Operand: "field"}}}, &fakeSigs{})
	require.ErrorIs(t, err, ErrBadOperand)

	_, err = Encode(&Body{Instructions: []Instruction{{OpCode: LdargS, Operand: 256}}}, &fakeSigs{})
	require.ErrorIs(t, err, ErrBadOperand)

	_, err = Encode(&Body{Instructions: []Instruction{{OpCode: Ret, Operand: 1}}}, &fakeSigs{})
	require.ErrorIs(t, err, ErrBadOperand)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		{0x01},
		{0x0a << 2 | 0x2, 0x2a},
		{0x03, 0x10},
		{1<<2 | 0x2, 0xa6},
	} {
		_, err := Decode(data)
		require.Error(t, err, "body % x", data)
	}
}

func TestDecodeStubBody(t *testing.T) {
	dec, err := Decode([]byte{2<<2 | 0x2, 0x14, 0x7a})
	require.NoError(t, err)
	require.False(t, dec.Fat)
	require.Len(t, dec.Instructions, 2)
	require.Same(t, Ldnull, dec.Instructions[0].OpCode)
	require.Same(t, Throw, dec.Instructions[1].OpCode)
}
