// Package cil models CIL method bodies: opcodes, instructions, body headers,
// and their binary encoding.
package cil

import "fmt"

// OperandKind is the inline operand format that follows an opcode.
type OperandKind uint8

const (
	InlineNone OperandKind = iota
	ShortInlineVar
	InlineVar
	ShortInlineI
	InlineI
	InlineI8
	ShortInlineR
	InlineR
	ShortInlineBrTarget
	InlineBrTarget
	InlineSwitch
	InlineField
	InlineMethod
	InlineSig
	InlineTok
	InlineType
	InlineString
)

func (kind OperandKind) size() int {
	switch kind {
	case InlineNone:
		return 0
	case ShortInlineVar, ShortInlineI, ShortInlineBrTarget:
		return 1
	case InlineVar:
		return 2
	case InlineI8, InlineR:
		return 8
	}
	return 4
}

// varStack marks a stack effect that depends on the operand.
const varStack = -1

// OpCode describes one CIL instruction. Two-byte opcodes carry the 0xFE
// prefix in the high byte of Value.
type OpCode struct {
	Name    string
	Value   uint16
	Operand OperandKind
	Pop     int
	Push    int
}

// Size returns the encoded opcode size.
func (op *OpCode) Size() int {
	if op.Value > 0xff {
		return 2
	}
	return 1
}

func (op *OpCode) String() string {
	return op.Name
}

var (
	Nop       = &OpCode{"nop", 0x00, InlineNone, 0, 0}
	Ldarg0    = &OpCode{"ldarg.0", 0x02, InlineNone, 0, 1}
	Ldarg1    = &OpCode{"ldarg.1", 0x03, InlineNone, 0, 1}
	Ldarg2    = &OpCode{"ldarg.2", 0x04, InlineNone, 0, 1}
	Ldarg3    = &OpCode{"ldarg.3", 0x05, InlineNone, 0, 1}
	Ldloc0    = &OpCode{"ldloc.0", 0x06, InlineNone, 0, 1}
	Ldloc1    = &OpCode{"ldloc.1", 0x07, InlineNone, 0, 1}
	Ldloc2    = &OpCode{"ldloc.2", 0x08, InlineNone, 0, 1}
	Ldloc3    = &OpCode{"ldloc.3", 0x09, InlineNone, 0, 1}
	Stloc0    = &OpCode{"stloc.0", 0x0a, InlineNone, 1, 0}
	Stloc1    = &OpCode{"stloc.1", 0x0b, InlineNone, 1, 0}
	Stloc2    = &OpCode{"stloc.2", 0x0c, InlineNone, 1, 0}
	Stloc3    = &OpCode{"stloc.3", 0x0d, InlineNone, 1, 0}
	LdargS    = &OpCode{"ldarg.s", 0x0e, ShortInlineVar, 0, 1}
	LdargaS   = &OpCode{"ldarga.s", 0x0f, ShortInlineVar, 0, 1}
	StargS    = &OpCode{"starg.s", 0x10, ShortInlineVar, 1, 0}
	LdlocS    = &OpCode{"ldloc.s", 0x11, ShortInlineVar, 0, 1}
	LdlocaS   = &OpCode{"ldloca.s", 0x12, ShortInlineVar, 0, 1}
	StlocS    = &OpCode{"stloc.s", 0x13, ShortInlineVar, 1, 0}
	Ldnull    = &OpCode{"ldnull", 0x14, InlineNone, 0, 1}
	LdcI4M1   = &OpCode{"ldc.i4.m1", 0x15, InlineNone, 0, 1}
	LdcI40    = &OpCode{"ldc.i4.0", 0x16, InlineNone, 0, 1}
	LdcI41    = &OpCode{"ldc.i4.1", 0x17, InlineNone, 0, 1}
	LdcI4S    = &OpCode{"ldc.i4.s", 0x1f, ShortInlineI, 0, 1}
	LdcI4     = &OpCode{"ldc.i4", 0x20, InlineI, 0, 1}
	LdcI8     = &OpCode{"ldc.i8", 0x21, InlineI8, 0, 1}
	LdcR4     = &OpCode{"ldc.r4", 0x22, ShortInlineR, 0, 1}
	LdcR8     = &OpCode{"ldc.r8", 0x23, InlineR, 0, 1}
	Dup       = &OpCode{"dup", 0x25, InlineNone, 1, 2}
	Pop       = &OpCode{"pop", 0x26, InlineNone, 1, 0}
	Call      = &OpCode{"call", 0x28, InlineMethod, varStack, varStack}
	Calli     = &OpCode{"calli", 0x29, InlineSig, varStack, varStack}
	Ret       = &OpCode{"ret", 0x2a, InlineNone, varStack, 0}
	BrS       = &OpCode{"br.s", 0x2b, ShortInlineBrTarget, 0, 0}
	BrfalseS  = &OpCode{"brfalse.s", 0x2c, ShortInlineBrTarget, 1, 0}
	BrtrueS   = &OpCode{"brtrue.s", 0x2d, ShortInlineBrTarget, 1, 0}
	Br        = &OpCode{"br", 0x38, InlineBrTarget, 0, 0}
	Brfalse   = &OpCode{"brfalse", 0x39, InlineBrTarget, 1, 0}
	Brtrue    = &OpCode{"brtrue", 0x3a, InlineBrTarget, 1, 0}
	Switch    = &OpCode{"switch", 0x45, InlineSwitch, 1, 0}
	LdindI4   = &OpCode{"ldind.i4", 0x4a, InlineNone, 1, 1}
	LdindI    = &OpCode{"ldind.i", 0x4d, InlineNone, 1, 1}
	StindI    = &OpCode{"stind.i", 0xdf, InlineNone, 2, 0}
	Callvirt  = &OpCode{"callvirt", 0x6f, InlineMethod, varStack, varStack}
	Ldstr     = &OpCode{"ldstr", 0x72, InlineString, 0, 1}
	Newobj    = &OpCode{"newobj", 0x73, InlineMethod, varStack, 1}
	Throw     = &OpCode{"throw", 0x7a, InlineNone, 1, 0}
	Ldfld     = &OpCode{"ldfld", 0x7b, InlineField, 1, 1}
	Ldflda    = &OpCode{"ldflda", 0x7c, InlineField, 1, 1}
	Stfld     = &OpCode{"stfld", 0x7d, InlineField, 2, 0}
	Ldsfld    = &OpCode{"ldsfld", 0x7e, InlineField, 0, 1}
	Ldsflda   = &OpCode{"ldsflda", 0x7f, InlineField, 0, 1}
	Stsfld    = &OpCode{"stsfld", 0x80, InlineField, 1, 0}
	Ldtoken   = &OpCode{"ldtoken", 0xd0, InlineTok, 0, 1}
	ConvI     = &OpCode{"conv.i", 0xd3, InlineNone, 1, 1}
	ConvU     = &OpCode{"conv.u", 0xe0, InlineNone, 1, 1}
	Ldftn     = &OpCode{"ldftn", 0xfe06, InlineMethod, 0, 1}
	Ldarg     = &OpCode{"ldarg", 0xfe09, InlineVar, 0, 1}
	Ldarga    = &OpCode{"ldarga", 0xfe0a, InlineVar, 0, 1}
	Starg     = &OpCode{"starg", 0xfe0b, InlineVar, 1, 0}
	Ldloc     = &OpCode{"ldloc", 0xfe0c, InlineVar, 0, 1}
	Ldloca    = &OpCode{"ldloca", 0xfe0d, InlineVar, 0, 1}
	Stloc     = &OpCode{"stloc", 0xfe0e, InlineVar, 1, 0}
	Localloc  = &OpCode{"localloc", 0xfe0f, InlineNone, 1, 1}
	Initblk   = &OpCode{"initblk", 0xfe18, InlineNone, 3, 0}
	Cpblk     = &OpCode{"cpblk", 0xfe17, InlineNone, 3, 0}
	Unaligned = &OpCode{"unaligned.", 0xfe12, ShortInlineI, 0, 0}
)

var (
	oneByte = map[uint8]*OpCode{}
	twoByte = map[uint8]*OpCode{}
)

func init() {
	for _, op := range []*OpCode{
		Nop, Ldarg0, Ldarg1, Ldarg2, Ldarg3, Ldloc0, Ldloc1, Ldloc2, Ldloc3,
		Stloc0, Stloc1, Stloc2, Stloc3, LdargS, LdargaS, StargS, LdlocS, LdlocaS, StlocS,
		Ldnull, LdcI4M1, LdcI40, LdcI41, LdcI4S, LdcI4, LdcI8, LdcR4, LdcR8, Dup, Pop,
		Call, Calli, Ret, BrS, BrfalseS, BrtrueS, Br, Brfalse, Brtrue, Switch,
		LdindI4, LdindI, StindI, Callvirt, Ldstr, Newobj, Throw, Ldfld, Ldflda, Stfld,
		Ldsfld, Ldsflda, Stsfld, Ldtoken, ConvI, ConvU,
		Ldftn, Ldarg, Ldarga, Starg, Ldloc, Ldloca, Stloc, Localloc, Initblk, Cpblk, Unaligned,
	} {
		table := oneByte
		if op.Value > 0xff {
			table = twoByte
		}
		if _, dup := table[uint8(op.Value)]; dup {
			panic(fmt.Sprintf("cil: duplicate opcode 0x%04x", op.Value))
		}
		table[uint8(op.Value)] = op
	}
}

// lookup resolves an opcode from its encoded form.
func lookup(first, second uint8) (*OpCode, int, error) {
	if first != 0xfe {
		if op, ok := oneByte[first]; ok {
			return op, 1, nil
		}
		return nil, 0, fmt.Errorf("%w: opcode 0x%02x", ErrUnknownOpCode, first)
	}
	if op, ok := twoByte[second]; ok {
		return op, 2, nil
	}
	return nil, 0, fmt.Errorf("%w: opcode 0xfe%02x", ErrUnknownOpCode, second)
}
