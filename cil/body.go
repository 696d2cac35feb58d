package cil

import (
	"encoding/binary"
	"fmt"
	"math"

	"fortio.org/safecast"

	"github.com/sliverarmory/nativepatch/metadata"
)

const (
	tinyFormat    = 0x2
	fatFormat     = 0x3
	formatMask    = 0x3
	moreSects     = 0x08
	initLocalsBit = 0x10
	fatHeaderSize = 12

	tinyMaxCode  = 64
	tinyMaxStack = 8
)

// Body is a method body: the instruction stream, local declarations and
// header flags.
type Body struct {
	MaxStack     uint16
	InitLocals   bool
	Locals       []*metadata.Type
	Instructions []Instruction
}

// SignatureTable registers standalone signatures (locals and calli sites)
// and hands back their StandAloneSig tokens.
type SignatureTable interface {
	AddStandAloneSig(blob []byte) (metadata.Token, error)
}

// Encode serializes the body with a tiny header when it qualifies and a fat
// header otherwise. The locals signature is registered in sigs first, then
// the calli signatures in instruction order.
func Encode(body *Body, sigs SignatureTable) ([]byte, error) {
	var localsTok metadata.Token
	if len(body.Locals) > 0 {
		blob, err := metadata.EncodeLocalVarSig(body.Locals)
		if err != nil {
			return nil, fmt.Errorf("encode locals: %w", err)
		}
		localsTok, err = sigs.AddStandAloneSig(blob)
		if err != nil {
			return nil, fmt.Errorf("register locals: %w", err)
		}
	}

	code, err := encodeCode(body.Instructions, sigs)
	if err != nil {
		return nil, err
	}

	if len(code) < tinyMaxCode && len(body.Locals) == 0 && body.MaxStack <= tinyMaxStack && !body.InitLocals {
		out := make([]byte, 0, 1+len(code))
		out = append(out, byte(len(code))<<2|tinyFormat)
		return append(out, code...), nil
	}

	codeSize, err := safecast.Conv[uint32](len(code))
	if err != nil {
		return nil, fmt.Errorf("method body too large: %w", err)
	}
	flags := uint16(fatFormat) | uint16(fatHeaderSize/4)<<12
	if body.InitLocals {
		flags |= initLocalsBit
	}
	out := make([]byte, fatHeaderSize, fatHeaderSize+len(code))
	binary.LittleEndian.PutUint16(out[0:], flags)
	binary.LittleEndian.PutUint16(out[2:], body.MaxStack)
	binary.LittleEndian.PutUint32(out[4:], codeSize)
	binary.LittleEndian.PutUint32(out[8:], uint32(localsTok))
	return append(out, code...), nil
}

func encodeCode(instrs []Instruction, sigs SignatureTable) ([]byte, error) {
	var code []byte
	for i, instr := range instrs {
		op := instr.OpCode
		if op == nil {
			return nil, fmt.Errorf("%w: instruction %d has no opcode", ErrBadOperand, i)
		}
		if op.Value > 0xff {
			code = append(code, 0xfe)
		}
		code = append(code, uint8(op.Value))

		var err error
		code, err = appendOperand(code, instr, sigs)
		if err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", i, op.Name, err)
		}
	}
	return code, nil
}

func appendOperand(code []byte, instr Instruction, sigs SignatureTable) ([]byte, error) {
	switch instr.OpCode.Operand {
	case InlineNone:
		if instr.Operand != nil {
			return nil, fmt.Errorf("%w: unexpected operand %v", ErrBadOperand, instr.Operand)
		}
		return code, nil
	case ShortInlineVar:
		v, err := intOperand(instr.Operand, 0, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		return append(code, uint8(v)), nil
	case InlineVar:
		v, err := intOperand(instr.Operand, 0, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint16(code, uint16(v)), nil
	case ShortInlineI, ShortInlineBrTarget:
		v, err := intOperand(instr.Operand, math.MinInt8, math.MaxInt8)
		if err != nil {
			return nil, err
		}
		return append(code, uint8(int8(v))), nil
	case InlineI, InlineBrTarget:
		v, err := intOperand(instr.Operand, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(code, uint32(int32(v))), nil
	case InlineI8:
		v, ok := instr.Operand.(int64)
		if !ok {
			return nil, fmt.Errorf("%w: want int64, got %T", ErrBadOperand, instr.Operand)
		}
		return binary.LittleEndian.AppendUint64(code, uint64(v)), nil
	case ShortInlineR:
		v, ok := instr.Operand.(float32)
		if !ok {
			return nil, fmt.Errorf("%w: want float32, got %T", ErrBadOperand, instr.Operand)
		}
		return binary.LittleEndian.AppendUint32(code, math.Float32bits(v)), nil
	case InlineR:
		v, ok := instr.Operand.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: want float64, got %T", ErrBadOperand, instr.Operand)
		}
		return binary.LittleEndian.AppendUint64(code, math.Float64bits(v)), nil
	case InlineSwitch:
		targets, ok := instr.Operand.([]int32)
		if !ok {
			return nil, fmt.Errorf("%w: want []int32, got %T", ErrBadOperand, instr.Operand)
		}
		code = binary.LittleEndian.AppendUint32(code, uint32(len(targets)))
		for _, target := range targets {
			code = binary.LittleEndian.AppendUint32(code, uint32(target))
		}
		return code, nil
	case InlineSig:
		switch v := instr.Operand.(type) {
		case metadata.Token:
			return binary.LittleEndian.AppendUint32(code, uint32(v)), nil
		case *metadata.MethodSig:
			blob, err := v.Encode()
			if err != nil {
				return nil, fmt.Errorf("encode call site: %w", err)
			}
			tok, err := sigs.AddStandAloneSig(blob)
			if err != nil {
				return nil, fmt.Errorf("register call site: %w", err)
			}
			return binary.LittleEndian.AppendUint32(code, uint32(tok)), nil
		}
		return nil, fmt.Errorf("%w: want token or signature, got %T", ErrBadOperand, instr.Operand)
	}
	tok, ok := instr.Operand.(metadata.Token)
	if !ok {
		return nil, fmt.Errorf("%w: want token, got %T", ErrBadOperand, instr.Operand)
	}
	return binary.LittleEndian.AppendUint32(code, uint32(tok)), nil
}

func intOperand(operand any, lo, hi int64) (int64, error) {
	var v int64
	switch x := operand.(type) {
	case int:
		v = int64(x)
	case int32:
		v = int64(x)
	case int8:
		v = int64(x)
	case uint8:
		v = int64(x)
	case uint16:
		v = int64(x)
	default:
		return 0, fmt.Errorf("%w: want integer, got %T", ErrBadOperand, operand)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: %d outside [%d, %d]", ErrBadOperand, v, lo, hi)
	}
	return v, nil
}

// Decoded is a body read back from its binary form. Locals are left as the
// LocalVarSig token; resolving it needs the module's StandAloneSig table.
type Decoded struct {
	Fat          bool
	MaxStack     uint16
	InitLocals   bool
	LocalVarSig  metadata.Token
	CodeSize     int
	HeaderSize   int
	Instructions []Instruction
}

// Decode parses a method body starting at data[0]. Extra data sections after
// the code are not interpreted.
func Decode(data []byte) (*Decoded, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedBody)
	}
	out := &Decoded{}
	switch data[0] & formatMask {
	case tinyFormat:
		out.HeaderSize = 1
		out.CodeSize = int(data[0] >> 2)
		out.MaxStack = tinyMaxStack
	case fatFormat:
		if len(data) < fatHeaderSize {
			return nil, fmt.Errorf("%w: truncated fat header", ErrMalformedBody)
		}
		flags := binary.LittleEndian.Uint16(data)
		out.Fat = true
		out.HeaderSize = int(flags>>12) * 4
		if out.HeaderSize < fatHeaderSize {
			return nil, fmt.Errorf("%w: fat header size %d", ErrMalformedBody, out.HeaderSize)
		}
		out.InitLocals = flags&initLocalsBit != 0
		out.MaxStack = binary.LittleEndian.Uint16(data[2:])
		out.CodeSize = int(binary.LittleEndian.Uint32(data[4:]))
		out.LocalVarSig = metadata.Token(binary.LittleEndian.Uint32(data[8:]))
	default:
		return nil, fmt.Errorf("%w: header byte 0x%02x", ErrMalformedBody, data[0])
	}
	if out.CodeSize < 0 || out.HeaderSize+out.CodeSize > len(data) {
		return nil, fmt.Errorf("%w: code size %d overruns the image", ErrMalformedBody, out.CodeSize)
	}

	code := data[out.HeaderSize : out.HeaderSize+out.CodeSize]
	for pos := 0; pos < len(code); {
		var second uint8
		if pos+1 < len(code) {
			second = code[pos+1]
		}
		op, n, err := lookup(code[pos], second)
		if err != nil {
			return nil, fmt.Errorf("offset 0x%x: %w", pos, err)
		}
		pos += n
		instr, size, err := decodeOperand(op, code[pos:])
		if err != nil {
			return nil, fmt.Errorf("offset 0x%x (%s): %w", pos, op.Name, err)
		}
		pos += size
		out.Instructions = append(out.Instructions, instr)
	}
	return out, nil
}

func decodeOperand(op *OpCode, data []byte) (Instruction, int, error) {
	instr := Instruction{OpCode: op}
	size := op.Operand.size()
	if op.Operand == InlineSwitch {
		if len(data) < 4 {
			return instr, 0, fmt.Errorf("%w: truncated switch", ErrMalformedBody)
		}
		count := int(binary.LittleEndian.Uint32(data))
		if count > (len(data)-4)/4 {
			return instr, 0, fmt.Errorf("%w: switch table overruns the code", ErrMalformedBody)
		}
		targets := make([]int32, count)
		for i := range targets {
			targets[i] = int32(binary.LittleEndian.Uint32(data[4+4*i:]))
		}
		instr.Operand = targets
		return instr, 4 + 4*count, nil
	}
	if len(data) < size {
		return instr, 0, fmt.Errorf("%w: truncated operand", ErrMalformedBody)
	}
	switch op.Operand {
	case InlineNone:
	case ShortInlineVar:
		instr.Operand = int(data[0])
	case InlineVar:
		instr.Operand = int(binary.LittleEndian.Uint16(data))
	case ShortInlineI, ShortInlineBrTarget:
		instr.Operand = int32(int8(data[0]))
	case InlineI, InlineBrTarget:
		instr.Operand = int32(binary.LittleEndian.Uint32(data))
	case InlineI8:
		instr.Operand = int64(binary.LittleEndian.Uint64(data))
	case ShortInlineR:
		instr.Operand = math.Float32frombits(binary.LittleEndian.Uint32(data))
	case InlineR:
		instr.Operand = math.Float64frombits(binary.LittleEndian.Uint64(data))
	default:
		instr.Operand = metadata.Token(binary.LittleEndian.Uint32(data))
	}
	return instr, size, nil
}
