package cil

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/nativepatch/metadata"
)

var (
	// ErrUnknownOpCode reports an opcode outside the decoding table.
	ErrUnknownOpCode = errors.New("unknown opcode")
	// ErrBadOperand reports an operand that does not fit its opcode.
	ErrBadOperand = errors.New("bad operand")
	// ErrStack reports a stack depth that cannot be computed or underflows.
	ErrStack = errors.New("evaluation stack error")
	// ErrMalformedBody reports a method body header or stream that cannot be decoded.
	ErrMalformedBody = errors.New("malformed method body")
)

// Instruction is one opcode with its operand. Operand types by kind:
// int for variable indices, int32/int64/float32/float64 for constants,
// int32 for branch displacements, []int32 for switch tables,
// metadata.Token for member and string tokens, and either a metadata.Token
// or a *metadata.MethodSig for calli.
type Instruction struct {
	OpCode  *OpCode
	Operand any
}

func (instr Instruction) String() string {
	if instr.Operand == nil {
		return instr.OpCode.Name
	}
	return fmt.Sprintf("%s %v", instr.OpCode.Name, instr.Operand)
}

var (
	compactLdarg = [4]*OpCode{Ldarg0, Ldarg1, Ldarg2, Ldarg3}
	compactLdloc = [4]*OpCode{Ldloc0, Ldloc1, Ldloc2, Ldloc3}
	compactStloc = [4]*OpCode{Stloc0, Stloc1, Stloc2, Stloc3}
)

// LoadArg loads argument i: ldarg.0 through ldarg.3 for the first four,
// the generic ldarg with a uint16 operand for the rest.
func LoadArg(i int) Instruction {
	return indexed(compactLdarg, Ldarg, i)
}

// LoadLocal loads local i with the same compact/generic split as LoadArg.
func LoadLocal(i int) Instruction {
	return indexed(compactLdloc, Ldloc, i)
}

// StoreLocal stores into local i with the same compact/generic split.
func StoreLocal(i int) Instruction {
	return indexed(compactStloc, Stloc, i)
}

func indexed(compact [4]*OpCode, generic *OpCode, i int) Instruction {
	if i >= 0 && i < len(compact) {
		return Instruction{OpCode: compact[i]}
	}
	return Instruction{OpCode: generic, Operand: i}
}

// Op returns an instruction without an operand.
func Op(op *OpCode) Instruction {
	return Instruction{OpCode: op}
}

// OpToken returns an instruction whose operand is a metadata token.
func OpToken(op *OpCode, tok metadata.Token) Instruction {
	return Instruction{OpCode: op, Operand: tok}
}

// CallIndirect returns a calli whose signature is registered as a
// StandAloneSig when the body is encoded.
func CallIndirect(sig *metadata.MethodSig) Instruction {
	return Instruction{OpCode: Calli, Operand: sig}
}

// Size returns the encoded size of the instruction.
func (instr Instruction) Size() int {
	size := instr.OpCode.Size() + instr.OpCode.Operand.size()
	if instr.OpCode.Operand == InlineSwitch {
		if targets, ok := instr.Operand.([]int32); ok {
			size += 4 * len(targets)
		}
	}
	return size
}

// MaxStack computes the maximum evaluation stack depth of a straight-line
// instruction sequence. Branches are followed as fall-through only.
func MaxStack(instrs []Instruction) (int, error) {
	depth, peak := 0, 0
	for i, instr := range instrs {
		pop, push, err := stackEffect(instr)
		if err != nil {
			return 0, fmt.Errorf("instruction %d (%s): %w", i, instr.OpCode.Name, err)
		}
		if pop == varStack {
			// ret consumes whatever is left.
			depth = 0
		} else {
			if depth < pop {
				return 0, fmt.Errorf("%w: instruction %d (%s) pops %d with depth %d", ErrStack, i, instr.OpCode.Name, pop, depth)
			}
			depth -= pop
		}
		depth += push
		peak = max(peak, depth)
	}
	return peak, nil
}

func stackEffect(instr Instruction) (int, int, error) {
	op := instr.OpCode
	if op.Pop != varStack && op.Push != varStack {
		return op.Pop, op.Push, nil
	}
	if op == Ret {
		return varStack, 0, nil
	}
	sig, ok := instr.Operand.(*metadata.MethodSig)
	if !ok {
		return 0, 0, fmt.Errorf("%w: stack effect needs a signature operand", ErrStack)
	}
	pop := len(sig.Params)
	if sig.CallConv&metadata.CallHasThis != 0 && op != Newobj {
		pop++
	}
	if op == Calli {
		pop++
	}
	push := 1
	if sig.Return != nil && sig.Return.Kind == metadata.ElementVoid && op != Newobj {
		push = 0
	}
	return pop, push, nil
}
