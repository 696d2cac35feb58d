package metadata

import (
	"fmt"
	"strings"
)

// ElementType is a signature element type code (II.23.1.16).
type ElementType uint8

const (
	ElementEnd         ElementType = 0x00
	ElementVoid        ElementType = 0x01
	ElementBoolean     ElementType = 0x02
	ElementChar        ElementType = 0x03
	ElementI1          ElementType = 0x04
	ElementU1          ElementType = 0x05
	ElementI2          ElementType = 0x06
	ElementU2          ElementType = 0x07
	ElementI4          ElementType = 0x08
	ElementU4          ElementType = 0x09
	ElementI8          ElementType = 0x0a
	ElementU8          ElementType = 0x0b
	ElementR4          ElementType = 0x0c
	ElementR8          ElementType = 0x0d
	ElementString      ElementType = 0x0e
	ElementPtr         ElementType = 0x0f
	ElementByRef       ElementType = 0x10
	ElementValueType   ElementType = 0x11
	ElementClass       ElementType = 0x12
	ElementVar         ElementType = 0x13
	ElementArray       ElementType = 0x14
	ElementGenericInst ElementType = 0x15
	ElementTypedByRef  ElementType = 0x16
	ElementI           ElementType = 0x18
	ElementU           ElementType = 0x19
	ElementFnPtr       ElementType = 0x1b
	ElementObject      ElementType = 0x1c
	ElementSzArray     ElementType = 0x1d
	ElementMVar        ElementType = 0x1e
	ElementCModReqd    ElementType = 0x1f
	ElementCModOpt     ElementType = 0x20
	ElementSentinel    ElementType = 0x41
	ElementPinned      ElementType = 0x45
)

var primitiveNames = map[ElementType]string{
	ElementVoid: "void", ElementBoolean: "bool", ElementChar: "char",
	ElementI1: "int8", ElementU1: "uint8", ElementI2: "int16", ElementU2: "uint16",
	ElementI4: "int32", ElementU4: "uint32", ElementI8: "int64", ElementU8: "uint64",
	ElementR4: "float32", ElementR8: "float64", ElementString: "string",
	ElementTypedByRef: "typedref", ElementI: "native int", ElementU: "native uint",
	ElementObject: "object",
}

// CallingConvention is the leading byte of a method signature.
type CallingConvention uint8

const (
	CallDefault      CallingConvention = 0x00
	CallUnmanagedC   CallingConvention = 0x01
	CallStdCall      CallingConvention = 0x02
	CallThisCall     CallingConvention = 0x03
	CallFastCall     CallingConvention = 0x04
	CallVarArg       CallingConvention = 0x05
	callField        CallingConvention = 0x06
	callLocalSig     CallingConvention = 0x07
	CallGeneric      CallingConvention = 0x10
	CallHasThis      CallingConvention = 0x20
	CallExplicitThis CallingConvention = 0x40

	callKindMask CallingConvention = 0x0f
)

// Kind returns the convention with the modifier bits stripped.
func (cc CallingConvention) Kind() CallingConvention {
	return cc & callKindMask
}

func (cc CallingConvention) String() string {
	var name string
	switch cc.Kind() {
	case CallDefault:
		name = "default"
	case CallUnmanagedC:
		name = "unmanaged cdecl"
	case CallStdCall:
		name = "unmanaged stdcall"
	case CallThisCall:
		name = "unmanaged thiscall"
	case CallFastCall:
		name = "unmanaged fastcall"
	case CallVarArg:
		name = "vararg"
	default:
		name = fmt.Sprintf("callconv(0x%02x)", uint8(cc.Kind()))
	}
	if cc&CallGeneric != 0 {
		name += " generic"
	}
	if cc&CallHasThis != 0 {
		name = "instance " + name
	}
	return name
}

// CustomMod is a modreq/modopt prefix on a type.
type CustomMod struct {
	Required bool
	Type     Token
}

// ArrayShape describes a general ELEMENT_TYPE_ARRAY.
type ArrayShape struct {
	Rank        uint32
	Sizes       []uint32
	LowerBounds []int32
}

// Type is a decoded signature type. Kind selects which other fields are set:
// Token for Class/ValueType, Elem for Ptr/ByRef/SzArray/Array/Pinned and the
// generic type of GenericInst, Args for GenericInst, Number for Var/MVar,
// Method for FnPtr, Shape for Array.
type Type struct {
	Kind   ElementType
	Mods   []CustomMod
	Token  Token
	Elem   *Type
	Args   []*Type
	Number uint32
	Method *MethodSig
	Shape  *ArrayShape
}

// Primitive returns a type with no operands.
func Primitive(kind ElementType) *Type {
	return &Type{Kind: kind}
}

// PointerTo returns elem*.
func PointerTo(elem *Type) *Type {
	return &Type{Kind: ElementPtr, Elem: elem}
}

// ByRefTo returns elem&.
func ByRefTo(elem *Type) *Type {
	return &Type{Kind: ElementByRef, Elem: elem}
}

// PinnedOf returns the pinned variant of t, valid only in local signatures.
func PinnedOf(t *Type) *Type {
	return &Type{Kind: ElementPinned, Elem: t}
}

// ValueTypeOf returns a value type reference.
func ValueTypeOf(tok Token) *Type {
	return &Type{Kind: ElementValueType, Token: tok}
}

// ClassOf returns a reference type reference.
func ClassOf(tok Token) *Type {
	return &Type{Kind: ElementClass, Token: tok}
}

// IsByRef reports whether t is a managed reference.
func (t *Type) IsByRef() bool {
	return t != nil && t.Kind == ElementByRef
}

// IsPointerSized reports whether values of t occupy one native word and can
// hold an address.
func (t *Type) IsPointerSized() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case ElementI, ElementU, ElementPtr, ElementFnPtr:
		return true
	}
	return false
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	var b strings.Builder
	for _, mod := range t.Mods {
		if mod.Required {
			fmt.Fprintf(&b, "modreq(%s) ", mod.Type)
		} else {
			fmt.Fprintf(&b, "modopt(%s) ", mod.Type)
		}
	}
	if name, ok := primitiveNames[t.Kind]; ok {
		b.WriteString(name)
		return b.String()
	}
	switch t.Kind {
	case ElementPtr:
		b.WriteString(t.Elem.String() + "*")
	case ElementByRef:
		b.WriteString(t.Elem.String() + "&")
	case ElementPinned:
		b.WriteString(t.Elem.String() + " pinned")
	case ElementSzArray:
		b.WriteString(t.Elem.String() + "[]")
	case ElementArray:
		fmt.Fprintf(&b, "%s[%s]", t.Elem, strings.Repeat(",", max(int(t.Shape.Rank)-1, 0)))
	case ElementValueType:
		fmt.Fprintf(&b, "valuetype %s", t.Token)
	case ElementClass:
		fmt.Fprintf(&b, "class %s", t.Token)
	case ElementVar:
		fmt.Fprintf(&b, "!%d", t.Number)
	case ElementMVar:
		fmt.Fprintf(&b, "!!%d", t.Number)
	case ElementGenericInst:
		args := make([]string, len(t.Args))
		for i, arg := range t.Args {
			args[i] = arg.String()
		}
		fmt.Fprintf(&b, "%s<%s>", t.Elem, strings.Join(args, ", "))
	case ElementFnPtr:
		fmt.Fprintf(&b, "method %s", t.Method)
	default:
		fmt.Fprintf(&b, "element(0x%02x)", uint8(t.Kind))
	}
	return b.String()
}

// MethodSig is a MethodDefSig, MethodRefSig or StandAloneMethodSig.
// When HasSentinel is set, Sentinel is the index in Params where the
// variable arguments of a vararg call site start.
type MethodSig struct {
	CallConv          CallingConvention
	GenericParamCount uint32
	Return            *Type
	Params            []*Type
	HasSentinel       bool
	Sentinel          int
}

func (sig *MethodSig) String() string {
	if sig == nil {
		return "<nil>"
	}
	params := make([]string, len(sig.Params))
	for i, p := range sig.Params {
		params[i] = p.String()
	}
	return fmt.Sprintf("%s %s(%s)", sig.CallConv, sig.Return, strings.Join(params, ", "))
}

// ParseMethodSig decodes a method signature blob.
func ParseMethodSig(blob []byte) (*MethodSig, error) {
	d := sigDecoder{data: blob}
	sig, err := d.methodSig()
	if err != nil {
		return nil, err
	}
	if d.pos != len(blob) {
		return nil, fmt.Errorf("%w: %d trailing bytes after method signature", ErrMalformed, len(blob)-d.pos)
	}
	return sig, nil
}

// Encode serializes the signature.
func (sig *MethodSig) Encode() ([]byte, error) {
	var e sigEncoder
	if err := e.methodSig(sig); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// ParseFieldSig decodes a field signature blob and returns the field type.
func ParseFieldSig(blob []byte) (*Type, error) {
	d := sigDecoder{data: blob}
	if cc := d.next(); d.err == nil && CallingConvention(cc) != callField {
		return nil, fmt.Errorf("%w: field signature starts with 0x%02x", ErrMalformed, cc)
	}
	t := d.typ()
	if d.err != nil {
		return nil, d.err
	}
	return t, nil
}

// EncodeFieldSig serializes a field signature.
func EncodeFieldSig(t *Type) ([]byte, error) {
	e := sigEncoder{buf: []byte{byte(callField)}}
	if err := e.typ(t); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// ParseLocalVarSig decodes a LocalVarSig blob.
func ParseLocalVarSig(blob []byte) ([]*Type, error) {
	d := sigDecoder{data: blob}
	if cc := d.next(); d.err == nil && CallingConvention(cc) != callLocalSig {
		return nil, fmt.Errorf("%w: local signature starts with 0x%02x", ErrMalformed, cc)
	}
	count := d.compressed()
	if d.err != nil {
		return nil, d.err
	}
	if int(count) > len(blob) {
		return nil, fmt.Errorf("%w: local count %d exceeds signature size", ErrMalformed, count)
	}
	locals := make([]*Type, 0, count)
	for i := uint32(0); i < count; i++ {
		locals = append(locals, d.local())
		if d.err != nil {
			return nil, d.err
		}
	}
	return locals, nil
}

// EncodeLocalVarSig serializes a LocalVarSig.
func EncodeLocalVarSig(locals []*Type) ([]byte, error) {
	e := sigEncoder{buf: []byte{byte(callLocalSig)}}
	if err := e.compressed(uint32(len(locals))); err != nil {
		return nil, err
	}
	for i, local := range locals {
		if err := e.typ(local); err != nil {
			return nil, fmt.Errorf("local %d: %w", i, err)
		}
	}
	return e.buf, nil
}

type sigDecoder struct {
	data  []byte
	pos   int
	err   error
	depth int
}

const maxSigDepth = 64

func (d *sigDecoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
	}
}

func (d *sigDecoder) next() byte {
	if d.err != nil {
		return 0
	}
	if d.pos >= len(d.data) {
		d.fail("truncated signature")
		return 0
	}
	b := d.data[d.pos]
	d.pos++
	return b
}

func (d *sigDecoder) peek() byte {
	if d.err != nil || d.pos >= len(d.data) {
		d.fail("truncated signature")
		return 0
	}
	return d.data[d.pos]
}

func (d *sigDecoder) compressed() uint32 {
	if d.err != nil {
		return 0
	}
	v, n, err := ReadCompressedUint(d.data[d.pos:])
	if err != nil {
		d.err = err
		return 0
	}
	d.pos += n
	return v
}

func (d *sigDecoder) compressedInt() int32 {
	if d.err != nil {
		return 0
	}
	v, n, err := ReadCompressedInt(d.data[d.pos:])
	if err != nil {
		d.err = err
		return 0
	}
	d.pos += n
	return v
}

func (d *sigDecoder) typeDefOrRef() Token {
	coded := d.compressed()
	if d.err != nil {
		return 0
	}
	tok, err := TypeDefOrRef.Decode(coded)
	if err != nil {
		d.err = err
	}
	return tok
}

func (d *sigDecoder) methodSig() (*MethodSig, error) {
	sig := &MethodSig{}
	sig.CallConv = CallingConvention(d.next())
	if sig.CallConv&CallGeneric != 0 {
		sig.GenericParamCount = d.compressed()
	}
	count := d.compressed()
	if d.err != nil {
		return nil, d.err
	}
	if int(count) > len(d.data) {
		return nil, fmt.Errorf("%w: parameter count %d exceeds signature size", ErrMalformed, count)
	}
	sig.Return = d.typ()
	for i := uint32(0); i < count && d.err == nil; i++ {
		if d.peek() == byte(ElementSentinel) {
			d.pos++
			sig.HasSentinel = true
			sig.Sentinel = int(i)
		}
		sig.Params = append(sig.Params, d.typ())
	}
	if d.err != nil {
		return nil, d.err
	}
	return sig, nil
}

func (d *sigDecoder) mods() []CustomMod {
	var mods []CustomMod
	for d.err == nil && d.pos < len(d.data) {
		b := ElementType(d.data[d.pos])
		if b != ElementCModReqd && b != ElementCModOpt {
			break
		}
		d.pos++
		mods = append(mods, CustomMod{Required: b == ElementCModReqd, Type: d.typeDefOrRef()})
	}
	return mods
}

// local decodes one LocalVarSig entry, where PINNED may prefix the type.
func (d *sigDecoder) local() *Type {
	mods := d.mods()
	if d.err == nil && d.peek() == byte(ElementPinned) {
		d.pos++
		inner := d.typ()
		return &Type{Kind: ElementPinned, Mods: mods, Elem: inner}
	}
	t := d.typ()
	if t != nil && len(mods) > 0 {
		t.Mods = append(mods, t.Mods...)
	}
	return t
}

func (d *sigDecoder) typ() *Type {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxSigDepth {
		d.fail("signature nesting too deep")
		return nil
	}

	t := &Type{Mods: d.mods()}
	t.Kind = ElementType(d.next())
	if d.err != nil {
		return nil
	}
	if _, ok := primitiveNames[t.Kind]; ok {
		return t
	}
	switch t.Kind {
	case ElementPtr, ElementByRef, ElementSzArray, ElementPinned:
		t.Elem = d.typ()
	case ElementValueType, ElementClass:
		t.Token = d.typeDefOrRef()
	case ElementVar, ElementMVar:
		t.Number = d.compressed()
	case ElementGenericInst:
		kind := ElementType(d.next())
		if kind != ElementClass && kind != ElementValueType {
			d.fail("generic instantiation of element 0x%02x", uint8(kind))
			return nil
		}
		t.Elem = &Type{Kind: kind, Token: d.typeDefOrRef()}
		count := d.compressed()
		if int(count) > len(d.data) {
			d.fail("generic argument count %d exceeds signature size", count)
			return nil
		}
		for i := uint32(0); i < count && d.err == nil; i++ {
			t.Args = append(t.Args, d.typ())
		}
	case ElementArray:
		t.Elem = d.typ()
		shape := &ArrayShape{Rank: d.compressed()}
		sizes := d.compressed()
		for i := uint32(0); i < sizes && d.err == nil; i++ {
			shape.Sizes = append(shape.Sizes, d.compressed())
		}
		bounds := d.compressed()
		for i := uint32(0); i < bounds && d.err == nil; i++ {
			shape.LowerBounds = append(shape.LowerBounds, d.compressedInt())
		}
		t.Shape = shape
	case ElementFnPtr:
		sig, err := d.methodSig()
		if err != nil {
			d.err = err
			return nil
		}
		t.Method = sig
	default:
		d.fail("unknown element type 0x%02x", uint8(t.Kind))
		return nil
	}
	if d.err != nil {
		return nil
	}
	return t
}

type sigEncoder struct {
	buf []byte
}

func (e *sigEncoder) compressed(v uint32) error {
	var err error
	e.buf, err = AppendCompressedUint(e.buf, v)
	return err
}

func (e *sigEncoder) typeDefOrRef(tok Token) error {
	coded, err := TypeDefOrRef.Encode(tok)
	if err != nil {
		return err
	}
	return e.compressed(coded)
}

func (e *sigEncoder) methodSig(sig *MethodSig) error {
	e.buf = append(e.buf, byte(sig.CallConv))
	if sig.CallConv&CallGeneric != 0 {
		if err := e.compressed(sig.GenericParamCount); err != nil {
			return err
		}
	}
	if err := e.compressed(uint32(len(sig.Params))); err != nil {
		return err
	}
	if err := e.typ(sig.Return); err != nil {
		return fmt.Errorf("return type: %w", err)
	}
	for i, p := range sig.Params {
		if sig.HasSentinel && i == sig.Sentinel {
			e.buf = append(e.buf, byte(ElementSentinel))
		}
		if err := e.typ(p); err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
	}
	return nil
}

func (e *sigEncoder) typ(t *Type) error {
	if t == nil {
		return fmt.Errorf("%w: nil type in signature", ErrMalformed)
	}
	for _, mod := range t.Mods {
		if mod.Required {
			e.buf = append(e.buf, byte(ElementCModReqd))
		} else {
			e.buf = append(e.buf, byte(ElementCModOpt))
		}
		if err := e.typeDefOrRef(mod.Type); err != nil {
			return err
		}
	}
	e.buf = append(e.buf, byte(t.Kind))
	if _, ok := primitiveNames[t.Kind]; ok {
		return nil
	}
	switch t.Kind {
	case ElementPtr, ElementByRef, ElementSzArray, ElementPinned:
		return e.typ(t.Elem)
	case ElementValueType, ElementClass:
		return e.typeDefOrRef(t.Token)
	case ElementVar, ElementMVar:
		return e.compressed(t.Number)
	case ElementGenericInst:
		if t.Elem == nil {
			return fmt.Errorf("%w: generic instantiation without a generic type", ErrMalformed)
		}
		e.buf = append(e.buf, byte(t.Elem.Kind))
		if err := e.typeDefOrRef(t.Elem.Token); err != nil {
			return err
		}
		if err := e.compressed(uint32(len(t.Args))); err != nil {
			return err
		}
		for _, arg := range t.Args {
			if err := e.typ(arg); err != nil {
				return err
			}
		}
		return nil
	case ElementArray:
		if err := e.typ(t.Elem); err != nil {
			return err
		}
		if t.Shape == nil {
			return fmt.Errorf("%w: array without shape", ErrMalformed)
		}
		if err := e.compressed(t.Shape.Rank); err != nil {
			return err
		}
		if err := e.compressed(uint32(len(t.Shape.Sizes))); err != nil {
			return err
		}
		for _, size := range t.Shape.Sizes {
			if err := e.compressed(size); err != nil {
				return err
			}
		}
		if err := e.compressed(uint32(len(t.Shape.LowerBounds))); err != nil {
			return err
		}
		for _, bound := range t.Shape.LowerBounds {
			var err error
			if e.buf, err = AppendCompressedInt(e.buf, bound); err != nil {
				return err
			}
		}
		return nil
	case ElementFnPtr:
		if t.Method == nil {
			return fmt.Errorf("%w: function pointer without signature", ErrMalformed)
		}
		return e.methodSig(t.Method)
	}
	return fmt.Errorf("%w: cannot encode element type 0x%02x", ErrUnsupported, uint8(t.Kind))
}
