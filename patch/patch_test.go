package patch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/nativepatch/cil"
	"github.com/sliverarmory/nativepatch/internal/testimage"
	"github.com/sliverarmory/nativepatch/metadata"
	"github.com/sliverarmory/nativepatch/module"
)

const marker = "Interop.NativeCallAttribute"

func prim(kind metadata.ElementType) *metadata.Type { return metadata.Primitive(kind) }

func nativeInt() *metadata.Type { return prim(metadata.ElementI) }

func static(ret *metadata.Type, params ...*metadata.Type) *metadata.MethodSig {
	return &metadata.MethodSig{Return: ret, Params: params}
}

func parse(t *testing.T, asm testimage.Assembly) *module.Module {
	t.Helper()
	if asm.Attributes == nil {
		asm.Attributes = []string{marker}
	}
	data, err := testimage.Build(asm)
	require.NoError(t, err)
	mod, err := module.Parse(data)
	require.NoError(t, err)
	return mod
}

func natives(fields []testimage.Field, methods ...testimage.Method) testimage.Assembly {
	return testimage.Assembly{Types: []testimage.Type{{Namespace: "Interop", Name: "Natives", Fields: fields, Methods: methods}}}
}

func ptrField(method string) testimage.Field {
	return testimage.Field{Name: method + "_ptr", Type: nativeInt()}
}

func opcodes(t *testing.T, method *module.Method) []string {
	t.Helper()
	dec, err := method.DecodeBody()
	require.NoError(t, err)
	var out []string
	for _, instr := range dec.Instructions {
		if instr.Operand == nil || instr.OpCode == cil.Ldarg {
			out = append(out, instr.String())
		} else {
			out = append(out, instr.OpCode.Name)
		}
	}
	return out
}

func patchAll(t *testing.T, mod *module.Module) *Result {
	t.Helper()
	result, err := Patch(mod, Options{Marker: marker, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return result
}

func TestLoadArgForms(t *testing.T) {
	params := make([]*metadata.Type, 6)
	for i := range params {
		params[i] = prim(metadata.ElementI4)
	}
	mod := parse(t, natives(
		[]testimage.Field{ptrField("Wide")},
		testimage.Method{Name: "Wide", Sig: static(prim(metadata.ElementVoid), params...), Attributes: []string{marker}},
	))
	patchAll(t, mod)

	wide := mod.FindType("Interop.Natives").Methods[0]
	want := []string{"ldarg.0", "ldarg.1", "ldarg.2", "ldarg.3", "ldarg 4", "ldarg 5", "ldsfld", "calli", "ret"}
	if diff := cmp.Diff(want, opcodes(t, wide)); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestZeroParameterMethod(t *testing.T) {
	mod := parse(t, natives(
		[]testimage.Field{ptrField("Flush")},
		testimage.Method{Name: "Flush", Attributes: []string{marker}},
	))
	result := patchAll(t, mod)
	require.Len(t, result.Methods, 1)
	require.Zero(t, result.Methods[0].PinnedLocals)
	require.Equal(t, MarkerRemoved, result.Methods[0].State)

	typ := mod.FindType("Interop.Natives")
	flush := typ.Methods[0]
	require.Equal(t, []string{"ldsfld", "calli", "ret"}, opcodes(t, flush))

	dec, err := flush.DecodeBody()
	require.NoError(t, err)
	require.False(t, dec.Fat)
	require.False(t, dec.InitLocals)
	require.True(t, dec.LocalVarSig.IsNil())
	require.Equal(t, typ.Field("Flush_ptr").Token(), dec.Instructions[0].Operand)

	blob, err := mod.StandAloneSig(dec.Instructions[1].Operand.(metadata.Token))
	require.NoError(t, err)
	sig, err := metadata.ParseMethodSig(blob)
	require.NoError(t, err)
	require.Equal(t, "unmanaged stdcall void()", sig.String())
	require.Empty(t, flush.Annotations)
}

func TestByRefParameterIsPinned(t *testing.T) {
	mod := parse(t, natives(
		[]testimage.Field{ptrField("Fill")},
		testimage.Method{
			Name:       "Fill",
			Sig:        static(prim(metadata.ElementI4), metadata.ByRefTo(prim(metadata.ElementR4))),
			ParamNames: []string{"value"},
			Attributes: []string{marker},
		},
	))
	result := patchAll(t, mod)
	require.Equal(t, 1, result.Methods[0].PinnedLocals)
	require.Equal(t, "unmanaged stdcall int32(float32* value)", result.Methods[0].CallSite.String())

	fill := mod.FindType("Interop.Natives").Methods[0]
	require.Equal(t, []string{"ldarg.0", "stloc.0", "ldloc.0", "conv.u", "ldsfld", "calli", "ret"}, opcodes(t, fill))

	dec, err := fill.DecodeBody()
	require.NoError(t, err)
	require.True(t, dec.InitLocals)
	locals, err := mod.Locals(dec.LocalVarSig)
	require.NoError(t, err)
	require.Len(t, locals, 1)
	require.Equal(t, metadata.ElementPinned, locals[0].Kind)
	require.Equal(t, "float32& pinned", locals[0].String())
}

func TestMixedParametersUseOneLocalPerByRef(t *testing.T) {
	i4 := prim(metadata.ElementI4)
	mod := parse(t, natives(
		[]testimage.Field{ptrField("Blit")},
		testimage.Method{
			Name: "Blit",
			Sig: static(prim(metadata.ElementVoid),
				i4, i4, i4, i4, metadata.ByRefTo(i4), i4, metadata.ByRefTo(prim(metadata.ElementU8))),
			Attributes: []string{marker},
		},
	))
	result := patchAll(t, mod)
	require.Equal(t, 2, result.Methods[0].PinnedLocals)

	blit := mod.FindType("Interop.Natives").Methods[0]
	want := []string{
		"ldarg.0", "ldarg.1", "ldarg.2", "ldarg.3",
		"ldarg 4", "stloc.0", "ldloc.0", "conv.u",
		"ldarg 5",
		"ldarg 6", "stloc.1", "ldloc.1", "conv.u",
		"ldsfld", "calli", "ret",
	}
	if diff := cmp.Diff(want, opcodes(t, blit)); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
	dec, err := blit.DecodeBody()
	require.NoError(t, err)
	require.Equal(t, uint16(8), dec.MaxStack)
}

func TestMissingFunctionPointerField(t *testing.T) {
	tests := []struct {
		name   string
		fields []testimage.Field
	}{
		{name: "absent"},
		{name: "instance", fields: []testimage.Field{{Name: "Run_ptr", Flags: testimage.InstanceField, Type: nativeInt()}}},
		{name: "not pointer-sized", fields: []testimage.Field{{Name: "Run_ptr", Type: prim(metadata.ElementI4)}}},
		{name: "wrong name", fields: []testimage.Field{ptrField("Walk")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := parse(t, natives(tt.fields, testimage.Method{Name: "Run", Attributes: []string{marker}}))
			_, err := Patch(mod, Options{Marker: marker, Logger: zerolog.Nop()})
			require.ErrorIs(t, err, ErrMissingFunctionPointerField)
			require.ErrorContains(t, err, "Interop.Natives")
			require.False(t, mod.Modified())
		})
	}
}

func TestFailureAbortsBatch(t *testing.T) {
	mod := parse(t, natives(
		[]testimage.Field{ptrField("First")},
		testimage.Method{Name: "First", Attributes: []string{marker}},
		testimage.Method{Name: "Second", Attributes: []string{marker}},
	))
	_, err := Patch(mod, Options{Marker: marker, Logger: zerolog.Nop()})
	require.ErrorIs(t, err, ErrMissingFunctionPointerField)
	require.ErrorContains(t, err, "Second_ptr")
}

func TestStringParameterIsRejected(t *testing.T) {
	for _, typ := range []*metadata.Type{prim(metadata.ElementString), metadata.ByRefTo(prim(metadata.ElementString))} {
		mod := parse(t, natives(
			[]testimage.Field{ptrField("Print")},
			testimage.Method{
				Name:       "Print",
				Sig:        static(prim(metadata.ElementVoid), prim(metadata.ElementI4), typ),
				ParamNames: []string{"level", "text"},
				Attributes: []string{marker},
			},
		))
		_, err := Patch(mod, Options{Marker: marker, Logger: zerolog.Nop()})
		require.ErrorIs(t, err, ErrUnsupportedParameterKind)
		require.ErrorContains(t, err, "Interop.Natives::Print")
		require.ErrorContains(t, err, "text")
		require.False(t, mod.Modified())

		method := mod.FindType("Interop.Natives").Methods[0]
		require.Len(t, method.Annotations, 1)
		require.Equal(t, []string{"ldnull", "throw"}, opcodes(t, method))
	}
}

func TestMarkerTypeNotFound(t *testing.T) {
	mod := parse(t, natives(nil, testimage.Method{Name: "Run"}))
	_, err := Patch(mod, Options{Marker: "Interop.MissingAttribute", Logger: zerolog.Nop()})
	require.ErrorIs(t, err, ErrMarkerTypeNotFound)

	_, err = NewScanner(mod, "")
	require.ErrorIs(t, err, ErrMarkerTypeNotFound)
}

func TestDefaultMarkerName(t *testing.T) {
	mod := parse(t, natives(
		[]testimage.Field{ptrField("Run")},
		testimage.Method{Name: "Run", Attributes: []string{marker}},
	))
	result, err := Patch(mod, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Equal(t, marker, result.Marker)
	require.Len(t, result.Methods, 1)
}

func TestScannerMatchesTypeIdentity(t *testing.T) {
	mod := parse(t, testimage.Assembly{
		Attributes: []string{marker, "Other.NativeCallAttribute", "Interop.TraceAttribute"},
		Types: []testimage.Type{
			{
				Namespace: "Interop",
				Name:      "Natives",
				Fields:    []testimage.Field{ptrField("Alpha"), ptrField("Gamma")},
				Methods: []testimage.Method{
					{Name: "Alpha", Attributes: []string{"Interop.TraceAttribute", marker}},
					{Name: "Beta", Attributes: []string{"Other.NativeCallAttribute"}},
					{Name: "Gamma", Attributes: []string{marker, marker}},
					{Name: "Delta", ExternalAttributes: []string{"System.NativeCallAttribute"}},
				},
			},
			{
				Name:    "Late",
				Fields:  []testimage.Field{ptrField("Omega")},
				Methods: []testimage.Method{{Name: "Omega", Attributes: []string{marker}}},
			},
		},
	})
	scanner, err := NewScanner(mod, marker)
	require.NoError(t, err)

	var names []string
	for _, candidate := range scanner.Candidates() {
		names = append(names, candidate.Method.FullName())
	}
	require.Equal(t, []string{"Interop.Natives::Alpha", "Interop.Natives::Gamma", "Late::Omega"}, names)

	patchAll(t, mod)
	methods := mod.FindType("Interop.Natives").Methods
	require.Len(t, methods[0].Annotations, 1)
	require.Equal(t, "TraceAttribute", methods[0].Annotations[0].Type.Name)
	require.Len(t, methods[1].Annotations, 1)
	require.Empty(t, methods[2].Annotations)
	require.Len(t, methods[3].Annotations, 1)
	require.Equal(t, []string{"ldnull", "throw"}, opcodes(t, methods[1]))

	again, err := NewScanner(mod, marker)
	require.NoError(t, err)
	require.Empty(t, again.Candidates())
}

func TestCandidateRemoveKeepsOtherAnnotations(t *testing.T) {
	mod := parse(t, testimage.Assembly{
		Attributes: []string{marker, "Interop.TraceAttribute"},
		Types: []testimage.Type{{
			Namespace: "Interop",
			Name:      "Natives",
			Methods: []testimage.Method{
				{Name: "Once", Attributes: []string{"Interop.TraceAttribute", marker}},
				{Name: "Twice", Attributes: []string{marker, "Interop.TraceAttribute", marker}},
			},
		}},
	})
	scanner, err := NewScanner(mod, marker)
	require.NoError(t, err)
	candidates := scanner.Candidates()
	require.Len(t, candidates, 2)

	for _, candidate := range candidates {
		require.NoError(t, candidate.Remove())
		require.NoError(t, candidate.Remove())
		require.Len(t, candidate.Method.Annotations, 1, candidate.Method.Name)
		require.Equal(t, "TraceAttribute", candidate.Method.Annotations[0].Type.Name)
	}
	require.Empty(t, scanner.Candidates())
}

func TestUnsupportedMethodKinds(t *testing.T) {
	i4 := prim(metadata.ElementI4)
	tests := []struct {
		name   string
		method testimage.Method
	}{
		{
			name: "instance",
			method: testimage.Method{
				Flags: testimage.PublicInstance,
				Sig:   &metadata.MethodSig{CallConv: metadata.CallHasThis, Return: i4},
			},
		},
		{
			name: "generic",
			method: testimage.Method{
				Sig: &metadata.MethodSig{CallConv: metadata.CallGeneric, GenericParamCount: 1, Return: i4},
			},
		},
		{
			name:   "abstract",
			method: testimage.Method{Flags: testimage.PublicStatic | testimage.Abstract},
		},
		{
			name:   "pinvoke",
			method: testimage.Method{Flags: testimage.PublicStatic | testimage.PInvokeImpl},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.method.Name = "Run"
			tt.method.Attributes = []string{marker}
			mod := parse(t, natives([]testimage.Field{ptrField("Run")}, tt.method))
			_, err := Patch(mod, Options{Marker: marker, Logger: zerolog.Nop()})
			require.ErrorIs(t, err, ErrUnsupportedMethodKind)
			require.False(t, mod.Modified())
		})
	}
}

func TestDryRunLeavesModuleUntouched(t *testing.T) {
	mod := parse(t, natives(
		[]testimage.Field{ptrField("Run")},
		testimage.Method{Name: "Run", Sig: static(prim(metadata.ElementVoid), metadata.ByRefTo(prim(metadata.ElementI4))), Attributes: []string{marker}},
	))
	result, err := Patch(mod, Options{Marker: marker, DryRun: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Len(t, result.Methods, 1)
	require.Equal(t, Unpatched, result.Methods[0].State)
	require.Equal(t, "Run_ptr", result.Methods[0].Field.Name)
	require.False(t, mod.Modified())
}

func TestRerunOnOutputIsNoOp(t *testing.T) {
	mod := parse(t, natives(
		[]testimage.Field{ptrField("Run")},
		testimage.Method{Name: "Run", Sig: static(prim(metadata.ElementVoid), metadata.ByRefTo(prim(metadata.ElementI4))), Attributes: []string{marker}},
	))
	patchAll(t, mod)
	first, err := mod.Bytes()
	require.NoError(t, err)

	second, err := module.Parse(first)
	require.NoError(t, err)
	result := patchAll(t, second)
	require.Empty(t, result.Methods)
	require.False(t, second.Modified())
	out, err := second.Bytes()
	require.NoError(t, err)
	require.Equal(t, first, out)
}
