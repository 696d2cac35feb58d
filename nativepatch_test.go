package nativepatch

import (
	"debug/pe"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/nativepatch/internal/testimage"
	"github.com/sliverarmory/nativepatch/metadata"
	"github.com/sliverarmory/nativepatch/module"
	"github.com/sliverarmory/nativepatch/patch"
	"github.com/sliverarmory/nativepatch/peimage"
)

const marker = "Interop.NativeCallAttribute"

func i4() *metadata.Type { return metadata.Primitive(metadata.ElementI4) }

func sample(params ...*metadata.Type) testimage.Assembly {
	return testimage.Assembly{
		Attributes: []string{marker},
		Types: []testimage.Type{{
			Namespace: "Interop",
			Name:      "Natives",
			Fields: []testimage.Field{
				{Name: "Draw_ptr", Type: metadata.Primitive(metadata.ElementI)},
				{Name: "Flush_ptr", Type: metadata.Primitive(metadata.ElementI)},
			},
			Methods: []testimage.Method{
				{
					Name:       "Draw",
					Sig:        &metadata.MethodSig{Return: i4(), Params: params},
					Attributes: []string{marker},
				},
				{Name: "Flush", Attributes: []string{marker}},
			},
		}},
	}
}

func writeSample(t *testing.T, asm testimage.Assembly) string {
	t.Helper()
	path, err := testimage.WriteFile(t.TempDir(), asm)
	require.NoError(t, err)
	return path
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	list, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range list {
		names = append(names, entry.Name())
	}
	return names
}

func TestRunInPlaceMatchesExplicitOutput(t *testing.T) {
	asm := sample(i4(), metadata.ByRefTo(i4()))
	input := writeSample(t, asm)
	output := filepath.Join(t.TempDir(), "patched.dll")

	explicit, err := Run(Options{Input: input, Output: output, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.False(t, explicit.InPlace)
	require.Len(t, explicit.Methods, 2)

	inPlace, err := Run(Options{Input: input, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.True(t, inPlace.InPlace)
	require.Equal(t, input, inPlace.Output)

	require.Equal(t, readFile(t, output), readFile(t, input))
	require.Equal(t, explicit.Digest, inPlace.Digest)
	require.Equal(t, []string{filepath.Base(input)}, entries(t, filepath.Dir(input)))
}

func TestRunReportsMethods(t *testing.T) {
	input := writeSample(t, sample(i4(), metadata.ByRefTo(i4())))
	output := filepath.Join(t.TempDir(), "patched.dll")

	report, err := Run(Options{Input: input, Output: output, Marker: "NativeCallAttribute", Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Equal(t, marker, report.Marker)
	require.Equal(t, []MethodReport{
		{
			Method:       "Interop.Natives::Draw",
			Field:        "Draw_ptr",
			CallSite:     "unmanaged stdcall int32(int32 arg0, int32* arg1)",
			PinnedLocals: 1,
			State:        "marker-removed",
		},
		{
			Method:   "Interop.Natives::Flush",
			Field:    "Flush_ptr",
			CallSite: "unmanaged stdcall void()",
			State:    "marker-removed",
		},
	}, report.Methods)
	require.Equal(t, len(readFile(t, output)), report.Size)
	require.Len(t, report.Digest, 16)
}

func TestRunIsNoOpOnItsOutput(t *testing.T) {
	input := writeSample(t, sample(i4()))
	dir := t.TempDir()
	first := filepath.Join(dir, "first.dll")
	second := filepath.Join(dir, "second.dll")

	_, err := Run(Options{Input: input, Output: first, Logger: zerolog.Nop()})
	require.NoError(t, err)
	report, err := Run(Options{Input: first, Output: second, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Empty(t, report.Methods)
	require.Equal(t, readFile(t, first), readFile(t, second))
}

func TestRunFailureLeavesInputUntouched(t *testing.T) {
	input := writeSample(t, sample(metadata.Primitive(metadata.ElementString)))
	original := readFile(t, input)

	report, err := Run(Options{Input: input, Logger: zerolog.Nop()})
	require.ErrorIs(t, err, patch.ErrUnsupportedParameterKind)
	require.Nil(t, report)
	require.Contains(t, err.Error(), "Interop.Natives::Draw")

	require.Equal(t, original, readFile(t, input))
	require.Equal(t, []string{filepath.Base(input)}, entries(t, filepath.Dir(input)))
}

func TestRunMissingField(t *testing.T) {
	asm := sample()
	asm.Types[0].Fields = asm.Types[0].Fields[1:]
	input := writeSample(t, asm)
	output := filepath.Join(t.TempDir(), "patched.dll")

	_, err := Run(Options{Input: input, Output: output, Logger: zerolog.Nop()})
	require.ErrorIs(t, err, patch.ErrMissingFunctionPointerField)
	require.NoFileExists(t, output)
}

func TestRunLoadErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.dll")
	_, err := Run(Options{Input: missing, Logger: zerolog.Nop()})
	require.ErrorIs(t, err, module.ErrLoad)

	_, err = Run(Options{Input: missing, Output: filepath.Join(t.TempDir(), "out.dll"), Logger: zerolog.Nop()})
	require.ErrorIs(t, err, module.ErrLoad)

	_, err = Run(Options{Logger: zerolog.Nop()})
	require.Error(t, err)
}

func TestRunMarkerNotFound(t *testing.T) {
	input := writeSample(t, sample())
	_, err := Run(Options{Input: input, Marker: "Interop.MissingAttribute", Logger: zerolog.Nop()})
	require.ErrorIs(t, err, patch.ErrMarkerTypeNotFound)
}

func TestRunWriteError(t *testing.T) {
	input := writeSample(t, sample())
	output := filepath.Join(t.TempDir(), "no", "such", "dir", "out.dll")
	_, err := Run(Options{Input: input, Output: output, Logger: zerolog.Nop()})
	require.ErrorIs(t, err, module.ErrWrite)
}

func TestRunInPlaceWriteErrorRemovesCopy(t *testing.T) {
	input := writeSample(t, sample(i4()))
	data := readFile(t, input)
	// Occupy the spare section header slot after .text; the patched module
	// then cannot take another section.
	data[0x80+4+20+224+40+3] = 0xff
	require.NoError(t, os.WriteFile(input, data, 0o600))

	_, err := Run(Options{Input: input, Logger: zerolog.Nop()})
	require.ErrorIs(t, err, module.ErrWrite)
	require.ErrorIs(t, err, peimage.ErrNoRoom)

	require.Equal(t, data, readFile(t, input))
	require.Equal(t, []string{filepath.Base(input)}, entries(t, filepath.Dir(input)))
}

func TestRunCompilerLayout(t *testing.T) {
	asm := sample(i4(), metadata.ByRefTo(i4()))
	asm.CompilerSections = true
	input := writeSample(t, asm)

	report, err := Run(Options{Input: input, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Len(t, report.Methods, 2)

	file, err := pe.Open(input)
	require.NoError(t, err)
	defer file.Close()
	require.Len(t, file.Sections, 4)
	require.Equal(t, module.SectionName, file.Sections[3].Name)

	again, err := Run(Options{Input: input, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Empty(t, again.Methods)
	require.Equal(t, report.Digest, again.Digest)
}

func TestRunDryRun(t *testing.T) {
	input := writeSample(t, sample(i4()))
	original := readFile(t, input)
	reportPath := filepath.Join(t.TempDir(), "report.yaml")

	report, err := Run(Options{Input: input, DryRun: true, Report: reportPath, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Len(t, report.Methods, 2)
	require.Equal(t, "unpatched", report.Methods[0].State)
	require.Empty(t, report.Digest)

	require.Equal(t, original, readFile(t, input))
	require.Equal(t, []string{filepath.Base(input)}, entries(t, filepath.Dir(input)))
	require.FileExists(t, reportPath)
}

func TestRunWritesReport(t *testing.T) {
	input := writeSample(t, sample(i4()))
	output := filepath.Join(t.TempDir(), "patched.dll")
	reportPath := filepath.Join(t.TempDir(), "report.yaml")

	report, err := Run(Options{Input: input, Output: output, Report: reportPath, Logger: zerolog.Nop()})
	require.NoError(t, err)

	var back Report
	require.NoError(t, yaml.Unmarshal(readFile(t, reportPath), &back))
	require.Equal(t, *report, back)
	require.Equal(t, output, back.Output)
}
