package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/nativepatch/internal/testimage"
	"github.com/sliverarmory/nativepatch/metadata"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	inputPath, outputPath, configPath, marker, reportPath, logLevel = "", "", "", "", "", ""
	logJSON, dryRun = false, false
	for _, name := range []string{"input", "output", "config", "marker", "report", "log-level", "log-json", "dry-run"} {
		rootCmd.Flags().Lookup(name).Changed = false
	}

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeModule(t *testing.T) string {
	t.Helper()
	path, err := testimage.WriteFile(t.TempDir(), testimage.Assembly{
		Attributes: []string{"Interop.NativeCallAttribute"},
		Types: []testimage.Type{{
			Namespace: "Interop",
			Name:      "Natives",
			Fields:    []testimage.Field{{Name: "Flush_ptr", Type: metadata.Primitive(metadata.ElementI)}},
			Methods:   []testimage.Method{{Name: "Flush", Attributes: []string{"Interop.NativeCallAttribute"}}},
		}},
	})
	require.NoError(t, err)
	return path
}

func TestRootCommandPatches(t *testing.T) {
	input := writeModule(t)
	output := filepath.Join(t.TempDir(), "out.dll")

	stdout, err := execute(t, "--input", input, "--output", output, "--log-level", "error")
	require.NoError(t, err)
	require.Contains(t, stdout, "Interop.Natives::Flush -> unmanaged stdcall void()")
	require.Contains(t, stdout, "patched 1 method(s)")
	require.FileExists(t, output)
}

func TestRootCommandRequiresInput(t *testing.T) {
	_, err := execute(t)
	require.Error(t, err)
}

func TestRootCommandConfigAndOverrides(t *testing.T) {
	input := writeModule(t)
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "report.yaml")
	configFile := filepath.Join(dir, "nativepatch.toml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
marker = "Interop.MissingAttribute"
log-level = "error"
report = "`+reportPath+`"
`), 0o600))

	_, err := execute(t, "--input", input, "--config", configFile, "--dry-run")
	require.ErrorContains(t, err, "Interop.MissingAttribute")

	stdout, err := execute(t, "--input", input, "--config", configFile, "--dry-run", "--marker", "NativeCallAttribute")
	require.NoError(t, err)
	require.Contains(t, stdout, "dry run: 1 method(s) would be patched")
	require.FileExists(t, reportPath)
}

func TestRootCommandAcceptsWarningLevel(t *testing.T) {
	input := writeModule(t)
	stdout, err := execute(t, "--input", input, "--dry-run", "--log-level", "warning")
	require.NoError(t, err)
	require.Contains(t, stdout, "dry run: 1 method(s) would be patched")
}
