package nativepatch

import (
	"fmt"
	"os"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/nativepatch/patch"
)

// Report summarizes one run.
type Report struct {
	Input   string         `yaml:"input"`
	Output  string         `yaml:"output,omitempty"`
	InPlace bool           `yaml:"in_place"`
	DryRun  bool           `yaml:"dry_run"`
	Marker  string         `yaml:"marker"`
	Methods []MethodReport `yaml:"methods"`
	// Size and Digest describe the written module; both are empty on a dry
	// run.
	Size   int    `yaml:"size,omitempty"`
	Digest string `yaml:"xxh3,omitempty"`
}

// MethodReport describes one candidate method.
type MethodReport struct {
	Method       string `yaml:"method"`
	Field        string `yaml:"field"`
	CallSite     string `yaml:"call_site"`
	PinnedLocals int    `yaml:"pinned_locals"`
	State        string `yaml:"state"`
}

func newReport(opts Options, result *patch.Result) *Report {
	report := &Report{
		Input:   opts.Input,
		InPlace: opts.Output == "",
		DryRun:  opts.DryRun,
		Marker:  result.Marker,
		Methods: make([]MethodReport, 0, len(result.Methods)),
	}
	for _, rewrite := range result.Methods {
		report.Methods = append(report.Methods, MethodReport{
			Method:       rewrite.Method.FullName(),
			Field:        rewrite.Field.Name,
			CallSite:     rewrite.CallSite.String(),
			PinnedLocals: rewrite.PinnedLocals,
			State:        rewrite.State.String(),
		})
	}
	return report
}

func (report *Report) setOutput(path string, data []byte) {
	report.Output = path
	report.Size = len(data)
	report.Digest = fmt.Sprintf("%016x", xxh3.Hash(data))
}

// WriteFile stores the report as YAML.
func (report *Report) WriteFile(path string) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
