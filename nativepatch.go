// Package nativepatch rewrites marked methods of a managed module so that
// they call straight through a native function pointer.
package nativepatch

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/nativepatch/module"
	"github.com/sliverarmory/nativepatch/patch"
)

// Options configures Run.
type Options struct {
	// Input is the module to patch. Required.
	Input string
	// Output is where the patched module goes. Empty patches Input in place.
	Output string
	// Marker is the marker attribute name, full or simple. Empty means
	// patch.DefaultMarker.
	Marker string
	// DryRun scans and reports without writing anything but the report.
	DryRun bool
	// Report, when set, receives a YAML summary of the run.
	Report string
	Logger zerolog.Logger
}

// Run loads Input, patches every marked method and writes the result. Any
// failure aborts the run before the destination is touched.
//
// In place, Input is first copied to a temporary sibling; the module is read
// from the copy and written over Input, and the copy is removed whatever the
// outcome.
func Run(opts Options) (*Report, error) {
	if opts.Input == "" {
		return nil, errors.New("nativepatch: input path is required")
	}
	logger := opts.Logger

	source, dest := opts.Input, cmp.Or(opts.Output, opts.Input)
	inPlace := opts.Output == ""
	if inPlace && !opts.DryRun {
		tmp, err := copyToTemp(opts.Input)
		if err != nil {
			return nil, fmt.Errorf("nativepatch: %w: %s: %w", module.ErrLoad, opts.Input, err)
		}
		defer func() {
			if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.Warn().Err(err).Str("path", tmp).Msg("failed to remove temporary copy")
			}
		}()
		logger.Debug().Str("path", tmp).Msg("created temporary copy")
		source = tmp
	}

	mod, err := module.Load(source)
	if err != nil {
		return nil, fmt.Errorf("nativepatch: %w", err)
	}
	defer func() {
		if err := mod.Close(); err != nil {
			logger.Warn().Err(err).Str("path", source).Msg("failed to release module")
		}
	}()

	result, err := patch.Patch(mod, patch.Options{
		Marker: opts.Marker,
		DryRun: opts.DryRun,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("nativepatch: %w", err)
	}

	report := newReport(opts, result)
	if !opts.DryRun {
		if err := mod.Write(dest); err != nil {
			return nil, fmt.Errorf("nativepatch: %w", err)
		}
		data, err := mod.Bytes()
		if err != nil {
			return nil, fmt.Errorf("nativepatch: %w", err)
		}
		report.setOutput(dest, data)
		logger.Info().
			Str("output", dest).
			Int("methods", len(result.Methods)).
			Bool("in_place", inPlace).
			Msg("wrote module")
	}

	if opts.Report != "" {
		if err := report.WriteFile(opts.Report); err != nil {
			return report, fmt.Errorf("nativepatch: %w", err)
		}
	}
	return report, nil
}

func copyToTemp(path string) (_ string, err error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".orig-*")
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, src); err != nil {
		return "", err
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}
	return tmp.Name(), nil
}
