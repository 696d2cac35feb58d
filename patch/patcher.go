package patch

import (
	"cmp"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/nativepatch/module"
)

// Options configures Patch.
type Options struct {
	// Marker is the marker attribute name, full or simple. Empty means
	// DefaultMarker.
	Marker string
	// DryRun lists candidates and builds their call sites without touching
	// any body.
	DryRun bool
	Logger zerolog.Logger
}

// Result lists what Patch did, in candidate order.
type Result struct {
	Marker  string
	Methods []*Rewrite
}

// Patch resolves the marker, then rewrites every candidate. The first error
// aborts the whole batch; the caller must not write the module then.
func Patch(mod *module.Module, opts Options) (*Result, error) {
	markerName := cmp.Or(opts.Marker, DefaultMarker)
	scanner, err := NewScanner(mod, markerName)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	result := &Result{Marker: scanner.Marker().FullName()}

	candidates := scanner.Candidates()
	logger.Debug().Str("marker", result.Marker).Int("candidates", len(candidates)).Msg("scanned module")

	rewriter := NewRewriter(logger)
	for _, candidate := range candidates {
		site, err := BuildCallSite(candidate.Method)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("method", candidate.Method.FullName()).Stringer("call_site", site).Msg("built call site")

		if opts.DryRun {
			field, err := functionPointerField(candidate.Method)
			if err != nil {
				return nil, err
			}
			result.Methods = append(result.Methods, &Rewrite{Method: candidate.Method, CallSite: site, Field: field, State: Unpatched})
			continue
		}
		rewrite, err := rewriter.Rewrite(candidate, site)
		if err != nil {
			return nil, err
		}
		logger.Info().
			Str("method", candidate.Method.FullName()).
			Str("field", rewrite.Field.Name).
			Int("pinned_locals", rewrite.PinnedLocals).
			Msg("patched method")
		result.Methods = append(result.Methods, rewrite)
	}
	return result, nil
}
