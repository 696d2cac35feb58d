// Package patch finds marker-annotated methods and rewrites their bodies into
// a call through a native function pointer.
package patch

import (
	"fmt"

	"github.com/sliverarmory/nativepatch/module"
)

// DefaultMarker is the marker attribute looked up when none is configured.
const DefaultMarker = "NativeCallAttribute"

// Scanner holds the marker type resolved against a freshly loaded module.
type Scanner struct {
	module *module.Module
	marker *module.Type
}

// Candidate is a marked method together with the marker annotations that
// matched: one for a marker applied once, one per application otherwise.
type Candidate struct {
	Method *module.Method

	annotations []*module.Annotation
	removed     bool
}

// NewScanner resolves markerName among the module's top-level types. It must
// run before any mutation of the module.
func NewScanner(mod *module.Module, markerName string) (*Scanner, error) {
	marker := mod.FindType(markerName)
	if marker == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarkerTypeNotFound, markerName)
	}
	return &Scanner{module: mod, marker: marker}, nil
}

// Marker returns the resolved marker type.
func (scanner *Scanner) Marker() *module.Type {
	return scanner.marker
}

// Candidates lists every method annotated with the marker, in type then
// method declaration order. Annotations are compared by resolved type, so an
// unrelated attribute sharing the marker's simple name never matches.
func (scanner *Scanner) Candidates() []*Candidate {
	var candidates []*Candidate
	for _, typ := range scanner.module.Types() {
		for _, method := range typ.Methods {
			var matched []*module.Annotation
			for _, annotation := range method.Annotations {
				if annotation.Type == scanner.marker {
					matched = append(matched, annotation)
				}
			}
			if len(matched) > 0 {
				candidates = append(candidates, &Candidate{Method: method, annotations: matched})
			}
		}
	}
	return candidates
}

// Remove deletes exactly the marker annotations the candidate matched and
// leaves every other annotation on the method in place. Repeated calls are
// no-ops.
func (candidate *Candidate) Remove() error {
	if candidate.removed {
		return nil
	}
	for _, annotation := range candidate.annotations {
		if err := candidate.Method.RemoveAnnotation(annotation); err != nil {
			return err
		}
	}
	candidate.removed = true
	return nil
}
