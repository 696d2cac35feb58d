package patch

import "errors"

var (
	// ErrMarkerTypeNotFound reports a marker name that matches no top-level
	// type of the module.
	ErrMarkerTypeNotFound = errors.New("marker type not found")
	// ErrMissingFunctionPointerField reports a marked method whose declaring
	// type has no usable <Name>_ptr field.
	ErrMissingFunctionPointerField = errors.New("missing function pointer field")
	// ErrUnsupportedParameterKind reports a parameter the native call-through
	// cannot carry. Strings are the only such kind.
	ErrUnsupportedParameterKind = errors.New("unsupported parameter kind")
	// ErrUnsupportedMethodKind reports a marked method whose shape cannot be
	// turned into a static call-through.
	ErrUnsupportedMethodKind = errors.New("unsupported method kind")
)
