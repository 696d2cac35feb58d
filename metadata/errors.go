package metadata

import "errors"

var (
	// ErrMalformed reports metadata that does not follow the physical layout.
	ErrMalformed = errors.New("malformed metadata")
	// ErrBadIndex reports a row, heap or coded index that points nowhere.
	ErrBadIndex = errors.New("metadata index out of range")
	// ErrUnsupported reports valid metadata the codec does not handle.
	ErrUnsupported = errors.New("unsupported metadata")
)
