package mergetree

import (
	"github.com/pkg/errors"

	"mergetree/granule"
	"mergetree/part"
	"mergetree/serialize"
)

// Sentinel errors surfaced by the engine's public API. They re-export the
// package-level sentinels owned by the component that actually detects
// the condition, so callers can errors.Is against a single set of names
// regardless of which layer raised them.
var (
	// IoError is returned by Open when the base directory cannot be
	// created or listed; the message carries the offending path.
	// Filesystem failures while reading or writing a part are returned as
	// wrapped os errors and do not match IoError.
	IoError = errors.New("mergetree: io error")

	// EmptyInput is returned when writing a part from zero rows or merging
	// zero parts.
	EmptyInput = part.ErrEmptyInput

	// GranuleFull is returned by internal code that oversteps granule.Size;
	// surfaced here only because it indicates a caller bypassed the normal
	// flush/merge paths.
	GranuleFull = granule.ErrFull

	// NotSorted is returned when a granule is queried before being sorted.
	NotSorted = granule.ErrNotSorted

	// DecodeError indicates malformed on-disk data: a length prefix past
	// end-of-file, a truncated file, or a checksum mismatch.
	DecodeError = serialize.ErrDecode
)
