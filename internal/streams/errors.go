package streams

import "errors"

// ===========================================================================
// Definition Errors
// ===========================================================================

// ErrInvalidProcessor is returned when a processor definition is malformed.
var ErrInvalidProcessor = errors.New("invalid processor")

// ErrInvalidDefinition is returned when a stream definition fails validation.
var ErrInvalidDefinition = errors.New("invalid stream definition")

// ErrInvalidFieldType is returned for an unknown field mapping type.
var ErrInvalidFieldType = errors.New("invalid field type")

// ===========================================================================
// Repository Errors
// ===========================================================================

// ErrStreamNotFound is returned when no definition exists for a stream name.
var ErrStreamNotFound = errors.New("stream not found")

// ErrRootStreamImmutable is returned when an upsert targets a root stream's processing.
var ErrRootStreamImmutable = errors.New("root stream processing cannot be changed")
