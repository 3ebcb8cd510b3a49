package session

import "errors"

// ===========================================================================
// Runner Errors
// ===========================================================================

// ErrNotEditable is returned when the machine settles in a final state
// (root stream or failed pattern setup) instead of ready.
var ErrNotEditable = errors.New("stream is not editable")

// ErrWaitTimeout is returned when a step's wait condition does not hold in time.
var ErrWaitTimeout = errors.New("timed out waiting for session state")
