package event

import "errors"

// ===========================================================================
// Dispatch Errors
// ===========================================================================

// ErrQueueFull is returned when an event cannot be queued without blocking.
var ErrQueueFull = errors.New("event queue is full")

// ErrStopped is returned when an event is sent to a stopped machine or actor.
var ErrStopped = errors.New("machine stopped")

// ErrNilEvent is returned when a nil event is sent.
var ErrNilEvent = errors.New("event is nil")

// ===========================================================================
// Decoding Errors
// ===========================================================================

// ErrUnknownEvent is returned when an event type is not recognized.
var ErrUnknownEvent = errors.New("unknown event type")

// ErrInvalidEvent is returned when an event payload is malformed.
var ErrInvalidEvent = errors.New("invalid event")
