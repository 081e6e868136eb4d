package stream

import (
	"context"
	"time"
)

// EventMessage is an event submitted for append, before the
// StorageEngine has assigned it a TrackingToken.
//
// Topic and Key are optional metadata carried alongside Payload; they
// exist solely so that OpenStreamFiltered can select a subsequence of
// the log by a boolean expression without requiring callers to type
// their own Payload for filtering (see filter.go).
type EventMessage struct {
	Topic   string
	Key     string
	Payload any
}

// TrackedEvent is an event as returned by the StorageEngine or the
// cache: a payload paired with the token the engine assigned it.
type TrackedEvent struct {
	Topic   string
	Key     string
	Payload any
	Token   TrackingToken
}

// EventStream is a StorageEngine-produced cursor over TrackedEvents
// strictly after some token. Next blocks according to the mayBlock
// argument ReadEvents was called with: a non-blocking stream returns
// ok=false once it has caught up; a blocking stream may keep Next
// waiting for new data until ctx is cancelled.
type EventStream interface {
	Next(ctx context.Context) (event TrackedEvent, ok bool, err error)
	Close() error
}

// StorageEngine is the durable backing store the core core treats as
// an external collaborator. Append must be durable and return tokens
// in the same global order events are visible to ReadEvents.
type StorageEngine interface {
	Append(ctx context.Context, events []EventMessage) ([]TrackedEvent, error)
	ReadEvents(ctx context.Context, after TrackingToken, mayBlock bool) (EventStream, error)
}

// TrackingEventStream is the contract handed back to callers of
// OpenStream. A single stream is used by one reader goroutine at a
// time; it is not safe for concurrent calls from multiple goroutines.
type TrackingEventStream interface {
	// Peek returns the next event without consuming it, performing a
	// zero-timeout attempt to fill the one-slot lookahead if empty.
	Peek(ctx context.Context) (TrackedEvent, bool)

	// HasNextAvailable fills the one-slot lookahead, waiting up to
	// timeout, and reports whether an event is now available.
	HasNextAvailable(ctx context.Context, timeout time.Duration) bool

	// NextAvailable blocks until an event is available and consumes
	// it from the lookahead.
	NextAvailable(ctx context.Context) (TrackedEvent, error)

	// Close releases the private stream (if any) and the tailing
	// slot (if any). Idempotent.
	Close() error
}
