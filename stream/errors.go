package stream

import "errors"

var (
	// ErrConsumerClosed is returned by NextAvailable once the consumer
	// has been closed; Peek and HasNextAvailable instead report a
	// closed consumer silently as no event, matching their bool-only
	// contract.
	ErrConsumerClosed = errors.New("trackstream: consumer closed")

	// ErrStoreShutDown is returned by Publish and OpenStream once
	// ShutDown has completed.
	ErrStoreShutDown = errors.New("trackstream: store shut down")

	// ErrNextAvailableCancelled is returned by NextAvailable when its
	// context is cancelled before an event became available.
	ErrNextAvailableCancelled = errors.New("trackstream: nextAvailable cancelled")
)
