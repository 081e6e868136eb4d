package stream

import "github.com/coalescehq/trackstream/internal/wake"

// broadcaster is the consumerLock/consumableEventsCondition and
// producerLock/dataAvailableCondition substitute (§4.1, §4.2): a thin
// alias over internal/wake so both the producer's own wake condition
// and the shared consumer wake-up condition use the same primitive
// the bundled StorageEngine backends use to wake blocking reads.
type broadcaster = wake.Broadcaster

func newBroadcaster() *broadcaster { return wake.New() }
