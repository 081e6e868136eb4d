package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Cleaner periodically evicts tailing consumers that have fallen
// behind the head of the cache (their position has been trimmed out
// of the ring), removing them from the tailing set so they no longer
// count as tailing. Eviction never closes the consumer: its next peek
// transparently reopens a private stream.
type Cleaner struct {
	logger   hclog.Logger
	producer *Producer
	interval time.Duration
	hook     LaunchHook

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newCleaner(logger hclog.Logger, producer *Producer, interval time.Duration, hook LaunchHook) *Cleaner {
	return &Cleaner{
		logger:   logger.Named("cleaner"),
		producer: producer,
		interval: interval,
		hook:     hook,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the cleaner's sweep loop.
func (cl *Cleaner) Start() {
	cl.started.Store(true)
	cl.hook("trackstream-cleaner", cl.run)
}

func (cl *Cleaner) run() {
	defer close(cl.doneCh)
	ticker := time.NewTicker(cl.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.sweep()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *Cleaner) sweep() {
	for _, c := range cl.producer.consumers.Snapshot() {
		if !c.behindGlobalCache() {
			continue
		}
		cl.producer.consumers.Remove(c)
		c.lastNode.Store(nil)
		incrCounter(metricKeyConsumerEvict, 1)
		cl.logger.Debug("evicted lagging tailing consumer", "consumer_id", c.id)
	}
	setGauge(metricKeyConsumersTotal, float32(cl.producer.consumers.Len()))
}

// Stop halts the sweep loop and waits for it to exit. Idempotent.
func (cl *Cleaner) Stop() {
	cl.stopOnce.Do(func() {
		close(cl.stopCh)
	})
	if cl.started.Load() {
		<-cl.doneCh
	}
}
