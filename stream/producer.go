package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Producer is the single background goroutine that polls the
// StorageEngine for newly appended events and publishes them into the
// shared node ring. It is the ring's only writer: oldest, newest and
// every node's next pointer are mutated exclusively here.
type Producer struct {
	logger hclog.Logger
	engine StorageEngine
	cfg    Config

	consumers *consumerSet

	oldest atomic.Pointer[node]
	newest atomic.Pointer[node]

	// consumable is broadcast after every append so tailing consumers
	// blocked in peekGlobalStream wake up and re-check the ring.
	consumable *broadcaster

	// ownWake is the producer's own dataAvailableCondition: signaled
	// by FetchIfWaiting so a publish() is picked up immediately
	// instead of waiting out fetchDelay.
	ownWake *broadcaster

	streamMu sync.Mutex
	curStream EventStream

	shouldFetch atomic.Bool
	started     atomic.Bool
	closed      atomic.Bool
	closeCh     chan struct{}
	doneCh      chan struct{}
}

func newProducer(logger hclog.Logger, engine StorageEngine, cfg Config, consumers *consumerSet) *Producer {
	return &Producer{
		logger:     logger.Named("producer"),
		engine:     engine,
		cfg:        cfg,
		consumers:  consumers,
		consumable: newBroadcaster(),
		ownWake:    newBroadcaster(),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// OldestNode returns the current head of the ring, or nil if empty.
func (p *Producer) OldestNode() *node { return p.oldest.Load() }

// NewestNode returns the current tail of the ring, or nil if empty.
func (p *Producer) NewestNode() *node { return p.newest.Load() }

// Start lazily launches the producer loop. Safe to call repeatedly;
// only the first call has any effect.
func (p *Producer) Start() {
	if p.closed.Load() {
		return
	}
	if p.started.CompareAndSwap(false, true) {
		p.cfg.LaunchHook("trackstream-producer", p.run)
	}
}

// FetchIfWaiting asks the producer to poll storage immediately rather
// than waiting out the remainder of its idle interval. Called by
// Publish right after a successful append.
func (p *Producer) FetchIfWaiting() {
	p.shouldFetch.Store(true)
	p.ownWake.Broadcast()
}

func (p *Producer) run() {
	defer close(p.doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	for !p.closed.Load() {
		p.shouldFetch.Store(true)
		dataFound := false
		for p.shouldFetch.Load() {
			p.shouldFetch.Store(false)
			dataFound = p.fetchData(ctx)
		}
		if !dataFound {
			wake := p.ownWake.Wait()
			if !p.shouldFetch.Load() {
				select {
				case <-wake:
				case <-time.After(p.cfg.FetchDelay):
				case <-p.closeCh:
					return
				}
			}
		}
	}
}

// fetchData reads a blocking storage stream from lastToken(), appending
// a node per event and trimming the cache after each append, until the
// stream reports no more events or fails (Close cancels the read), and
// reports whether the tail advanced. It returns false without touching
// storage when nobody is tailing, so an idle store with no subscribers
// never opens a stream.
func (p *Producer) fetchData(ctx context.Context) bool {
	if p.consumers.Len() == 0 {
		return false
	}

	start := time.Now()
	defer measureSince(metricKeyFetchElapsed, start)

	es, err := p.ensureStream(ctx)
	if err != nil {
		p.logger.Error("failed opening storage read stream", "error", err)
		return false
	}

	advanced := false
	for {
		event, ok, err := es.Next(ctx)
		if err != nil {
			p.logger.Error("storage read failed, abandoning stream", "error", err)
			p.abandonStream()
			break
		}
		if !ok {
			break
		}
		p.appendNode(event)
		p.trimCache()
		advanced = true
	}

	if advanced {
		incrCounter(metricKeyNodesAppended, 1)
	}
	return advanced
}

func (p *Producer) ensureStream(ctx context.Context) (EventStream, error) {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	if p.curStream != nil {
		return p.curStream, nil
	}
	es, err := p.engine.ReadEvents(ctx, p.lastToken(), true)
	if err != nil {
		return nil, err
	}
	p.curStream = es
	return es, nil
}

func (p *Producer) abandonStream() {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	if p.curStream != nil {
		_ = p.curStream.Close()
		p.curStream = nil
	}
}

// lastToken decides where the next poll should resume. If the cache
// is non-empty, it is unambiguous: the newest cached token. If the
// cache is empty but consumers are tailing, the specification directs
// us to return "any one" tailing consumer's lastToken; duplicate
// re-reads this can cause are filtered per-consumer downstream by
// nextNode's previousToken comparison, so this never produces
// duplicate delivery, only redundant storage reads when consumers are
// at different positions (see design notes, §9).
func (p *Producer) lastToken() TrackingToken {
	if newest := p.newest.Load(); newest != nil {
		return newest.event.Token
	}

	snapshot := p.consumers.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	for _, c := range snapshot {
		if c.getLastToken() == nil {
			return nil
		}
	}
	return snapshot[0].getLastToken()
}

func (p *Producer) appendNode(event TrackedEvent) {
	prevToken := p.lastToken()
	newest := p.newest.Load()

	var index uint64
	if newest != nil {
		index = newest.index + 1
	}

	n := newNode(index, prevToken, event)
	if newest != nil {
		newest.next.Store(n)
	}
	p.newest.Store(n)
	if p.oldest.Load() == nil {
		p.oldest.Store(n)
	}

	p.notifyConsumers()
}

func (p *Producer) notifyConsumers() {
	p.consumable.Broadcast()
}

// ConsumableWait exposes the consumer-side broadcast channel so
// Consumer.peekGlobalStream can block on it.
func (p *Producer) ConsumableWait() <-chan struct{} { return p.consumable.Wait() }

// trimCache advances oldest while the ring exceeds CachedEvents,
// maintaining the invariant newest.index - oldest.index < CachedEvents.
func (p *Producer) trimCache() {
	newest := p.newest.Load()
	if newest == nil {
		return
	}
	candidate := p.oldest.Load()
	for candidate != nil && newest.index-candidate.index >= uint64(p.cfg.CachedEvents) {
		next := candidate.next.Load()
		if next == nil {
			break
		}
		candidate = next
	}
	p.oldest.Store(candidate)

	setGauge(metricKeyCacheSize, float32(newest.index-candidate.index+1))
	setGauge(metricKeyOldestIndex, float32(candidate.index))
}

// Close stops the producer loop and abandons any open storage stream.
// Idempotent.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.closeCh)
	p.abandonStream()
	if p.started.Load() {
		<-p.doneCh
	}
	return nil
}
