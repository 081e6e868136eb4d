package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
)

// nextAvailablePoll bounds how long a single internal peek waits
// before NextAvailable re-checks its context and loops again. It
// stands in for "effectively infinite timeout" (§4.3): long enough
// that a live consumer never busy-loops, short enough that context
// cancellation is noticed promptly.
const nextAvailablePoll = 5 * time.Second

// Consumer is a per-reader TrackingEventStream. It is created by
// EmbeddedEventStore.OpenStream and must be driven by a single
// goroutine; concurrent calls from multiple goroutines on the same
// Consumer are not supported, matching the specification.
type Consumer struct {
	id       string
	logger   hclog.Logger
	engine   StorageEngine
	producer *Producer
	filter   *eventFilter
	optimize bool

	// lastToken is written only by the owning goroutine but read by
	// the producer goroutine when computing Producer.lastToken() over
	// a snapshot of tailing consumers, so it is boxed behind an
	// atomic.Pointer rather than a plain field. A stale read there
	// only affects which token the producer happens to resume polling
	// from, never correctness (see design notes).
	lastToken atomic.Pointer[TrackingToken]
	lastNode  atomic.Pointer[node]

	peeked        *TrackedEvent
	privateStream EventStream

	closed atomic.Bool
}

func newConsumer(logger hclog.Logger, engine StorageEngine, producer *Producer, startToken TrackingToken, optimize bool, filter *eventFilter) *Consumer {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = "unknown"
	}
	c := &Consumer{
		id:       id,
		logger:   logger.Named("consumer").With("consumer_id", id),
		engine:   engine,
		producer: producer,
		filter:   filter,
		optimize: optimize,
	}
	c.setLastToken(startToken)
	return c
}

func (c *Consumer) getLastToken() TrackingToken {
	p := c.lastToken.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (c *Consumer) setLastToken(t TrackingToken) {
	c.lastToken.Store(&t)
}

func (c *Consumer) tailing() bool { return c.producer.consumers.Contains(c) }

// behindGlobalCache reports whether this tailing consumer has fallen
// behind the head of the ring and must revert to reading storage
// directly.
func (c *Consumer) behindGlobalCache() bool {
	oldest := c.producer.OldestNode()
	if oldest == nil {
		return false
	}
	if ln := c.lastNode.Load(); ln != nil {
		return ln.index < oldest.index
	}
	return c.nextNode() == nil
}

// nextNode finds the node this consumer should read next: the node
// right after lastNode if already anchored in the ring, or a scan
// from oldest for the first node whose previousToken matches
// lastToken if not yet anchored (just switched into tailing mode, or
// the ring hadn't reached this consumer's position yet).
func (c *Consumer) nextNode() *node {
	if ln := c.lastNode.Load(); ln != nil {
		return ln.next.Load()
	}
	for n := c.producer.OldestNode(); n != nil; n = n.next.Load() {
		if TokensEqual(n.previousToken, c.getLastToken()) {
			return n
		}
	}
	return nil
}

func (c *Consumer) advancePosition(n *node) {
	if c.tailing() {
		c.lastNode.Store(n)
	}
	c.setLastToken(n.event.Token)
}

// findNextMatch walks forward from nextNode(), skipping events the
// filter rejects (advancing position past them so they are never
// re-delivered), waiting at most once for new data if none is
// immediately available and timeout allows it.
func (c *Consumer) findNextMatch(ctx context.Context, timeout time.Duration) *node {
	n := c.nextNode()
	waited := false
	for {
		for n != nil {
			if c.filter.matches(n.event) {
				return n
			}
			c.advancePosition(n)
			n = n.next.Load()
		}
		if waited || timeout <= 0 {
			return nil
		}
		waited = true
		wake := c.producer.ConsumableWait()
		select {
		case <-wake:
		case <-time.After(timeout):
			return nil
		case <-ctx.Done():
			return nil
		}
		n = c.nextNode()
	}
}

func (c *Consumer) peekGlobalStream(ctx context.Context, timeout time.Duration) (TrackedEvent, bool) {
	n := c.findNextMatch(ctx, timeout)
	if n == nil {
		return TrackedEvent{}, false
	}
	c.advancePosition(n)
	return n.event, true
}

func (c *Consumer) switchToTailing() {
	c.closePrivateStream()
	var n *node
	for m := c.producer.OldestNode(); m != nil; m = m.next.Load() {
		if TokensEqual(m.event.Token, c.getLastToken()) {
			n = m
			break
		}
	}
	c.lastNode.Store(n)
	c.producer.consumers.Add(c)
	c.producer.Start()
	incrCounter(metricKeyConsumerSwitch, 1)
	c.logger.Debug("switched to tailing mode", "found_anchor", n != nil)
}

func (c *Consumer) stopTailingGlobalStream() {
	c.producer.consumers.Remove(c)
	c.lastNode.Store(nil)
	incrCounter(metricKeyConsumerSwitch, 1)
	c.logger.Debug("fell behind cache, switched to private mode")
}

func (c *Consumer) closePrivateStream() {
	if c.privateStream != nil {
		_ = c.privateStream.Close()
		c.privateStream = nil
	}
}

func (c *Consumer) ensurePrivateStream(ctx context.Context) error {
	if c.privateStream != nil {
		return nil
	}
	es, err := c.engine.ReadEvents(ctx, c.getLastToken(), false)
	if err != nil {
		return err
	}
	c.privateStream = es
	return nil
}

// readPrivateOnce drains the private stream until it yields a
// filter-matching event or is exhausted (ok=false, err=nil) or fails.
func (c *Consumer) readPrivateOnce(ctx context.Context) (TrackedEvent, bool, error) {
	for {
		event, ok, err := c.privateStream.Next(ctx)
		if err != nil || !ok {
			return TrackedEvent{}, false, err
		}
		c.setLastToken(event.Token)
		if c.filter.matches(event) {
			return event, true, nil
		}
	}
}

func (c *Consumer) peekPrivateStream(ctx context.Context, allowSwitch bool, timeout time.Duration) (TrackedEvent, bool) {
	if err := c.ensurePrivateStream(ctx); err != nil {
		c.logger.Error("failed opening private storage stream", "error", err)
		return TrackedEvent{}, false
	}

	event, ok, err := c.readPrivateOnce(ctx)
	if err != nil {
		c.logger.Error("private stream read failed", "error", err)
		return TrackedEvent{}, false
	}
	if ok {
		return event, true
	}

	if allowSwitch {
		c.switchToTailing()
		if timeout > 0 {
			return c.peekInternal(ctx, timeout)
		}
		return TrackedEvent{}, false
	}

	if timeout > 0 {
		wake := c.producer.ConsumableWait()
		select {
		case <-wake:
		case <-time.After(timeout):
			return TrackedEvent{}, false
		case <-ctx.Done():
			return TrackedEvent{}, false
		}
		event, ok, err = c.readPrivateOnce(ctx)
		if err == nil && ok {
			return event, true
		}
	}
	return TrackedEvent{}, false
}

func (c *Consumer) peekInternal(ctx context.Context, timeout time.Duration) (TrackedEvent, bool) {
	allowSwitch := c.optimize
	if c.tailing() {
		if !c.behindGlobalCache() {
			return c.peekGlobalStream(ctx, timeout)
		}
		c.stopTailingGlobalStream()
		allowSwitch = false
	}
	return c.peekPrivateStream(ctx, allowSwitch, timeout)
}

// Peek implements TrackingEventStream.
func (c *Consumer) Peek(ctx context.Context) (TrackedEvent, bool) {
	if c.closed.Load() {
		return TrackedEvent{}, false
	}
	if c.peeked != nil {
		return *c.peeked, true
	}
	event, ok := c.peekInternal(ctx, 0)
	if ok {
		c.peeked = &event
	}
	return event, ok
}

// HasNextAvailable implements TrackingEventStream.
func (c *Consumer) HasNextAvailable(ctx context.Context, timeout time.Duration) bool {
	if c.closed.Load() {
		return false
	}
	if c.peeked != nil {
		return true
	}
	event, ok := c.peekInternal(ctx, timeout)
	if ok {
		c.peeked = &event
	}
	return ok
}

// NextAvailable implements TrackingEventStream.
func (c *Consumer) NextAvailable(ctx context.Context) (TrackedEvent, error) {
	for {
		if c.closed.Load() {
			return TrackedEvent{}, ErrConsumerClosed
		}
		if c.peeked != nil {
			event := *c.peeked
			c.peeked = nil
			return event, nil
		}
		event, ok := c.peekInternal(ctx, nextAvailablePoll)
		if ok {
			return event, nil
		}
		select {
		case <-ctx.Done():
			return TrackedEvent{}, ErrNextAvailableCancelled
		default:
		}
	}
}

// Close implements TrackingEventStream. Idempotent.
func (c *Consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.producer.consumers.Remove(c)
	c.lastNode.Store(nil)
	c.closePrivateStream()
	return nil
}
