package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"go.uber.org/goleak"

	"github.com/coalescehq/trackstream/helper/testlog"
	"github.com/coalescehq/trackstream/storage/memstore"
	"github.com/coalescehq/trackstream/stream"
)

func newTestStore(t *testing.T, cfg stream.Config) (*stream.EmbeddedEventStore, *memstore.Engine) {
	t.Helper()
	engine, err := memstore.New()
	must.NoError(t, err)

	cfg.Logger = testlog.HCLogger(t)
	s := stream.New(engine, cfg)
	t.Cleanup(func() { must.NoError(t, s.ShutDown()) })
	return s, engine
}

func fastConfig() stream.Config {
	return stream.Config{
		CachedEvents:             10000,
		FetchDelay:               10 * time.Millisecond,
		CleanupDelay:             20 * time.Millisecond,
		OptimizeEventConsumption: true,
	}
}

// A single consumer opened at the beginning of the stream observes
// every published event, in publish order.
func TestEmbeddedEventStore_SingleConsumerInOrder(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s, _ := newTestStore(t, fastConfig())
	ctx := context.Background()

	sub, err := s.OpenStream(ctx, nil)
	must.NoError(t, err)
	defer sub.Close()

	_, err = s.Publish(ctx, []stream.EventMessage{
		{Topic: "order", Key: "1", Payload: "created"},
		{Topic: "order", Key: "1", Payload: "shipped"},
		{Topic: "order", Key: "2", Payload: "created"},
	})
	must.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		event, err := sub.NextAvailable(ctx)
		must.NoError(t, err)
		got = append(got, event.Payload.(string))
	}
	must.Eq(t, []string{"created", "shipped", "created"}, got)
}

// Two consumers opened and switched into tailing mode before any
// publish share the ring: both see the same events in the same order,
// and each other's presence does not perturb delivery order.
func TestEmbeddedEventStore_TwoConsumersShareRing(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s, _ := newTestStore(t, fastConfig())
	ctx := context.Background()

	subA, err := s.OpenStream(ctx, nil)
	must.NoError(t, err)
	defer subA.Close()

	subB, err := s.OpenStream(ctx, nil)
	must.NoError(t, err)
	defer subB.Close()

	// Exhaust both private streams so each consumer switches into
	// tailing mode before anything is published.
	must.False(t, subA.HasNextAvailable(ctx, 20*time.Millisecond))
	must.False(t, subB.HasNextAvailable(ctx, 20*time.Millisecond))

	_, err = s.Publish(ctx, []stream.EventMessage{
		{Topic: "t", Key: "a", Payload: 1},
		{Topic: "t", Key: "a", Payload: 2},
	})
	must.NoError(t, err)

	for _, sub := range []stream.TrackingEventStream{subA, subB} {
		e1, err := sub.NextAvailable(ctx)
		must.NoError(t, err)
		must.Eq(t, 1, e1.Payload)
		e2, err := sub.NextAvailable(ctx)
		must.NoError(t, err)
		must.Eq(t, 2, e2.Payload)
	}
}

// A tailing consumer that falls behind a small cache transitions to
// private mode and still observes every event, in order.
func TestEmbeddedEventStore_LagAndRecover(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cfg := fastConfig()
	cfg.CachedEvents = 4
	s, _ := newTestStore(t, cfg)
	ctx := context.Background()

	lagging, err := s.OpenStream(ctx, nil)
	must.NoError(t, err)
	defer lagging.Close()

	// Exhaust the private stream so the consumer switches into tailing
	// mode before anything is published.
	must.False(t, lagging.HasNextAvailable(ctx, 20*time.Millisecond))

	// Publish far more than the cache can hold without the lagging
	// consumer reading anything, forcing it behind the ring.
	for i := 0; i < 20; i++ {
		_, err := s.Publish(ctx, []stream.EventMessage{{Topic: "t", Key: "k", Payload: i}})
		must.NoError(t, err)
	}
	time.Sleep(100 * time.Millisecond)

	var got []int
	for i := 0; i < 20; i++ {
		event, err := lagging.NextAvailable(ctx)
		must.NoError(t, err)
		got = append(got, event.Payload.(int))
	}
	for i, v := range got {
		must.Eq(t, i, v)
	}
}

// The cleaner evicts a tailing consumer once it falls behind the
// cache head, without closing it: the next peek transparently resumes
// from storage.
func TestEmbeddedEventStore_CleanerEvictsLaggingConsumer(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cfg := fastConfig()
	cfg.CachedEvents = 2
	cfg.CleanupDelay = 20 * time.Millisecond
	s, _ := newTestStore(t, cfg)
	ctx := context.Background()

	sub, err := s.OpenStream(ctx, nil)
	must.NoError(t, err)
	defer sub.Close()

	// Exhaust the private stream so the consumer switches into tailing
	// mode before anything is published.
	must.False(t, sub.HasNextAvailable(ctx, 20*time.Millisecond))

	for i := 0; i < 10; i++ {
		_, err := s.Publish(ctx, []stream.EventMessage{{Topic: "t", Key: "k", Payload: i}})
		must.NoError(t, err)
	}

	// Give the producer time to fill and trim the cache, and the
	// cleaner time to sweep the now-lagging consumer out of the
	// tailing set, before the consumer reads anything at all.
	time.Sleep(150 * time.Millisecond)

	event, err := sub.NextAvailable(ctx)
	must.NoError(t, err)
	must.Eq(t, 0, event.Payload)
}

// Publish wakes a producer that is waiting for new data, so even with
// an hour-long idle fetch delay a consumer observes a newly published
// event within a short deadline.
func TestEmbeddedEventStore_PublishWakesIdleProducer(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cfg := fastConfig()
	cfg.FetchDelay = time.Hour
	s, _ := newTestStore(t, cfg)
	ctx := context.Background()

	sub, err := s.OpenStream(ctx, nil)
	must.NoError(t, err)
	defer sub.Close()

	// Force the producer loop to start and wait for new data before
	// anything is published.
	must.False(t, sub.HasNextAvailable(ctx, 20*time.Millisecond))

	_, err = s.Publish(ctx, []stream.EventMessage{{Topic: "t", Key: "k", Payload: "hi"}})
	must.NoError(t, err)

	// If the publish did not wake the producer, this would not return
	// before the deadline below.
	type result struct {
		event stream.TrackedEvent
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		event, err := sub.NextAvailable(ctx)
		resultCh <- result{event, err}
	}()

	select {
	case r := <-resultCh:
		must.NoError(t, r.err)
		must.Eq(t, "hi", r.event.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not wake producer within deadline")
	}
}

// With OptimizeEventConsumption disabled, a consumer opened after
// events already exist never joins the tailing set and reads entirely
// from storage.
func TestEmbeddedEventStore_OptimizeDisabledStaysPrivate(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cfg := fastConfig()
	cfg.OptimizeEventConsumption = false
	s, _ := newTestStore(t, cfg)
	ctx := context.Background()

	_, err := s.Publish(ctx, []stream.EventMessage{{Topic: "t", Key: "k", Payload: "x"}})
	must.NoError(t, err)

	sub, err := s.OpenStream(ctx, nil)
	must.NoError(t, err)
	defer sub.Close()

	event, err := sub.NextAvailable(ctx)
	must.NoError(t, err)
	must.Eq(t, "x", event.Payload)
}

// OpenStreamFiltered skips non-matching events without ever handing
// them to the caller, and without re-delivering them later.
func TestEmbeddedEventStore_FilteredStream(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s, _ := newTestStore(t, fastConfig())
	ctx := context.Background()

	sub, err := s.OpenStreamFiltered(ctx, nil, `Topic == "order"`)
	must.NoError(t, err)
	defer sub.Close()

	_, err = s.Publish(ctx, []stream.EventMessage{
		{Topic: "ping", Key: "1", Payload: "ignored"},
		{Topic: "order", Key: "1", Payload: "wanted"},
		{Topic: "ping", Key: "2", Payload: "ignored"},
	})
	must.NoError(t, err)

	event, err := sub.NextAvailable(ctx)
	must.NoError(t, err)
	must.Eq(t, "wanted", event.Payload)

	must.False(t, sub.HasNextAvailable(ctx, 30*time.Millisecond))
}

// Peek is idempotent: repeated calls without an intervening
// NextAvailable return the same event without consuming it.
func TestConsumer_PeekIsIdempotent(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s, _ := newTestStore(t, fastConfig())
	ctx := context.Background()

	sub, err := s.OpenStream(ctx, nil)
	must.NoError(t, err)
	defer sub.Close()

	_, err = s.Publish(ctx, []stream.EventMessage{{Topic: "t", Key: "k", Payload: "once"}})
	must.NoError(t, err)

	first, ok := sub.Peek(ctx)
	must.True(t, ok)
	second, ok := sub.Peek(ctx)
	must.True(t, ok)
	must.Eq(t, first.Payload, second.Payload)

	next, err := sub.NextAvailable(ctx)
	must.NoError(t, err)
	must.Eq(t, "once", next.Payload)

	must.False(t, sub.HasNextAvailable(ctx, 20*time.Millisecond))
}

// Publishing after ShutDown is rejected rather than silently dropped
// or blocked forever.
func TestEmbeddedEventStore_PublishAfterShutDown(t *testing.T) {
	engine, err := memstore.New()
	must.NoError(t, err)

	cfg := fastConfig()
	cfg.Logger = testlog.HCLogger(t)
	s := stream.New(engine, cfg)

	must.NoError(t, s.ShutDown())
	must.NoError(t, s.ShutDown()) // idempotent

	_, err = s.Publish(context.Background(), []stream.EventMessage{{Topic: "t", Key: "k"}})
	must.ErrorIs(t, err, stream.ErrStoreShutDown)
}

// Cancelling the context of a consumer parked in NextAvailable makes
// the call return ErrNextAvailableCancelled promptly instead of
// leaving it parked.
func TestConsumer_NextAvailableRespectsContextCancellation(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s, _ := newTestStore(t, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := s.OpenStream(ctx, nil)
	must.NoError(t, err)
	defer sub.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.NextAvailable(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		must.ErrorIs(t, err, stream.ErrNextAvailableCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("NextAvailable did not return after context cancellation")
	}
}
