package stream

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coalescehq/trackstream/storage/memstore"
)

// A consumer that switches into tailing mode right as the producer is
// appending the very node it should pick up must not miss that event:
// the spec's open question about lastNode=None races (§9).
func TestConsumer_SwitchToTailingDoesNotMissConcurrentAppend(t *testing.T) {
	engine, err := memstore.New()
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		CachedEvents: 100,
		FetchDelay:   5 * time.Millisecond,
		CleanupDelay: time.Hour,
		Logger:       hclog.NewNullLogger(),
	}
	cons := newConsumerSet()
	prod := newProducer(cfg.Logger, engine, cfg.withDefaults(), cons)
	prod.Start()
	defer prod.Close()

	ctx := context.Background()
	c := newConsumer(cfg.Logger, engine, prod, nil, true, nil)

	if _, err := engine.Append(ctx, []EventMessage{{Topic: "t", Key: "k", Payload: "first"}}); err != nil {
		t.Fatal(err)
	}
	prod.FetchIfWaiting()

	c.switchToTailing()

	event, ok := c.peekGlobalStream(ctx, time.Second)
	if !ok {
		t.Fatal("expected to observe the event published around the tailing switch")
	}
	if event.Payload != "first" {
		t.Fatalf("expected payload %q, got %q", "first", event.Payload)
	}
}

func TestConsumer_FilterSkipsNonMatchingWithoutRedelivery(t *testing.T) {
	engine, err := memstore.New()
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		CachedEvents: 100,
		FetchDelay:   5 * time.Millisecond,
		CleanupDelay: time.Hour,
		Logger:       hclog.NewNullLogger(),
	}.withDefaults()
	cons := newConsumerSet()
	prod := newProducer(cfg.Logger, engine, cfg, cons)
	prod.Start()
	defer prod.Close()

	ctx := context.Background()
	filter, err := newEventFilter(`Topic == "order"`)
	if err != nil {
		t.Fatal(err)
	}
	c := newConsumer(cfg.Logger, engine, prod, nil, true, filter)
	cons.Add(c)
	c.lastNode.Store(nil)

	if _, err := engine.Append(ctx, []EventMessage{
		{Topic: "ping", Key: "1"},
		{Topic: "order", Key: "1", Payload: "match"},
	}); err != nil {
		t.Fatal(err)
	}
	prod.FetchIfWaiting()

	event, ok := c.peekGlobalStream(ctx, time.Second)
	if !ok || event.Payload != "match" {
		t.Fatalf("expected filtered match, got %+v ok=%v", event, ok)
	}

	if _, ok := c.peekGlobalStream(ctx, 30*time.Millisecond); ok {
		t.Fatal("expected no further matching events")
	}
}
