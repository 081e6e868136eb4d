package boltstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/coalescehq/trackstream/storage/boltstore"
	"github.com/coalescehq/trackstream/stream"
)

func openTestEngine(t *testing.T) *boltstore.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	engine, err := boltstore.Open(path)
	must.NoError(t, err)
	t.Cleanup(func() { must.NoError(t, engine.Close()) })
	return engine
}

func TestEngine_AppendAndReadSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	engine, err := boltstore.Open(path)
	must.NoError(t, err)

	_, err = engine.Append(ctx, []stream.EventMessage{
		{Topic: "order", Key: "1", Payload: "created"},
		{Topic: "order", Key: "1", Payload: "shipped"},
	})
	must.NoError(t, err)
	must.NoError(t, engine.Close())

	reopened, err := boltstore.Open(path)
	must.NoError(t, err)
	defer reopened.Close()

	es, err := reopened.ReadEvents(ctx, nil, false)
	must.NoError(t, err)
	defer es.Close()

	first, ok, err := es.Next(ctx)
	must.NoError(t, err)
	must.True(t, ok)
	must.Eq(t, "created", first.Payload)

	second, ok, err := es.Next(ctx)
	must.NoError(t, err)
	must.True(t, ok)
	must.Eq(t, "shipped", second.Payload)

	_, ok, err = es.Next(ctx)
	must.NoError(t, err)
	must.False(t, ok)
}

func TestEngine_ReadEventsBlockingWaitsForAppend(t *testing.T) {
	engine := openTestEngine(t)
	ctx := context.Background()

	es, err := engine.ReadEvents(ctx, nil, true)
	must.NoError(t, err)
	defer es.Close()

	type result struct {
		event stream.TrackedEvent
		ok    bool
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		event, ok, err := es.Next(ctx)
		resultCh <- result{event, ok, err}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = engine.Append(ctx, []stream.EventMessage{{Topic: "t", Key: "a", Payload: "late"}})
	must.NoError(t, err)

	select {
	case r := <-resultCh:
		must.NoError(t, r.err)
		must.True(t, r.ok)
		must.Eq(t, "late", r.event.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking read did not observe the append")
	}
}

func TestEngine_ContextCancellationUnblocksRead(t *testing.T) {
	engine := openTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	es, err := engine.ReadEvents(ctx, nil, true)
	must.NoError(t, err)
	defer es.Close()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := es.Next(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		must.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after context cancellation")
	}
}
