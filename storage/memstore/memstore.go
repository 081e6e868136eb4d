// Package memstore is a reference StorageEngine backed by
// github.com/hashicorp/go-memdb: an ordered, indexed, in-memory table
// of events keyed by a monotonic sequence number. It exists so
// trackstream is runnable and testable without a caller supplying
// their own engine, the way AxonFramework ships its own in-memory
// event storage engine alongside the tracking cache it tests against.
package memstore

import (
	"context"
	"sync"

	"github.com/hashicorp/go-memdb"

	"github.com/coalescehq/trackstream/internal/wake"
	"github.com/coalescehq/trackstream/stream"
)

const tableEvents = "events"

type storedEvent struct {
	Seq     uint64
	Topic   string
	Key     string
	Payload any
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "Seq"},
					},
				},
			},
		},
	}
}

// Engine is an in-memory StorageEngine. The zero value is not usable;
// construct with New.
type Engine struct {
	db *memdb.MemDB

	mu  sync.Mutex
	seq uint64

	notify *wake.Broadcaster
}

// New returns an empty Engine.
func New() (*Engine, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Engine{db: db, notify: wake.New()}, nil
}

// Append implements stream.StorageEngine.
func (e *Engine) Append(_ context.Context, events []stream.EventMessage) ([]stream.TrackedEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.db.Txn(true)
	tracked := make([]stream.TrackedEvent, len(events))
	for i, ev := range events {
		e.seq++
		se := &storedEvent{Seq: e.seq, Topic: ev.Topic, Key: ev.Key, Payload: ev.Payload}
		if err := txn.Insert(tableEvents, se); err != nil {
			txn.Abort()
			return nil, err
		}
		tracked[i] = stream.TrackedEvent{
			Topic:   ev.Topic,
			Key:     ev.Key,
			Payload: ev.Payload,
			Token:   stream.SequenceToken(se.Seq),
		}
	}
	txn.Commit()
	e.notify.Broadcast()
	return tracked, nil
}

// ReadEvents implements stream.StorageEngine.
func (e *Engine) ReadEvents(_ context.Context, after stream.TrackingToken, mayBlock bool) (stream.EventStream, error) {
	return &eventStream{engine: e, afterSeq: tokenToSeq(after), mayBlock: mayBlock}, nil
}

func tokenToSeq(token stream.TrackingToken) uint64 {
	if token == nil {
		return 0
	}
	seq, ok := token.(stream.SequenceToken)
	if !ok {
		return 0
	}
	return uint64(seq)
}

type eventStream struct {
	engine   *Engine
	afterSeq uint64
	mayBlock bool
}

func (s *eventStream) Next(ctx context.Context) (stream.TrackedEvent, bool, error) {
	for {
		if se, ok := s.engine.next(s.afterSeq); ok {
			s.afterSeq = se.Seq
			return stream.TrackedEvent{
				Topic:   se.Topic,
				Key:     se.Key,
				Payload: se.Payload,
				Token:   stream.SequenceToken(se.Seq),
			}, true, nil
		}

		if !s.mayBlock {
			return stream.TrackedEvent{}, false, nil
		}

		wait := s.engine.notify.Wait()
		select {
		case <-wait:
		case <-ctx.Done():
			return stream.TrackedEvent{}, false, ctx.Err()
		}
	}
}

func (s *eventStream) Close() error { return nil }

func (e *Engine) next(afterSeq uint64) (*storedEvent, bool) {
	txn := e.db.Txn(false)
	defer txn.Abort()

	// Sequence numbers are dense, so the event after afterSeq is
	// exactly afterSeq+1.
	raw, err := txn.First(tableEvents, "id", afterSeq+1)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*storedEvent), true
}
