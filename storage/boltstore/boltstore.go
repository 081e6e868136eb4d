// Package boltstore is a durable StorageEngine backed by
// go.etcd.io/bbolt: events are appended to a single bucket keyed by an
// 8-byte big-endian sequence number (the token) and read forward with
// a cursor, with payloads encoded via
// github.com/hashicorp/go-msgpack/v2, mirroring the teacher's use of
// bbolt for durable local state and msgpack for its wire encoding.
package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	bolt "go.etcd.io/bbolt"

	"github.com/coalescehq/trackstream/internal/wake"
	"github.com/coalescehq/trackstream/stream"
)

var eventsBucket = []byte("events")

type storedEvent struct {
	Topic   string
	Key     string
	Payload any
}

// Engine is a durable, file-backed StorageEngine.
type Engine struct {
	db     *bolt.DB
	notify *wake.Broadcaster
}

// Open opens (creating if necessary) a bbolt database at path as a
// StorageEngine backend.
func Open(path string) (*Engine, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init bucket: %w", err)
	}
	return &Engine{db: db, notify: wake.New()}, nil
}

// Close releases the underlying bbolt file handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Append implements stream.StorageEngine.
func (e *Engine) Append(_ context.Context, events []stream.EventMessage) ([]stream.TrackedEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tracked := make([]stream.TrackedEvent, len(events))
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		for i, ev := range events {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			se := storedEvent{Topic: ev.Topic, Key: ev.Key, Payload: ev.Payload}
			buf, err := encode(se)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), buf); err != nil {
				return err
			}
			tracked[i] = stream.TrackedEvent{
				Topic:   ev.Topic,
				Key:     ev.Key,
				Payload: ev.Payload,
				Token:   stream.SequenceToken(seq),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
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

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func encode(v storedEvent) ([]byte, error) {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decode(buf []byte) (storedEvent, error) {
	var v storedEvent
	dec := msgpack.NewDecoderBytes(buf, msgpackHandle)
	err := dec.Decode(&v)
	return v, err
}

var msgpackHandle = func() *msgpack.MsgpackHandle {
	h := &msgpack.MsgpackHandle{}
	h.RawToString = true
	return h
}()

type eventStream struct {
	engine   *Engine
	afterSeq uint64
	mayBlock bool
}

func (s *eventStream) Next(ctx context.Context) (stream.TrackedEvent, bool, error) {
	for {
		event, ok, err := s.engine.next(s.afterSeq)
		if err != nil {
			return stream.TrackedEvent{}, false, err
		}
		if ok {
			s.afterSeq = tokenToSeq(event.Token)
			return event, true, nil
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

func (e *Engine) next(afterSeq uint64) (stream.TrackedEvent, bool, error) {
	var (
		found stream.TrackedEvent
		ok    bool
	)
	err := e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		k, v := c.Seek(seqKey(afterSeq + 1))
		if k == nil {
			return nil
		}
		se, derr := decode(v)
		if derr != nil {
			return derr
		}
		found = stream.TrackedEvent{
			Topic:   se.Topic,
			Key:     se.Key,
			Payload: se.Payload,
			Token:   stream.SequenceToken(binary.BigEndian.Uint64(k)),
		}
		ok = true
		return nil
	})
	return found, ok, err
}
