package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// EmbeddedEventStore wires the producer, the node ring, the cleaner
// and the tailing-consumer registry into a single facade: Publish
// appends to storage and wakes the producer, OpenStream hands callers
// a TrackingEventStream anchored either in the shared cache or
// directly against storage.
type EmbeddedEventStore struct {
	logger  hclog.Logger
	engine  StorageEngine
	cfg     Config
	cons    *consumerSet
	prod    *Producer
	cleaner *Cleaner

	shutdownOnce sync.Once
	shutDown     atomic.Bool
}

// New constructs an EmbeddedEventStore over the given StorageEngine.
// The producer and cleaner are not started until the first tailing
// consumer appears (the producer, lazily) and at construction time
// (the cleaner, which has nothing to sweep until then but must be
// running to sweep it as soon as it exists).
func New(engine StorageEngine, cfg Config) *EmbeddedEventStore {
	cfg = cfg.withDefaults()
	cons := newConsumerSet()
	prod := newProducer(cfg.Logger, engine, cfg, cons)
	cleaner := newCleaner(cfg.Logger, prod, cfg.CleanupDelay, cfg.LaunchHook)
	cleaner.Start()

	return &EmbeddedEventStore{
		logger:  cfg.Logger.Named("store"),
		engine:  engine,
		cfg:     cfg,
		cons:    cons,
		prod:    prod,
		cleaner: cleaner,
	}
}

// NewWithDefaults is a convenience constructor using DefaultConfig.
func NewWithDefaults(engine StorageEngine) *EmbeddedEventStore {
	return New(engine, DefaultConfig())
}

// Publish appends events to storage, then immediately wakes the
// producer so a tailing consumer observes them without waiting out
// the idle poll interval. It returns the tokens storage assigned.
func (s *EmbeddedEventStore) Publish(ctx context.Context, events []EventMessage) ([]TrackedEvent, error) {
	if s.shutDown.Load() {
		return nil, ErrStoreShutDown
	}
	tracked, err := s.engine.Append(ctx, events)
	if err != nil {
		return nil, err
	}
	s.prod.FetchIfWaiting()
	return tracked, nil
}

// OpenStream returns a TrackingEventStream positioned immediately
// after token (nil meaning the beginning of the log). If
// OptimizeEventConsumption is enabled and token is currently cached,
// the stream starts in tailing mode; otherwise it starts private.
func (s *EmbeddedEventStore) OpenStream(ctx context.Context, token TrackingToken) (TrackingEventStream, error) {
	return s.openStream(ctx, token, nil)
}

// OpenStreamFiltered is OpenStream with a go-bexpr boolean expression
// evaluated against each event's Topic/Key before delivery. Events
// that don't match are skipped without being delivered or re-read.
func (s *EmbeddedEventStore) OpenStreamFiltered(ctx context.Context, token TrackingToken, expression string) (TrackingEventStream, error) {
	filter, err := newEventFilter(expression)
	if err != nil {
		return nil, err
	}
	return s.openStream(ctx, token, filter)
}

func (s *EmbeddedEventStore) openStream(_ context.Context, token TrackingToken, filter *eventFilter) (TrackingEventStream, error) {
	if s.shutDown.Load() {
		return nil, ErrStoreShutDown
	}

	c := newConsumer(s.logger, s.engine, s.prod, token, s.cfg.OptimizeEventConsumption, filter)

	if s.cfg.OptimizeEventConsumption {
		if n := s.findCached(token); n != nil {
			c.lastNode.Store(n)
			s.cons.Add(c)
			s.prod.Start()
			s.logger.Debug("opened tailing stream", "consumer_id", c.id)
			return c, nil
		}
	}

	s.logger.Debug("opened private stream", "consumer_id", c.id)
	return c, nil
}

// findCached performs the linear scan from oldest described in §4.1:
// the node whose event carries exactly the requested token, if it is
// currently reachable in the ring.
func (s *EmbeddedEventStore) findCached(token TrackingToken) *node {
	if token == nil {
		return nil
	}
	for n := s.prod.OldestNode(); n != nil; n = n.next.Load() {
		if TokensEqual(n.event.Token, token) {
			return n
		}
	}
	return nil
}

// ShutDown closes every tailing consumer, stops the cleaner and the
// producer. Idempotent.
func (s *EmbeddedEventStore) ShutDown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.shutDown.Store(true)

		var (
			mu   sync.Mutex
			merr *multierror.Error
		)
		var g errgroup.Group
		for _, c := range s.cons.Snapshot() {
			c := c
			g.Go(func() error {
				if cerr := c.Close(); cerr != nil {
					mu.Lock()
					merr = multierror.Append(merr, cerr)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		s.cleaner.Stop()
		if perr := s.prod.Close(); perr != nil {
			merr = multierror.Append(merr, perr)
		}
		err = merr.ErrorOrNil()
	})
	return err
}
