package event

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// Handler processes a published record.
type Handler func(ctx context.Context, rec Record) error

// Bus provides in-process pub/sub distribution of event records by
// event-type string. Records are delivered to each subscriber in publish
// order per publisher; there is no cross-subscriber ordering guarantee.
type Bus interface {
	// Publish sends a record to all subscribers of eventType.
	Publish(ctx context.Context, eventType string, rec Record) error

	// Subscribe creates a subscription for specific event types.
	// Empty types subscribes to all events.
	Subscribe(types []string, handler Handler) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription.
	Unsubscribe()
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// OnError is called when a handler returns an error.
	OnError func(eventType string, rec Record, err error)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize: 256,
}

// LocalBus is the in-memory Bus implementation used for the in-process
// publish stage of the pipeline.
type LocalBus struct {
	config BusConfig

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	byType        map[string]map[string]*subscription
	wildcards     map[string]*subscription

	nextID  atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
}

// NewBus creates a new local event bus.
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}
	return &LocalBus{
		config:        config,
		subscriptions: make(map[string]*subscription),
		byType:        make(map[string]map[string]*subscription),
		wildcards:     make(map[string]*subscription),
		closeCh:       make(chan struct{}),
	}
}

type delivery struct {
	eventType string
	rec       Record
}

type subscription struct {
	id      string
	types   []string
	handler Handler
	events  chan delivery
	done    chan struct{}
	bus     *LocalBus
}

// Publish sends a record to all matching subscribers.
func (b *LocalBus) Publish(ctx context.Context, eventType string, rec Record) error {
	if b.closed.Load() {
		return &BusError{Message: "bus is closed"}
	}

	b.mu.RLock()
	subs := b.matching(eventType)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.events <- delivery{eventType: eventType, rec: rec}:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return &BusError{Message: "bus closed during publish"}
		}
	}
	return nil
}

// Subscribe creates a subscription for specific event types.
func (b *LocalBus) Subscribe(types []string, handler Handler) Subscription {
	if b.closed.Load() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:      strconv.FormatInt(b.nextID.Add(1), 10),
		types:   types,
		handler: handler,
		events:  make(chan delivery, b.config.BufferSize),
		done:    make(chan struct{}),
		bus:     b,
	}
	b.subscriptions[sub.id] = sub

	if len(types) == 0 {
		b.wildcards[sub.id] = sub
	} else {
		for _, t := range types {
			if b.byType[t] == nil {
				b.byType[t] = make(map[string]*subscription)
			}
			b.byType[t][sub.id] = sub
		}
	}

	go sub.process()
	return sub
}

func (b *LocalBus) matching(eventType string) []*subscription {
	subs := make([]*subscription, 0)
	if typeSubs, ok := b.byType[eventType]; ok {
		for _, sub := range typeSubs {
			subs = append(subs, sub)
		}
	}
	for _, sub := range b.wildcards {
		subs = append(subs, sub)
	}
	return subs
}

// Close shuts down the bus.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closeCh)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscriptions {
		close(sub.done)
	}
	return nil
}

func (s *subscription) process() {
	for {
		select {
		case d := <-s.events:
			if err := s.handler(context.Background(), d.rec); err != nil && s.bus.config.OnError != nil {
				s.bus.config.OnError(d.eventType, d.rec, err)
			}
		case <-s.done:
			return
		}
	}
}

// Unsubscribe removes the subscription.
func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if _, ok := s.bus.subscriptions[s.id]; !ok {
		return
	}
	delete(s.bus.subscriptions, s.id)
	delete(s.bus.wildcards, s.id)
	for _, t := range s.types {
		if typeSubs, ok := s.bus.byType[t]; ok {
			delete(typeSubs, s.id)
		}
	}
	close(s.done)
}

// BusError reports a bus-level publish failure.
type BusError struct {
	Message string
}

// Error implements the error interface.
func (e *BusError) Error() string {
	return e.Message
}
