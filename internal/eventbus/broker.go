// Package eventbus is an in-process publish/subscribe broker. Publishing
// never blocks: every subscriber owns a bounded queue drained by its own
// goroutine, and events that do not fit are dropped and counted.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the per-subscriber queue size used when none is given.
const DefaultQueueSize = 1024

// Broker fans events of type E out to its subscribers. Subscribers only see
// events published after they subscribed.
type Broker[E any] struct {
	name      string
	queueSize int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription[E]
	nextID uint64
	closed bool

	onDrop  func(subscriber string)
	dropped atomic.Uint64
	log     *slog.Logger
}

// Subscription is the handle returned by Subscribe.
type Subscription[E any] struct {
	id     uint64
	name   string
	broker *Broker[E]
	queue  chan E
	done   chan struct{}
	once   sync.Once
}

// NewBroker creates a broker. queueSize < 1 selects DefaultQueueSize.
func NewBroker[E any](name string, queueSize int) *Broker[E] {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Broker[E]{
		name:      name,
		queueSize: queueSize,
		subs:      make(map[uint64]*Subscription[E]),
		log:       slog.With("component", "eventbus", "broker", name),
	}
}

// OnDrop registers a callback invoked, with the subscriber name, for each
// dropped event. It must be set before events are published.
func (b *Broker[E]) OnDrop(fn func(subscriber string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe registers fn. fn runs on the subscription's goroutine, in
// publication order. Subscribing to a closed broker returns a subscription
// that never receives anything.
func (b *Broker[E]) Subscribe(name string, fn func(E)) *Subscription[E] {
	sub := &Subscription[E]{
		name:   name,
		broker: b,
		queue:  make(chan E, b.queueSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.queue)
		close(sub.done)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run(fn)
	return sub
}

// Publish hands e to every subscriber without waiting for them.
func (b *Broker[E]) Publish(e E) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.queue <- e:
		default:
			b.dropped.Add(1)
			b.log.Warn("subscriber queue full, dropping event", "subscriber", sub.name)
			if b.onDrop != nil {
				b.onDrop(sub.name)
			}
		}
	}
}

// Dropped returns the number of events dropped since the broker was created.
func (b *Broker[E]) Dropped() uint64 {
	return b.dropped.Load()
}

// NumSubscribers returns the number of active subscriptions.
func (b *Broker[E]) NumSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close cancels every subscription. Queued events are still delivered.
func (b *Broker[E]) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription[E], 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// Name returns the subscriber name.
func (s *Subscription[E]) Name() string {
	return s.name
}

// Cancel unsubscribes, waits for already queued events to be handled and
// returns. It must not be called from the subscriber's own callback.
func (s *Subscription[E]) Cancel() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		if _, ok := b.subs[s.id]; ok {
			delete(b.subs, s.id)
			close(s.queue)
		}
		b.mu.Unlock()
	})
	<-s.done
}

func (s *Subscription[E]) run(fn func(E)) {
	defer close(s.done)
	for e := range s.queue {
		s.deliver(fn, e)
	}
}

func (s *Subscription[E]) deliver(fn func(E), e E) {
	defer func() {
		if p := recover(); p != nil {
			s.broker.log.Error("subscriber panicked", "subscriber", s.name, "panic", p)
		}
	}()
	fn(e)
}
