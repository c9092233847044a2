// Package pubsub fans change events out to whoever is currently listening on a user channel.
//
// Delivery is at-most-once and in-process: a subscriber that was not listening when an event was
// published never sees it. Every subscriber of a topic receives the events of that topic in
// publish order, through its own bounded queue, so a slow subscriber only loses its own events
// and never stalls the publisher or its siblings.
package pubsub

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/convsync/internal/models"
)

// Handler receives the events of a subscription, one at a time, in publish order.
type Handler func(models.Event)

// Broker is an in-memory fan-out broker keyed by models.Topic.
type Broker struct {
	mu     sync.RWMutex
	subs   map[models.Topic]map[uint64]*subscription
	nextID uint64
	closed bool

	buffer int
	logger *slog.Logger
}

type subscription struct {
	id      uint64
	topic   models.Topic
	events  chan models.Event
	done    chan struct{}
	once    sync.Once
	handler Handler
}

// DefaultBuffer is the number of events queued per subscriber before new events get dropped.
const DefaultBuffer = 64

const errLoggerKey = "err"

// ErrClosed is returned by Publish after the broker was closed.
var ErrClosed = errors.New("broker closed")

// NewBroker creates a broker whose subscribers queue up to buffer events each. A buffer below one
// falls back to DefaultBuffer.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Broker{
		subs:   make(map[models.Topic]map[uint64]*subscription),
		buffer: buffer,
		logger: logger.With(slog.String("module", "pubsub")),
	}
}

// Publish enqueues e for every current subscriber of topic. It never blocks on a subscriber: if
// a subscriber's queue is full the event is dropped for that subscriber only.
func (b *Broker) Publish(topic models.Topic, e models.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs[topic] {
		select {
		case sub.events <- e:
		default:
			b.logger.Warn("Subscriber queue full, dropping event",
				slog.String("topic", topic.String()),
				slog.Uint64("subscriber", sub.id),
				slog.String("type", string(e.Type)))
		}
	}
	return nil
}

// Subscribe registers handler for topic and returns the function that removes it. The returned
// function may be called any number of times. Events published before Subscribe returns are not
// delivered.
func (b *Broker) Subscribe(topic models.Topic, handler Handler) func() {
	sub := &subscription{
		topic:   topic,
		events:  make(chan models.Event, b.buffer),
		done:    make(chan struct{}),
		handler: handler,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		return sub.stop
	}
	b.nextID++
	sub.id = b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscription)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	return func() {
		b.remove(sub)
	}
}

// Subscribers returns the number of current subscribers of topic.
func (b *Broker) Subscribers(topic models.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close stops every subscription. Publish fails with ErrClosed afterwards.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[models.Topic]map[uint64]*subscription)
	b.mu.Unlock()

	for _, byID := range subs {
		for _, sub := range byID {
			sub.stop()
		}
	}
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	if byID, ok := b.subs[sub.topic]; ok {
		delete(byID, sub.id)
		if len(byID) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	b.mu.Unlock()

	sub.stop()
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.events:
			// No handler call once stop has been observed.
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(e)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}
