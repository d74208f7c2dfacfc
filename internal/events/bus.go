package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic names a class of bus message.
type Topic string

// Bus topics.
const (
	TopicJobCreated    Topic = "job.created"
	TopicJobUpdated    Topic = "job.updated"
	TopicStateUpdated  Topic = "state.updated"
	TopicEventAppended Topic = "event.appended"
)

// AllTopics lists every topic.
var AllTopics = []Topic{TopicJobCreated, TopicJobUpdated, TopicStateUpdated, TopicEventAppended}

// ParseTopic returns the Topic named by s.
func ParseTopic(s string) (Topic, bool) {
	for _, t := range AllTopics {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Message is one published item.
type Message struct {
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(topic Topic, payload any)
}

// BusMetrics receives drop counts.
type BusMetrics interface {
	BusDropped(topic string)
}

type noopBusMetrics struct{}

func (noopBusMetrics) BusDropped(string) {}

// Bus is an in-process publish/subscribe fan-out.
//
// Each subscriber owns a bounded queue. Publish never blocks: when a
// subscriber's queue is full the message is dropped for that subscriber
// only and counted.
//
// Thread Safety: all methods are safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	closed  bool
	dropped atomic.Uint64
	metrics BusMetrics
	now     func() time.Time
}

// NewBus creates a bus whose subscribers queue up to buffer messages.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: noopBusMetrics{},
		now:     time.Now,
	}
}

// SetMetrics sets the metrics sink for dropped messages.
func (b *Bus) SetMetrics(m BusMetrics) {
	b.mu.Lock()
	b.metrics = m
	b.mu.Unlock()
}

// Subscribe registers a subscriber for topics, or for every topic when
// none are given. The subscription must be closed when no longer needed.
// Subscribing to a closed bus returns an already closed subscription.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		ch:  make(chan Message, b.buffer),
		bus: b,
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers payload to every subscriber of topic without blocking.
func (b *Bus) Publish(topic Topic, payload any) {
	msg := Message{Topic: topic, Payload: payload, Timestamp: b.now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.metrics.BusDropped(string(topic))
		}
	}
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of dropped deliveries.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
	}
	b.subs = nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	ch      chan Message
	topics  map[Topic]struct{} // nil means all topics
	bus     *Bus
	closed  bool // guarded by bus.mu
	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed when the subscription or
// the bus is closed.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Dropped returns the number of messages dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (s *Subscription) wants(t Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[t]
	return ok
}
