package events

import (
	"sync"
	"time"
)

// Topic names a class of event.
type Topic string

const (
	TopicStateChanged  Topic = "state:changed"
	TopicCloneProgress Topic = "clone:progress"
	TopicAlertCreated  Topic = "alert:created"
	TopicAlertResolved Topic = "alert:resolved"

	// TopicAll subscribes to every topic.
	TopicAll Topic = "*"
)

// Event is a broadcast fact. Persistence of the underlying record is the
// producer's responsibility; delivery here is best-effort.
type Event struct {
	ID        string
	Topic     Topic
	NodeID    string
	SessionID string
	Timestamp time.Time
	Message   string
	Payload   map[string]any
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]Topic
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]Topic),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a subscription for one topic (or TopicAll) and
// returns its channel.
func (b *Broker) Subscribe(topic Topic) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = topic
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all matching subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, topic := range b.subscribers {
		if topic != TopicAll && topic != event.Topic {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
