package messaging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// SimpleBroker implements Broker with non-blocking channel sends.
// subscribers maps sink ids to their channels.
type SimpleBroker struct {
	subscribers map[string]chan<- Message
	mu          sync.RWMutex
}

// NewBroker creates a new message broker
func NewBroker() *SimpleBroker {
	return &SimpleBroker{
		subscribers: make(map[string]chan<- Message),
	}
}

// Publish sends msg to every subscriber. A full subscriber channel does not
// block the publisher; the message is dropped for that sink and reported.
func (b *SimpleBroker) Publish(msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		select {
		case b.subscribers[id] <- msg:
		default:
			errs = append(errs, fmt.Errorf("sink %s channel is full, dropped %s", id, msg.Kind))
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a sink to receive messages
func (b *SimpleBroker) Subscribe(id string, ch chan<- Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; exists {
		return fmt.Errorf("sink %s is already subscribed", id)
	}

	b.subscribers[id] = ch
	return nil
}

// Unsubscribe removes a sink's subscription
func (b *SimpleBroker) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return fmt.Errorf("sink %s is not subscribed", id)
	}

	delete(b.subscribers, id)
	return nil
}

// Reset drops all subscriptions.
func (b *SimpleBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string]chan<- Message)
}
