// Package events fans container lifecycle events out to in-process subscribers.
package events

import (
	"sync"
	"time"
)

// Event types
const (
	ContainerCreated     = "container.created"
	ContainerStarted     = "container.started"
	EndpointShellCreated = "endpoint_shell.created"
	ContainerReady       = "container.ready"
	ContainerDestroyed   = "container.destroyed"
	ContainerReaped      = "container.reaped"
	ContainerFailed      = "container.failed"
)

// subscriberBuffer is the number of events a subscriber may lag behind.
const subscriberBuffer = 64

type Event struct {
	Type          string    `json:"type"`
	ContainerUUID string    `json:"container_uuid,omitempty"`
	Message       string    `json:"message,omitempty"`
	Time          time.Time `json:"time"`
}

// Broker delivers published events to every subscriber. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	dropped     uint64
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish stamps e with the current time if unset and dispatches it.
func (b *Broker) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Broker) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
