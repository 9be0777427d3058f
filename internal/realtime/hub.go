package realtime

import (
	"context"
	"sync"
)

const subscriptionBuffer = 32

// Subscription is one client's attachment to a set of channels. Events
// arrive on Events(); when the buffer is full further events are dropped
// rather than blocking the publisher.
type Subscription struct {
	channels []string
	events   chan Event

	closeOnce sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Hub is the process-wide subscription registry. It is the single ownership
// point for the channel-to-subscriber mapping; callers only see subscribe,
// unsubscribe and publish.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[*Subscription]struct{})}
}

// Subscribe attaches to the named channels. Subscribing to a channel whose
// thread does not exist yet is fine; it just sees nothing until the first
// publish.
func (h *Hub) Subscribe(channels ...string) *Subscription {
	sub := &Subscription{
		channels: channels,
		events:   make(chan Event, subscriptionBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range channels {
		if h.channels[channel] == nil {
			h.channels[channel] = make(map[*Subscription]struct{})
		}
		h.channels[channel][sub] = struct{}{}
	}
	return sub
}

// Unsubscribe detaches the subscription and closes its event stream. The
// close happens under the hub lock, same as Broadcast's sends, so a send can
// never hit a closed channel. Empty channel entries are pruned so the
// registry does not grow with every thread a client ever watched.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range sub.channels {
		if subs, ok := h.channels[channel]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	sub.closeOnce.Do(func() { close(sub.events) })
}

// Broadcast delivers the event to every current subscriber of the channel.
// Sends never block: a subscriber that cannot keep up loses events and is
// expected to reconcile by re-fetching. Sends stay under the lock; they are
// non-blocking, and holding it is what keeps Unsubscribe's close ordered
// against them.
func (h *Hub) Broadcast(channel string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.channels[channel] {
		select {
		case sub.events <- event:
		default:
		}
	}
}

// Publish satisfies the publisher contract for in-process-only deployments.
func (h *Hub) Publish(_ context.Context, channel string, event Event) error {
	h.Broadcast(channel, event)
	return nil
}

// SubscriberCount reports the live subscriber total for a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}
