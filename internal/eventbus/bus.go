// Package eventbus provides the in-process publish-subscribe channel that
// fans state transitions out to UI subscribers. Delivery is fire-and-forget:
// each subscriber owns a bounded mailbox and a subscriber that cannot keep
// up is disconnected rather than blocking publishers.
package eventbus

import (
	"context"
	"sync"

	"github.com/missionkit/missiond/internal/core"
)

// mailboxSize bounds each subscriber's channel. A full mailbox means the
// subscriber is behind and gets dropped.
const mailboxSize = 64

// Bus is a broadcast-only pub/sub hub for events.
type Bus struct {
	mu          sync.Mutex
	subscribers []*subscriber
}

type subscriber struct {
	ch     chan core.Event
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber bound to ctx. The returned channel is
// closed when the subscription ends, either via the returned cancel
// function, ctx cancellation, or a disconnect for falling behind.
func (b *Bus) Subscribe(ctx context.Context) (<-chan core.Event, context.CancelFunc) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ch:     make(chan core.Event, mailboxSize),
		ctx:    subCtx,
		cancel: cancel,
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub.ch, cancel
}

// Publish sends the event to every live subscriber. Subscribers whose
// context is done or whose mailbox is full are disconnected.
func (b *Bus) Publish(event core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.subscribers[:0]
	for _, sub := range b.subscribers {
		select {
		case <-sub.ctx.Done():
			close(sub.ch)
			continue
		default:
		}

		select {
		case sub.ch <- event:
			remaining = append(remaining, sub)
		default:
			// Mailbox full; the subscriber is behind.
			close(sub.ch)
			sub.cancel()
		}
	}
	b.subscribers = remaining
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
