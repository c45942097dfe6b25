package events

import (
	"slices"
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

// subscription is one subscriber channel and the topics it listens to.
type subscription struct {
	ch     chan Event
	topics []string // nil means every topic
}

func (s *subscription) wants(topic string) bool {
	return s.topics == nil || slices.Contains(s.topics, topic)
}

// EventBus fans scheduler events out to subscriber channels.
// Publishing never blocks: a subscriber that falls behind loses events, and
// the loss is counted in Dropped.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving the events published on topic.
// bufSize <= 0 selects the default buffer.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(bufSize, []string{topic})
}

// SubscribeTopics returns a channel receiving the events of several topics.
func (b *EventBus) SubscribeTopics(bufSize int, topics ...string) <-chan Event {
	return b.subscribe(bufSize, append([]string{}, topics...))
}

// SubscribeAll returns a channel receiving every event.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(bufSize, nil)
}

func (b *EventBus) subscribe(bufSize int, topics []string) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	sub := &subscription{ch: make(chan Event, bufSize), topics: topics}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Unsubscribe removes and closes a channel returned by one of the Subscribe
// methods. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	i := slices.IndexFunc(b.subs, func(s *subscription) bool { return (<-chan Event)(s.ch) == ch })
	if i < 0 {
		return
	}
	close(b.subs[i].ch)
	b.subs = slices.Delete(b.subs, i, i+1)
}

// Publish delivers event to every subscriber of topic. Full channels drop it.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
