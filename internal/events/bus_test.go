package events

import (
	"sync"
	"testing"
	"time"
)

// drain returns the event types buffered in ch without blocking.
func drain(ch <-chan Event) []string {
	var got []string
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, e.EventType())
		default:
			return got
		}
	}
}

func publishOneOfEach(bus *EventBus) {
	now := time.Now()
	bus.Publish(TopicTask, TaskStartedEvent{Name: "Parser", ChainID: "chain-1", Timestamp: now})
	bus.Publish(TopicOutput, TaskOutputEvent{Name: "Parser", Tag: "Parser", Line: "parsing core_top", Timestamp: now})
	bus.Publish(TopicQueue, QueueAdvancedEvent{ChainID: "chain-1", Active: "Parser", Queued: []string{"Linter"}, Timestamp: now})
	bus.Publish(TopicPrompt, FollowOnRequestedEvent{Name: "Parser", Candidates: []string{"Linter"}, Timestamp: now})
}

func TestTopicRouting(t *testing.T) {
	tests := []struct {
		name      string
		subscribe func(*EventBus) <-chan Event
		want      []string
	}{
		{
			name:      "single topic",
			subscribe: func(b *EventBus) <-chan Event { return b.Subscribe(TopicQueue, 10) },
			want:      []string{EventTypeQueueAdvanced},
		},
		{
			name: "several topics",
			subscribe: func(b *EventBus) <-chan Event {
				return b.SubscribeTopics(10, TopicTask, TopicPrompt)
			},
			want: []string{EventTypeTaskStarted, EventTypeFollowOnRequested},
		},
		{
			name:      "no topics",
			subscribe: func(b *EventBus) <-chan Event { return b.SubscribeTopics(10) },
			want:      nil,
		},
		{
			name:      "all topics",
			subscribe: func(b *EventBus) <-chan Event { return b.SubscribeAll(10) },
			want:      []string{EventTypeTaskStarted, EventTypeTaskOutput, EventTypeQueueAdvanced, EventTypeFollowOnRequested},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewEventBus()
			defer bus.Close()

			ch := tt.subscribe(bus)
			publishOneOfEach(bus)

			got := drain(ch)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event %d: got %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEverySubscriberGetsTheEvent(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	subs := []<-chan Event{
		bus.Subscribe(TopicTask, 10),
		bus.Subscribe(TopicTask, 10),
		bus.SubscribeAll(10),
	}
	bus.Publish(TopicTask, TaskCompletedEvent{Name: "Linter", Message: "Linter passed in 1.2s", Duration: 1200 * time.Millisecond})

	for i, ch := range subs {
		select {
		case e := <-ch:
			if e.TaskName() != "Linter" {
				t.Errorf("subscriber %d: got task %q", i, e.TaskName())
			}
		default:
			t.Errorf("subscriber %d got nothing", i)
		}
	}
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	slow := bus.Subscribe(TopicOutput, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for j := 0; j < 10; j++ {
			bus.Publish(TopicOutput, TaskOutputEvent{Name: "Regression", Tag: "fifo", Line: "tick"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := len(drain(slow)); got != 1 {
		t.Errorf("expected the one buffered event, got %d", got)
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	keep := bus.Subscribe(TopicTask, 10)
	drop := bus.SubscribeTopics(10, TopicTask, TopicQueue)
	all := bus.SubscribeAll(10)

	bus.Unsubscribe(drop)
	bus.Unsubscribe(all)

	for name, ch := range map[string]<-chan Event{"topics": drop, "all": all} {
		if _, ok := <-ch; ok {
			t.Errorf("%s subscription still open", name)
		}
	}

	bus.Publish(TopicTask, TaskResetEvent{Name: "Linter"})
	if got := drain(keep); len(got) != 1 || got[0] != EventTypeTaskReset {
		t.Errorf("remaining subscriber got %v", got)
	}

	// Repeated and unknown unsubscribes are ignored.
	bus.Unsubscribe(drop)
	bus.Unsubscribe(make(chan Event))
}

func TestClose(t *testing.T) {
	bus := NewEventBus()
	before := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	if _, ok := <-before; ok {
		t.Error("subscription not closed by Close")
	}

	after := bus.Subscribe(TopicTask, 10)
	if _, ok := <-after; ok {
		t.Error("subscribing to a closed bus should return a closed channel")
	}

	// Neither panics after close.
	bus.Publish(TopicTask, TaskStartedEvent{Name: "Parser"})
	bus.Unsubscribe(before)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(TopicOutput, TaskOutputEvent{Name: "Regression", Line: "line"})
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := bus.SubscribeTopics(i+1, TopicOutput)
			drain(ch)
			bus.Unsubscribe(ch)
		}()
	}
	wg.Wait()
}
