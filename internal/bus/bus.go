// Package bus is the in-process pub-sub channel for workflow lifecycle
// events. Publishing never blocks; slow subscribers lose events.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event kinds.
const (
	KindExecution = "execution"
	KindStep      = "step"
)

// Event is one execution or step status transition.
type Event struct {
	Ts          time.Time `json:"ts"`
	ExecutionID string    `json:"executionId"`
	StepID      string    `json:"stepId,omitempty"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
}

// Bus fans events out to subscriber channels. Per-publisher ordering is
// preserved because Publish holds the lock while sending.
type Bus struct {
	log *slog.Logger

	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// New creates an empty Bus.
func New(log *slog.Logger) *Bus {
	return &Bus{
		log:         log.With("component", "bus"),
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel that receives future events.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
}

// Publish delivers evt to every subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default: // drop if slow
			b.log.Debug("subscriber full, event dropped",
				"execution", evt.ExecutionID, "step", evt.StepID)
		}
	}
}
