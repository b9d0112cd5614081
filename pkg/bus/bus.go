// Package bus carries lifecycle notices and unit-of-work failures to any number of observers.
package bus

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 100

type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventTaskFailed     EventType = "task_failed"
	EventJobFailed      EventType = "job_failed"
	EventPluginsChanged EventType = "plugins_changed"
	EventClosed         EventType = "closed"
)

type Event struct {
	Type    EventType         `json:"type"`
	At      time.Time         `json:"at"`
	Task    string            `json:"task,omitempty"`
	TaskID  string            `json:"task_id,omitempty"`
	Error   string            `json:"error,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Failure reports whether the event describes a failed unit of work.
func (e Event) Failure() bool {
	return e.Type == EventTaskFailed || e.Type == EventJobFailed
}

type Bus struct {
	subscribers map[uint64]chan Event
	nextID      uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[uint64]chan Event),
		done:        make(chan struct{}),
	}
}

// Publish fans event out to every subscriber without blocking. Slow subscribers miss events.
func (b *Bus) Publish(event Event) bool {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-b.done:
		return false
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return true
}

// Subscribe returns a buffered event stream and its cancel func. The stream is
// closed when ctx ends, on unsubscribe, or when the bus closes.
func (b *Bus) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-b.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}

func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	})
}
