package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBufferSize = 100

type EventType string

const (
	EventRuntimeStarted     EventType = "runtime_started"
	EventRuntimeStartFailed EventType = "runtime_start_failed"
	EventRuntimeStopped     EventType = "runtime_stopped"
	EventRuntimeCrashed     EventType = "runtime_crashed"
	EventReplySent          EventType = "reply_sent"
	EventReplyFailed        EventType = "reply_failed"
)

type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	AccountID int64             `json:"account_id,omitempty"`
	TenantID  int64             `json:"tenant_id,omitempty"`
	ChatID    int64             `json:"chat_id,omitempty"`
	MessageID int64             `json:"message_id,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// EventBus fans runtime lifecycle events out to subscribers. Publishing never
// blocks; slow subscribers lose events.
type EventBus struct {
	subscribers map[uint64]chan Event
	nextID      uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[uint64]chan Event),
		done:        make(chan struct{}),
	}
}

func (eb *EventBus) Publish(ctx context.Context, event Event) bool {
	if eb == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	select {
	case <-ctx.Done():
		return false
	case <-eb.done:
		return false
	default:
	}

	// Sends are non-blocking, so holding the read lock keeps unsubscribe from
	// closing a channel mid-send.
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return true
}

func (eb *EventBus) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	eb.mu.Lock()
	select {
	case <-eb.done:
		eb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := eb.nextID
	eb.nextID++
	eb.subscribers[id] = ch
	eb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			eb.mu.Lock()
			if eventCh, ok := eb.subscribers[id]; ok {
				delete(eb.subscribers, id)
				close(eventCh)
			}
			eb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-eb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}

func (eb *EventBus) Close() {
	eb.closeOnce.Do(func() {
		close(eb.done)

		eb.mu.Lock()
		for id, ch := range eb.subscribers {
			close(ch)
			delete(eb.subscribers, id)
		}
		eb.mu.Unlock()
	})
}
